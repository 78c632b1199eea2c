package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// countingVolume records Reload/Commit calls.
type countingVolume struct {
	reloads int
	commits int
}

func (v *countingVolume) Reload() error { v.reloads++; return nil }
func (v *countingVolume) Commit() error { v.commits++; return nil }

func newTestStore(t *testing.T) (*Store, *countingVolume, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	vol := &countingVolume{}
	return NewStore(path, vol, zap.NewNop()), vol, path
}

func testEntry(id, name string) Entry {
	return Entry{
		ID:           id,
		Name:         name,
		RemoteHandle: "handle-" + id,
		State:        StateRunning,
		Resources:    Resources{CPU: 2, MemoryMB: 4096},
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestLoad_MissingFile(t *testing.T) {
	store, _, _ := newTestStore(t)

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Entries) != 0 {
		t.Errorf("expected empty registry, got %d entries", len(snap.Entries))
	}
	if snap.Revision != 0 {
		t.Errorf("expected revision 0, got %d", snap.Revision)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	store, _, path := newTestStore(t)

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed on corrupt file: %v", err)
	}
	if len(snap.Entries) != 0 || snap.Revision != 0 {
		t.Errorf("corrupt registry should read as empty, got %d entries at revision %d",
			len(snap.Entries), snap.Revision)
	}
}

func TestReplaceThenLoad_RoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	entries := []Entry{testEntry("aaa111", "proj-a"), testEntry("bbb222", "proj-b")}
	if err := store.Replace(ctx, entries, 0); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Revision != 1 {
		t.Errorf("expected revision 1 after first replace, got %d", snap.Revision)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0] != entries[0] || snap.Entries[1] != entries[1] {
		t.Errorf("entries did not round-trip: got %+v", snap.Entries)
	}
}

func TestReplace_RevisionConflict(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Replace(ctx, []Entry{testEntry("aaa111", "proj-a")}, 0); err != nil {
		t.Fatalf("first Replace failed: %v", err)
	}

	// A second writer holding the stale revision must lose, not overwrite.
	err := store.Replace(ctx, []Entry{testEntry("bbb222", "proj-b")}, 0)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].ID != "aaa111" {
		t.Errorf("conflicting write must not change the registry, got %+v", snap.Entries)
	}
}

func TestReplace_RevisionsAreSequential(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		snap, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if err := store.Replace(ctx, append(snap.Entries, testEntry("id", "n")), snap.Revision); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		snap, err = store.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if snap.Revision != want {
			t.Errorf("expected revision %d, got %d", want, snap.Revision)
		}
	}
}

func TestVolumeDiscipline(t *testing.T) {
	store, vol, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if vol.reloads != 1 {
		t.Errorf("Load must sync the volume first, got %d reloads", vol.reloads)
	}
	if vol.commits != 0 {
		t.Errorf("Load must not commit, got %d commits", vol.commits)
	}

	if err := store.Replace(ctx, nil, 0); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if vol.commits != 1 {
		t.Errorf("Replace must commit after writing, got %d commits", vol.commits)
	}
}

func TestReplace_PersistsSchemaVersion(t *testing.T) {
	store, _, path := newTestStore(t)

	if err := store.Replace(context.Background(), []Entry{testEntry("aaa111", "p")}, 0); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read registry file: %v", err)
	}
	if want := `"schema_version": 1`; !strings.Contains(string(data), want) {
		t.Errorf("registry document missing %s:\n%s", want, data)
	}
}
