package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openportal-dev/openportal/internal/config"
	"github.com/openportal-dev/openportal/internal/platform"
	"github.com/openportal-dev/openportal/internal/platform/mock"
	"github.com/openportal-dev/openportal/internal/registry"
	"github.com/openportal-dev/openportal/internal/workspace"
)

type testEnv struct {
	svc    *Service
	client *mock.Client
	store  *registry.Store
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:            dataDir,
		RegistryPath:       filepath.Join(dataDir, "registry.json"),
		WorkspaceRoot:      filepath.Join(dataDir, "workspaces"),
		SandboxImage:       "portal-sandbox:latest",
		SnapshotRepository: "portal/snapshots",
		ServiceBinary:      "opencode",
		ServicePort:        4096,
		SandboxTimeout:     time.Hour,
		MaxInFlight:        10,
		DefaultCPU:         4,
		DefaultMemoryMB:    8192,
	}

	logger := zap.NewNop()
	client := mock.NewClient()
	store := registry.NewStore(cfg.RegistryPath, nil, logger)
	ws := workspace.New(cfg.WorkspaceRoot, logger)

	return &testEnv{
		svc:    New(store, client, ws, cfg, logger),
		client: client,
		store:  store,
		cfg:    cfg,
	}
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{CPU: 2, MemoryMB: 4096})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if entry.Name != "proj-a" {
		t.Errorf("name = %q, want proj-a", entry.Name)
	}
	if entry.State != registry.StateRunning {
		t.Errorf("state = %q, want running", entry.State)
	}
	if entry.SnapshotRef != "" {
		t.Errorf("a fresh sandbox must have no snapshot, got %q", entry.SnapshotRef)
	}
	if entry.RemoteHandle == "" {
		t.Error("remote handle not recorded")
	}
	if entry.Resources.CPU != 2 || entry.Resources.MemoryMB != 4096 {
		t.Errorf("resources = %+v, want cpu=2 memory=4096", entry.Resources)
	}
	if entry.Resources.GPUType != "" || entry.Resources.GPUCount != 0 {
		t.Errorf("no GPU requested, got %+v", entry.Resources)
	}

	spec, live, ok := env.client.Instance(platform.Handle(entry.RemoteHandle))
	if !ok || !live {
		t.Fatalf("platform should report the new instance live (ok=%v live=%v)", ok, live)
	}
	if spec.Image != env.cfg.SandboxImage {
		t.Errorf("boot image = %q, want base image %q", spec.Image, env.cfg.SandboxImage)
	}
	if want := filepath.Join(env.cfg.WorkspaceRoot, entry.ID); spec.WorkDir != want {
		t.Errorf("workdir = %q, want %q", spec.WorkDir, want)
	}
	if spec.Timeout != env.cfg.SandboxTimeout {
		t.Errorf("timeout = %v, want %v", spec.Timeout, env.cfg.SandboxTimeout)
	}

	// The entry must be durably registered.
	got, err := env.svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get after Create failed: %v", err)
	}
	if got.RemoteHandle != entry.RemoteHandle {
		t.Errorf("persisted handle = %q, want %q", got.RemoteHandle, entry.RemoteHandle)
	}
}

func TestCreate_AppliesResourceDefaults(t *testing.T) {
	env := newTestEnv(t)

	entry, err := env.svc.Create(context.Background(), "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if entry.Resources.CPU != env.cfg.DefaultCPU {
		t.Errorf("cpu = %v, want default %v", entry.Resources.CPU, env.cfg.DefaultCPU)
	}
	if entry.Resources.MemoryMB != env.cfg.DefaultMemoryMB {
		t.Errorf("memory = %d, want default %d", entry.Resources.MemoryMB, env.cfg.DefaultMemoryMB)
	}
}

func TestCreate_GPUPairingRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		in        registry.Resources
		wantType  string
		wantCount int
	}{
		{"type without count", registry.Resources{CPU: 1, MemoryMB: 1024, GPUType: "T4"}, "", 0},
		{"count without type", registry.Resources{CPU: 1, MemoryMB: 1024, GPUCount: 2}, "", 0},
		{"type and count", registry.Resources{CPU: 1, MemoryMB: 1024, GPUType: "A100", GPUCount: 2}, "A100", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := env.svc.Create(ctx, "gpu-test", tt.in)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if entry.Resources.GPUType != tt.wantType || entry.Resources.GPUCount != tt.wantCount {
				t.Errorf("gpu = (%q, %d), want (%q, %d)",
					entry.Resources.GPUType, entry.Resources.GPUCount, tt.wantType, tt.wantCount)
			}
		})
	}
}

func TestCreate_RejectsNegativeResources(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.svc.Create(context.Background(), "bad", registry.Resources{CPU: -1}); err == nil {
		t.Error("negative cpu should be rejected")
	}
	if _, err := env.svc.Create(context.Background(), "bad", registry.Resources{GPUCount: -1}); err == nil {
		t.Error("negative gpu count should be rejected")
	}
}

func TestCreate_PlatformFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.client.CreateFunc = func(ctx context.Context, spec platform.CreateSpec) (platform.Handle, error) {
		return "", platform.ErrCreateFailed
	}

	if _, err := env.svc.Create(context.Background(), "doomed", registry.Resources{}); err == nil {
		t.Fatal("Create should propagate platform failure")
	}

	annotated, err := env.svc.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(annotated) != 0 {
		t.Errorf("no partial entry may be persisted, got %d entries", len(annotated))
	}
}

func TestStop_SnapshotRecordedBeforeTerminate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const ref = "portal/snapshots:abc-1"
	var order []string
	env.client.SnapshotFunc = func(ctx context.Context, handle platform.Handle) (string, error) {
		order = append(order, "snapshot")
		return ref, nil
	}
	env.client.TerminateFunc = func(ctx context.Context, handle platform.Handle) error {
		order = append(order, "terminate")
		// A crash here must not lose the snapshot: the reference has to be
		// durable before termination happens.
		snap, err := env.store.Load(ctx)
		if err != nil {
			t.Errorf("Load during terminate failed: %v", err)
		}
		if e, ok := snap.Find(entry.ID); !ok || e.SnapshotRef != ref {
			t.Errorf("snapshot ref not recorded before terminate (entry: %+v)", e)
		}
		return nil
	}

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(order) != 2 || order[0] != "snapshot" || order[1] != "terminate" {
		t.Errorf("call order = %v, want [snapshot terminate]", order)
	}

	got, err := env.svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != registry.StateStopped {
		t.Errorf("state = %q, want stopped", got.State)
	}
	if got.SnapshotRef != ref {
		t.Errorf("snapshot ref = %q, want %q", got.SnapshotRef, ref)
	}
}

func TestStop_SnapshotFailureStillTerminates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.client.SnapshotFunc = func(ctx context.Context, handle platform.Handle) (string, error) {
		return "", platform.ErrSnapshotFailed
	}

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop must succeed despite snapshot failure: %v", err)
	}

	if env.client.LiveCount() != 0 {
		t.Error("instance must be terminated even when the snapshot fails")
	}
	got, err := env.svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != registry.StateStopped {
		t.Errorf("state = %q, want stopped", got.State)
	}
	if got.SnapshotRef != "" {
		t.Errorf("failed snapshot must not record a ref, got %q", got.SnapshotRef)
	}
}

func TestStop_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	first, _ := env.svc.Get(ctx, entry.ID)

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	second, _ := env.svc.Get(ctx, entry.ID)

	if env.client.SnapshotCount() != 1 {
		t.Errorf("stopping a stopped sandbox must not snapshot again, got %d snapshots",
			env.client.SnapshotCount())
	}
	if first.SnapshotRef != second.SnapshotRef {
		t.Errorf("snapshot ref changed across no-op stop: %q -> %q",
			first.SnapshotRef, second.SnapshotRef)
	}
}

func TestStart_RestoresFromSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{CPU: 2, MemoryMB: 4096})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldHandle := entry.RemoteHandle

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	stopped, _ := env.svc.Get(ctx, entry.ID)
	if stopped.SnapshotRef == "" {
		t.Fatal("expected a snapshot ref after stop")
	}

	started, err := env.svc.Start(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if started.RemoteHandle == oldHandle {
		t.Error("start must mint a new remote handle")
	}
	if started.State != registry.StateRunning {
		t.Errorf("state = %q, want running", started.State)
	}
	if started.Resources != entry.Resources {
		t.Errorf("resources changed across restart: %+v -> %+v", entry.Resources, started.Resources)
	}

	spec, live, ok := env.client.Instance(platform.Handle(started.RemoteHandle))
	if !ok || !live {
		t.Fatalf("new instance should be live (ok=%v live=%v)", ok, live)
	}
	if spec.Image != stopped.SnapshotRef {
		t.Errorf("boot image = %q, want snapshot %q", spec.Image, stopped.SnapshotRef)
	}
}

func TestStart_BaseImageWhenNoSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.client.SnapshotFunc = func(ctx context.Context, handle platform.Handle) (string, error) {
		return "", platform.ErrSnapshotFailed
	}
	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	env.client.SnapshotFunc = nil

	started, err := env.svc.Start(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	spec, _, ok := env.client.Instance(platform.Handle(started.RemoteHandle))
	if !ok {
		t.Fatal("new instance not tracked")
	}
	if spec.Image != env.cfg.SandboxImage {
		t.Errorf("boot image = %q, want base image %q", spec.Image, env.cfg.SandboxImage)
	}
}

func TestStart_TerminatesLiveInstanceFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldHandle := platform.Handle(entry.RemoteHandle)

	// Start while the recorded handle is still live: restart semantics.
	started, err := env.svc.Start(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if env.client.LiveCount() != 1 {
		t.Errorf("exactly one live instance may serve an entry, got %d", env.client.LiveCount())
	}
	if _, live, _ := env.client.Instance(oldHandle); live {
		t.Error("old instance must be terminated before the new one takes over")
	}
	if started.RemoteHandle == string(oldHandle) {
		t.Error("restart must mint a new handle")
	}
	if started.SnapshotRef == "" {
		t.Error("restart of a live instance should have snapshotted it first")
	}
}

func TestStart_NotFound(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.svc.Start(context.Background(), "missing0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wsDir := filepath.Join(env.cfg.WorkspaceRoot, entry.ID)
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := env.svc.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := env.svc.Get(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	annotated, err := env.svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(annotated) != 0 {
		t.Errorf("List after Delete should be empty, got %d entries", len(annotated))
	}
	if env.client.LiveCount() != 0 {
		t.Error("live instance must be terminated on delete")
	}
	if _, err := os.Stat(wsDir); !os.IsNotExist(err) {
		t.Errorf("workspace should be removed, stat err = %v", err)
	}
	if env.client.SnapshotCount() != 0 {
		t.Error("delete must not snapshot: deletion discards state")
	}
}

func TestDelete_RemovesEntryDespiteCleanupFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.client.TerminateFunc = func(ctx context.Context, handle platform.Handle) error {
		return fmt.Errorf("platform unreachable")
	}

	if err := env.svc.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete must succeed despite terminate failure: %v", err)
	}
	if _, err := env.svc.Get(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry must be gone even when termination failed, got %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	env := newTestEnv(t)

	if err := env.svc.Delete(context.Background(), "missing0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentCreates_BothSurvive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	done := make(chan error, 2)
	for _, name := range []string{"proj-a", "proj-b"} {
		name := name
		go func() {
			_, err := env.svc.Create(ctx, name, registry.Resources{})
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Create failed: %v", err)
		}
	}

	annotated, err := env.svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(annotated) != 2 {
		t.Errorf("both concurrently created entries must survive, got %d", len(annotated))
	}
}

func TestExec_RequiresLiveInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := env.svc.Exec(ctx, entry.ID, []string{"echo", "hi"})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := env.svc.Exec(ctx, entry.ID, []string{"echo", "hi"}); !errors.Is(err, ErrNotLive) {
		t.Errorf("Exec on stopped sandbox = %v, want ErrNotLive", err)
	}
}

func TestOpen_ReturnsServicePortTunnel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	url, err := env.svc.Open(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if url == "" {
		t.Error("expected a tunnel URL")
	}

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := env.svc.Open(ctx, entry.ID); !errors.Is(err, ErrNotLive) {
		t.Errorf("Open on stopped sandbox = %v, want ErrNotLive", err)
	}
}

func TestStopStartRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.svc.Create(ctx, "proj-a", registry.Resources{CPU: 2, MemoryMB: 4096})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldHandle := entry.RemoteHandle

	if err := env.svc.Stop(ctx, entry.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	stopped, _ := env.svc.Get(ctx, entry.ID)
	if stopped.State != registry.StateStopped || stopped.SnapshotRef == "" {
		t.Fatalf("after stop: %+v", stopped)
	}

	started, err := env.svc.Start(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.State != registry.StateRunning || started.RemoteHandle == oldHandle {
		t.Fatalf("after start: %+v", started)
	}

	if err := env.svc.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	annotated, _ := env.svc.List(ctx)
	for _, a := range annotated {
		if a.Name == "proj-a" {
			t.Error("deleted sandbox still listed")
		}
	}
}
