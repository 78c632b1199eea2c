// Package service implements the sandbox lifecycle controller and the
// read-path status reconciler. The registry records logical existence; the
// execution platform is polled for liveness; this package drives the state
// transitions between the two.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openportal-dev/openportal/internal/config"
	"github.com/openportal-dev/openportal/internal/platform"
	"github.com/openportal-dev/openportal/internal/registry"
	"github.com/openportal-dev/openportal/internal/workspace"
)

// replaceAttempts bounds the load-mutate-replace retry loop when the
// registry revision moves underneath an operation.
const replaceAttempts = 3

// Service is the sandbox lifecycle controller.
type Service struct {
	store      *registry.Store
	platform   platform.Client
	workspaces *workspace.Manager
	cfg        *config.Config
	logger     *zap.Logger
}

// New creates a lifecycle controller.
func New(store *registry.Store, client platform.Client, ws *workspace.Manager, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		platform:   client,
		workspaces: ws,
		cfg:        cfg,
		logger:     logger,
	}
}

// Create provisions a new sandbox: fresh id, fresh workspace subpath, new
// remote instance booted from the base image. The entry is appended to the
// registry only after the platform hands back a handle, so a failed create
// persists nothing.
func (s *Service) Create(ctx context.Context, name string, res registry.Resources) (*registry.Entry, error) {
	res, err := s.normalizeResources(res)
	if err != nil {
		return nil, err
	}

	id := newSandboxID()
	handle, err := s.platform.Create(ctx, s.createSpec(id, s.cfg.SandboxImage, res))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox instance: %w", err)
	}

	entry := registry.Entry{
		ID:           id,
		Name:         name,
		RemoteHandle: string(handle),
		State:        registry.StateRunning,
		Resources:    res,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.appendEntry(ctx, entry); err != nil {
		// The instance exists but could not be registered; reclaim it rather
		// than leaving an untracked live sandbox.
		if termErr := s.platform.Terminate(ctx, handle); termErr != nil {
			s.logger.Warn("failed to reclaim unregistered instance",
				zap.String("handle", string(handle)),
				zap.Error(termErr))
		}
		return nil, err
	}

	s.logger.Info("sandbox created",
		zap.String("sandbox_id", id),
		zap.String("name", name),
		zap.String("handle", string(handle)))
	return &entry, nil
}

// Start boots a new instance for an existing entry. If a snapshot is
// recorded the instance boots from it, restoring the workspace state
// captured at the last stop; otherwise it boots from the base image. A
// still-live old instance is stopped first (snapshot-then-terminate) so at
// most one live instance ever serves the entry.
func (s *Service) Start(ctx context.Context, id string) (*registry.Entry, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(entry.State, registry.StateRunning); err != nil {
		return nil, err
	}

	// The recorded state can be stale: poll the old handle and stop it for
	// real if the platform still reports it live.
	if s.observe(ctx, platform.Handle(entry.RemoteHandle)) == platform.Live {
		if ref := s.snapshotAndRecord(ctx, entry.ID, platform.Handle(entry.RemoteHandle)); ref != "" {
			entry.SnapshotRef = ref
		}
		if err := s.platform.Terminate(ctx, platform.Handle(entry.RemoteHandle)); err != nil {
			return nil, fmt.Errorf("failed to terminate previous instance: %w", err)
		}
	}

	image := s.cfg.SandboxImage
	if entry.SnapshotRef != "" {
		image = entry.SnapshotRef
	}

	handle, err := s.platform.Create(ctx, s.createSpec(entry.ID, image, entry.Resources))
	if err != nil {
		return nil, fmt.Errorf("failed to start sandbox instance: %w", err)
	}

	updated, err := s.updateEntry(ctx, id, func(e *registry.Entry) {
		e.RemoteHandle = string(handle)
		e.State = registry.StateRunning
	})
	if err != nil {
		// Entry deleted (or registry unavailable) while the instance came
		// up; reclaim the orphan.
		if termErr := s.platform.Terminate(ctx, handle); termErr != nil {
			s.logger.Warn("failed to reclaim orphaned instance",
				zap.String("handle", string(handle)),
				zap.Error(termErr))
		}
		return nil, err
	}

	s.logger.Info("sandbox started",
		zap.String("sandbox_id", id),
		zap.String("handle", string(handle)),
		zap.String("image", image))
	return updated, nil
}

// Stop snapshots and terminates the entry's live instance. The snapshot is
// best-effort: on failure the instance is still terminated so a running
// instance is never leaked for the sake of restore fidelity. The snapshot
// reference is recorded before termination, so a crash in between cannot
// lose it. Stopping an entry with no live instance is a no-op success.
func (s *Service) Stop(ctx context.Context, id string) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(entry.State, registry.StateStopped); err != nil {
		return err
	}

	if s.observe(ctx, platform.Handle(entry.RemoteHandle)) != platform.Live {
		// No live instance: nothing to snapshot or terminate. Converge the
		// recorded state if a previous stop never landed.
		if entry.State != registry.StateStopped {
			if _, err := s.updateEntry(ctx, id, func(e *registry.Entry) {
				e.State = registry.StateStopped
			}); err != nil {
				return err
			}
		}
		return nil
	}

	ref := s.snapshotAndRecord(ctx, entry.ID, platform.Handle(entry.RemoteHandle))
	if _, err := s.updateEntry(ctx, id, func(e *registry.Entry) {
		e.State = registry.StateStopped
		if ref != "" {
			e.SnapshotRef = ref
		}
	}); err != nil {
		return err
	}

	if err := s.platform.Terminate(ctx, platform.Handle(entry.RemoteHandle)); err != nil {
		return fmt.Errorf("failed to terminate instance: %w", err)
	}

	s.logger.Info("sandbox stopped",
		zap.String("sandbox_id", id),
		zap.Bool("snapshot_taken", ref != ""))
	return nil
}

// Delete terminates the entry's instance if live (no snapshot: deletion
// discards state), removes its workspace subpath, and unregisters it.
// Termination and workspace removal are best-effort; an orphaned directory
// is recoverable, an un-removable entry would block the id forever.
func (s *Service) Delete(ctx context.Context, id string) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(entry.State, registry.StateDeleted); err != nil {
		return err
	}

	if s.observe(ctx, platform.Handle(entry.RemoteHandle)) == platform.Live {
		if err := s.platform.Terminate(ctx, platform.Handle(entry.RemoteHandle)); err != nil {
			s.logger.Warn("failed to terminate instance during delete",
				zap.String("sandbox_id", id),
				zap.Error(err))
		}
	}

	if err := s.workspaces.Remove(ctx, id); err != nil {
		s.logger.Warn("failed to remove workspace during delete",
			zap.String("sandbox_id", id),
			zap.Error(err))
	}

	if err := s.removeEntry(ctx, id); err != nil {
		return err
	}

	s.logger.Info("sandbox deleted", zap.String("sandbox_id", id))
	return nil
}

// Get returns the registry entry for id.
func (s *Service) Get(ctx context.Context, id string) (*registry.Entry, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := snap.Find(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Open returns the tunnel URL of the entry's service port. The instance
// must be live.
func (s *Service) Open(ctx context.Context, id string) (string, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	tunnels, err := s.platform.Tunnels(ctx, platform.Handle(entry.RemoteHandle))
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) || errors.Is(err, platform.ErrNotRunning) {
			return "", ErrNotLive
		}
		return "", fmt.Errorf("failed to resolve tunnels: %w", err)
	}

	url, ok := tunnels[s.cfg.ServicePort]
	if !ok {
		return "", fmt.Errorf("no tunnel exposed on port %d", s.cfg.ServicePort)
	}
	return url, nil
}

// Exec runs a command inside the entry's live instance.
func (s *Service) Exec(ctx context.Context, id string, argv []string) (*platform.ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.platform.Exec(ctx, platform.Handle(entry.RemoteHandle), argv)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) || errors.Is(err, platform.ErrNotRunning) {
			return nil, ErrNotLive
		}
		return nil, fmt.Errorf("failed to exec in sandbox: %w", err)
	}
	return result, nil
}

// observe polls the platform for a handle's liveness. An empty handle is
// Dead by definition; a poll failure leaves the status Unknown, which every
// caller treats as "not confirmed live".
func (s *Service) observe(ctx context.Context, handle platform.Handle) platform.Liveness {
	if handle == "" {
		return platform.Dead
	}
	liveness, err := s.platform.Poll(ctx, handle)
	if err != nil {
		s.logger.Debug("liveness poll failed",
			zap.String("handle", string(handle)),
			zap.Error(err))
		return platform.Unknown
	}
	return liveness
}

// snapshotAndRecord captures a filesystem snapshot and records the new
// reference on the entry before the caller terminates the instance. Both
// the capture and the recording are best-effort: the enclosing stop must
// proceed to terminate either way.
func (s *Service) snapshotAndRecord(ctx context.Context, id string, handle platform.Handle) string {
	ref, err := s.platform.Snapshot(ctx, handle)
	if err != nil {
		s.logger.Warn("snapshot failed, proceeding without it",
			zap.String("sandbox_id", id),
			zap.Error(err))
		return ""
	}

	if _, err := s.updateEntry(ctx, id, func(e *registry.Entry) {
		e.SnapshotRef = ref
	}); err != nil {
		s.logger.Warn("failed to record snapshot reference",
			zap.String("sandbox_id", id),
			zap.String("snapshot_ref", ref),
			zap.Error(err))
	}
	return ref
}

// createSpec assembles the platform create request for an entry. Every
// instance mounts the shared durable volume and runs the bootstrap command
// that provisions the workspace before exec'ing the service process.
func (s *Service) createSpec(id, image string, res registry.Resources) platform.CreateSpec {
	return platform.CreateSpec{
		Name:    "openportal-" + id,
		Image:   image,
		Command: s.bootstrapCommand(s.workspaces.PathFor(id)),
		WorkDir: s.workspaces.PathFor(id),
		Labels: map[string]string{
			"openportal.sandbox.id": id,
		},
		VolumeBinds: []platform.VolumeBind{
			{Source: s.cfg.DataDir, Target: s.cfg.DataDir},
		},
		ServicePort: s.cfg.ServicePort,
		Resources: platform.Resources{
			CPU:      res.CPU,
			MemoryMB: res.MemoryMB,
			GPUType:  res.GPUType,
			GPUCount: res.GPUCount,
		},
		Timeout: s.cfg.SandboxTimeout,
	}
}

// bootstrapCommand provisions the workspace directory, links the service's
// auxiliary data path onto the durable volume, initializes version control
// if absent, and execs the service process on the well-known port.
func (s *Service) bootstrapCommand(workspaceDir string) []string {
	script := fmt.Sprintf(`set -e
mkdir -p %[1]s/.%[2]s-data
mkdir -p /root/.local/share
ln -sfn %[1]s/.%[2]s-data /root/.local/share/%[2]s
if [ ! -d %[1]s/.git ]; then
    git init %[1]s
fi
exec %[2]s serve --hostname=0.0.0.0 --port=%[3]d
`, workspaceDir, s.cfg.ServiceBinary, s.cfg.ServicePort)
	return []string{"bash", "-c", script}
}

// normalizeResources applies defaults and the GPU pairing rule: a GPU is
// attached only when both a type and a strictly positive count are given.
func (s *Service) normalizeResources(res registry.Resources) (registry.Resources, error) {
	if res.CPU == 0 {
		res.CPU = s.cfg.DefaultCPU
	}
	if res.MemoryMB == 0 {
		res.MemoryMB = s.cfg.DefaultMemoryMB
	}
	if res.CPU < 0 {
		return res, fmt.Errorf("cpu must be positive, got %v", res.CPU)
	}
	if res.MemoryMB < 0 {
		return res, fmt.Errorf("memory must be positive, got %d", res.MemoryMB)
	}
	if res.GPUCount < 0 {
		return res, fmt.Errorf("gpu count must not be negative, got %d", res.GPUCount)
	}
	if res.GPUType == "" || res.GPUCount <= 0 {
		res.GPUType = ""
		res.GPUCount = 0
	}
	return res, nil
}

// appendEntry adds a new entry, retrying on revision conflicts.
func (s *Service) appendEntry(ctx context.Context, entry registry.Entry) error {
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		err = s.store.Replace(ctx, append(snap.Entries, entry), snap.Revision)
		if errors.Is(err, registry.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to register sandbox %s: %w", entry.ID, registry.ErrConflict)
}

// updateEntry mutates a single entry in place, retrying on revision
// conflicts. Returns ErrNotFound if the entry vanished.
func (s *Service) updateEntry(ctx context.Context, id string, mutate func(*registry.Entry)) (*registry.Entry, error) {
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return nil, err
		}

		idx := -1
		for i := range snap.Entries {
			if snap.Entries[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, ErrNotFound
		}

		mutate(&snap.Entries[idx])
		updated := snap.Entries[idx]

		err = s.store.Replace(ctx, snap.Entries, snap.Revision)
		if errors.Is(err, registry.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("failed to update sandbox %s: %w", id, registry.ErrConflict)
}

// removeEntry deletes an entry, retrying on revision conflicts. An entry
// already removed by a concurrent delete counts as success.
func (s *Service) removeEntry(ctx context.Context, id string) error {
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return err
		}

		kept := make([]registry.Entry, 0, len(snap.Entries))
		for _, e := range snap.Entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(snap.Entries) {
			return nil
		}

		err = s.store.Replace(ctx, kept, snap.Revision)
		if errors.Is(err, registry.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to unregister sandbox %s: %w", id, registry.ErrConflict)
}

// newSandboxID returns a fresh 12-hex-char id.
func newSandboxID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}
