package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/openportal-dev/openportal/internal/platform"
	"github.com/openportal-dev/openportal/internal/registry"
)

// reconcileConcurrency bounds the per-entry liveness polls issued for one
// listing.
const reconcileConcurrency = 8

// AnnotatedEntry is a registry entry decorated with platform-observed
// status. The annotation is never written back: reconciliation on the read
// path is observational, not corrective.
type AnnotatedEntry struct {
	registry.Entry

	// Liveness is the raw tri-state poll result.
	Liveness platform.Liveness `json:"liveness"`

	// Status is the optimistic-negative rendering: running only when the
	// platform affirmatively confirmed the instance live.
	Status registry.State `json:"status"`
}

// List returns every entry annotated with its observed status. Polls run
// concurrently and fail independently: one unreachable instance degrades
// only its own entry to stopped/unknown, never the whole batch.
func (s *Service) List(ctx context.Context) ([]AnnotatedEntry, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, snap.Entries), nil
}

// reconcile annotates a registry snapshot with per-entry liveness.
func (s *Service) reconcile(ctx context.Context, entries []registry.Entry) []AnnotatedEntry {
	annotated := make([]AnnotatedEntry, len(entries))

	var g errgroup.Group
	g.SetLimit(reconcileConcurrency)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			liveness := s.observe(ctx, platform.Handle(entry.RemoteHandle))
			status := registry.StateStopped
			if liveness == platform.Live {
				status = registry.StateRunning
			}
			annotated[i] = AnnotatedEntry{
				Entry:    entry,
				Liveness: liveness,
				Status:   status,
			}
			return nil
		})
	}
	// Polls never return errors; failures are folded into Unknown.
	_ = g.Wait()

	return annotated
}
