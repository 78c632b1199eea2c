// Package mock provides an in-memory implementation of platform.Client for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/openportal-dev/openportal/internal/platform"
)

// instance tracks one mock remote instance.
type instance struct {
	Spec platform.CreateSpec
	Live bool
}

// Client is a mock execution platform for testing.
type Client struct {
	mu        sync.RWMutex
	instances map[platform.Handle]*instance
	seq       int
	snapshots int

	// Configurable behaviors for testing. When set, the override is called
	// instead of the default in-memory behavior.
	CreateFunc    func(ctx context.Context, spec platform.CreateSpec) (platform.Handle, error)
	PollFunc      func(ctx context.Context, handle platform.Handle) (platform.Liveness, error)
	TerminateFunc func(ctx context.Context, handle platform.Handle) error
	SnapshotFunc  func(ctx context.Context, handle platform.Handle) (string, error)
	ExecFunc      func(ctx context.Context, handle platform.Handle, argv []string) (*platform.ExecResult, error)
	TunnelsFunc   func(ctx context.Context, handle platform.Handle) (map[int]string, error)
}

// NewClient creates a mock client with default behavior.
func NewClient() *Client {
	return &Client{
		instances: make(map[platform.Handle]*instance),
	}
}

// Create registers a new live mock instance and returns a fresh handle.
func (c *Client) Create(ctx context.Context, spec platform.CreateSpec) (platform.Handle, error) {
	if c.CreateFunc != nil {
		return c.CreateFunc(ctx, spec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	handle := platform.Handle(fmt.Sprintf("mock-instance-%d", c.seq))
	c.instances[handle] = &instance{Spec: spec, Live: true}
	return handle, nil
}

// Poll reports liveness for a mock instance. Unknown handles are confirmed Dead.
func (c *Client) Poll(ctx context.Context, handle platform.Handle) (platform.Liveness, error) {
	if c.PollFunc != nil {
		return c.PollFunc(ctx, handle)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instances[handle]
	if !ok || !inst.Live {
		return platform.Dead, nil
	}
	return platform.Live, nil
}

// Terminate marks a mock instance as no longer live. Idempotent.
func (c *Client) Terminate(ctx context.Context, handle platform.Handle) error {
	if c.TerminateFunc != nil {
		return c.TerminateFunc(ctx, handle)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if inst, ok := c.instances[handle]; ok {
		inst.Live = false
	}
	return nil
}

// Snapshot returns a fabricated snapshot reference for a live instance.
func (c *Client) Snapshot(ctx context.Context, handle platform.Handle) (string, error) {
	if c.SnapshotFunc != nil {
		return c.SnapshotFunc(ctx, handle)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[handle]
	if !ok {
		return "", platform.ErrNotFound
	}
	if !inst.Live {
		return "", platform.ErrNotRunning
	}
	c.snapshots++
	return fmt.Sprintf("mock-snapshot-%s-%d", handle, c.snapshots), nil
}

// Exec runs a mock command in a live instance.
func (c *Client) Exec(ctx context.Context, handle platform.Handle, argv []string) (*platform.ExecResult, error) {
	if c.ExecFunc != nil {
		return c.ExecFunc(ctx, handle, argv)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instances[handle]
	if !ok {
		return nil, platform.ErrNotFound
	}
	if !inst.Live {
		return nil, platform.ErrNotRunning
	}
	return &platform.ExecResult{
		ExitCode: 0,
		Stdout:   []byte("mock output\n"),
		Stderr:   []byte{},
	}, nil
}

// Tunnels returns a fabricated URL for the instance's service port.
func (c *Client) Tunnels(ctx context.Context, handle platform.Handle) (map[int]string, error) {
	if c.TunnelsFunc != nil {
		return c.TunnelsFunc(ctx, handle)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instances[handle]
	if !ok {
		return nil, platform.ErrNotFound
	}
	if !inst.Live {
		return nil, platform.ErrNotRunning
	}
	return map[int]string{
		inst.Spec.ServicePort: fmt.Sprintf("https://%s.mock.local", handle),
	}, nil
}

// Instance returns a copy of the tracked state for a handle (for test assertions).
func (c *Client) Instance(handle platform.Handle) (platform.CreateSpec, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instances[handle]
	if !ok {
		return platform.CreateSpec{}, false, false
	}
	return inst.Spec, inst.Live, true
}

// LiveCount returns the number of live mock instances (for test assertions).
func (c *Client) LiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, inst := range c.instances {
		if inst.Live {
			n++
		}
	}
	return n
}

// SnapshotCount returns how many snapshots were taken via the default behavior.
func (c *Client) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots
}
