// Package platform defines the capability surface of the remote execution
// platform that hosts sandbox instances. The control plane consumes this
// surface; it never reimplements the platform itself.
package platform

import (
	"context"
	"time"
)

// Handle is an opaque reference to one remote instance. A handle is minted by
// Create and never reused across logical sandboxes.
type Handle string

// Liveness is the observed state of a handle. The distinction between Dead
// and Unknown matters: Dead means the platform affirmatively confirmed the
// instance is gone, Unknown means the platform could not be asked.
type Liveness string

const (
	Live    Liveness = "live"    // Platform confirmed the instance is running.
	Dead    Liveness = "dead"    // Platform confirmed the instance exited or never existed.
	Unknown Liveness = "unknown" // Platform unreachable; status could not be determined.
)

// Client abstracts the remote execution platform (create/poll/terminate/
// snapshot/exec/tunnel primitives on opaque handles).
type Client interface {
	// Create provisions and starts a new instance. Returns a fresh handle.
	Create(ctx context.Context, spec CreateSpec) (Handle, error)

	// Poll reports the observed liveness of a handle. A non-nil error always
	// pairs with Unknown; Dead is returned with a nil error when the platform
	// confirmed the instance is gone.
	Poll(ctx context.Context, handle Handle) (Liveness, error)

	// Terminate kills the instance. Terminating an already-dead or unknown
	// handle is not an error.
	Terminate(ctx context.Context, handle Handle) error

	// Snapshot captures a filesystem image of a live instance and returns a
	// reference that Create accepts as a boot image.
	Snapshot(ctx context.Context, handle Handle) (string, error)

	// Exec runs a non-interactive command inside a live instance.
	Exec(ctx context.Context, handle Handle, argv []string) (*ExecResult, error)

	// Tunnels returns the externally reachable URL per exposed port of a
	// live instance.
	Tunnels(ctx context.Context, handle Handle) (map[int]string, error)
}

// Resources describes the compute shape of an instance.
type Resources struct {
	CPU      float64 // CPU cores.
	MemoryMB int     // Memory limit in MB.
	GPUType  string  // GPU model (e.g. "T4"); empty = no GPU.
	GPUCount int     // Number of GPUs; meaningful only with GPUType.
}

// GPUAttached reports whether the resource spec carries a usable GPU request.
// A type without a positive count (or vice versa) is treated as no GPU.
func (r Resources) GPUAttached() bool {
	return r.GPUType != "" && r.GPUCount > 0
}

// VolumeBind maps a shared durable path into the instance.
type VolumeBind struct {
	Source string // Path on the shared durable store.
	Target string // Path inside the instance.
}

// CreateSpec configures instance creation.
type CreateSpec struct {
	Name        string            // Instance name on the platform.
	Image       string            // Boot image: base image or a snapshot reference.
	Command     []string          // Bootstrap argv (empty = image default).
	WorkDir     string            // Working directory inside the instance.
	Env         map[string]string // Environment variables.
	Labels      map[string]string // Platform labels for identification.
	VolumeBinds []VolumeBind      // Durable volume bindings.
	ServicePort int               // Port the service process listens on; exposed via tunnel.
	Resources   Resources         // Compute shape.
	Timeout     time.Duration     // Platform-enforced hard lifetime (0 = platform default).
}

// ExecResult contains the output of a non-interactive command execution.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
}
