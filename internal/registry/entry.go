package registry

import "time"

// State is the recorded lifecycle state of an entry. New and Deleted are
// represented by absence from the registry; only Running and Stopped are
// ever persisted.
type State string

const (
	StateNew     State = "new"     // Not yet in the registry.
	StateRunning State = "running" // A remote handle is recorded as live.
	StateStopped State = "stopped" // Registered with no live handle; may carry a snapshot.
	StateDeleted State = "deleted" // Removed from the registry; terminal.
)

// Resources is the compute shape recorded on an entry. It is carried
// opaquely across restarts; resizing requires delete+recreate.
type Resources struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int     `json:"memory_mb"`
	GPUType  string  `json:"gpu_type,omitempty"`
	GPUCount int     `json:"gpu_count,omitempty"`
}

// Entry is the durable logical record for one managed sandbox.
type Entry struct {
	// ID is generated once at creation and never reused. It doubles as the
	// workspace subpath name.
	ID string `json:"id"`

	// Name is an operator-chosen display label; duplicates are allowed.
	Name string `json:"name"`

	// RemoteHandle references the current remote instance. It changes every
	// time a new instance is created for this entry.
	RemoteHandle string `json:"remote_handle"`

	// SnapshotRef is the most recent filesystem snapshot of this entry's
	// instance. Once set it is only ever replaced by a newer snapshot.
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	// State is the recorded lifecycle state (running or stopped). The remote
	// platform remains the source of truth for actual liveness.
	State State `json:"state"`

	Resources Resources `json:"resources"`
	CreatedAt time.Time `json:"created_at"`
}
