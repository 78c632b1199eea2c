package platform

import "errors"

// Sentinel errors for platform operations.
var (
	// ErrNotFound indicates the handle does not reference a known instance.
	ErrNotFound = errors.New("instance not found")

	// ErrNotRunning indicates the instance exists but is not live.
	ErrNotRunning = errors.New("instance not running")

	// ErrCreateFailed indicates the platform refused to provision an instance.
	ErrCreateFailed = errors.New("instance creation failed")

	// ErrSnapshotFailed indicates a filesystem snapshot could not be captured.
	ErrSnapshotFailed = errors.New("snapshot capture failed")
)
