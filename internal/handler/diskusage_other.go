//go:build !unix

package handler

// getDiskUsage is unavailable on this platform; the status report simply
// omits disk usage.
func getDiskUsage(path string) *DiskUsageInfo {
	return nil
}
