//go:build linux

package sysinfo

import (
	"fmt"
	"syscall"
)

// TotalMemoryBytes returns the total physical memory of the host in bytes,
// via the Sysinfo syscall.
func TotalMemoryBytes() (uint64, error) {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return info.Totalram * uint64(info.Unit), nil
}
