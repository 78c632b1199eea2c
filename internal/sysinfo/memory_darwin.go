//go:build darwin

package sysinfo

import (
	"fmt"
	"syscall"
)

// TotalMemoryBytes returns the total physical memory of the host in bytes,
// via the hw.memsize sysctl.
func TotalMemoryBytes() (uint64, error) {
	size, err := syscall.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	return size, nil
}
