//go:build windows

package sysinfo

import (
	"fmt"
	"syscall"
	"unsafe"
)

type memoryStatusEx struct {
	length               uint32
	memoryLoad           uint32
	totalPhys            uint64
	availPhys            uint64
	totalPageFile        uint64
	availPageFile        uint64
	totalVirtual         uint64
	availVirtual         uint64
	availExtendedVirtual uint64
}

var (
	modkernel32              = syscall.NewLazyDLL("kernel32.dll")
	procGlobalMemoryStatusEx = modkernel32.NewProc("GlobalMemoryStatusEx")
)

// TotalMemoryBytes returns the total physical memory of the host in bytes,
// via GlobalMemoryStatusEx.
func TotalMemoryBytes() (uint64, error) {
	var status memoryStatusEx
	status.length = uint32(unsafe.Sizeof(status))

	ret, _, err := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&status)))
	if ret == 0 {
		return 0, fmt.Errorf("GlobalMemoryStatusEx: %w", err)
	}
	return status.totalPhys, nil
}
