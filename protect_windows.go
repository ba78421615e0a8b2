//go:build windows

package detour

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

const (
	mprotectExec = windows.PAGE_EXECUTE
	mprotectRX   = windows.PAGE_EXECUTE_READ
	mprotectRWX  = windows.PAGE_EXECUTE_READWRITE
)

func mprotect(addr uintptr, size int, flags uint32) error {
	start, length := pageRange(addr, size)

	var oldFlags uint32
	err := windows.VirtualProtect(start, length, flags, &oldFlags)
	if err == nil {
		return nil
	}
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return fmt.Errorf("%w: VirtualProtect 0x%x: %w", ErrInsufficientPrivilege, start, err)
	}
	return fmt.Errorf("%w: VirtualProtect 0x%x: %w", ErrProtectionToggleUnsupported, start, err)
}

func makeWritable(addr uintptr, size int) error {
	return mprotect(addr, size, mprotectRWX)
}

func makeExecutable(addr uintptr, size int) error {
	return mprotect(addr, size, mprotectRX)
}

func releaseReserved(base, _ uintptr) error {
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}

// pageRange returns the page aligned region covering [addr, addr+size).
func pageRange(addr uintptr, size int) (uintptr, uintptr) {
	pageSize := uintptr(os.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	return start, end - start
}
