//go:build unix

package detour

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectExec = unix.PROT_EXEC
	mprotectRX   = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

func mprotect(addr uintptr, size int, flags int) error {
	start, length := pageRange(addr, size)
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)

	err := unix.Mprotect(region, flags)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: mprotect 0x%x: %w", ErrInsufficientPrivilege, start, err)
	}
	return fmt.Errorf("%w: mprotect 0x%x: %w", ErrProtectionToggleUnsupported, start, err)
}

func makeWritable(addr uintptr, size int) error {
	return mprotect(addr, size, mprotectRWX)
}

func makeExecutable(addr uintptr, size int) error {
	return mprotect(addr, size, mprotectRX)
}

// releaseReserved unmaps an arena reservation that landed out of reach.
func releaseReserved(base, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(base), size)
}

// pageRange returns the page aligned region covering [addr, addr+size).
func pageRange(addr uintptr, size int) (uintptr, uintptr) {
	pageSize := uintptr(os.Getpagesize())

	// Round address down to page boundary.
	start := addr &^ (pageSize - 1)

	// Round up to cover complete pages.
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	return start, end - start
}
