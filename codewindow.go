package detour

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// codeMemory is the live code the installer patches. Every mutation is a
// compare-and-swap of one aligned word.
type codeMemory interface {
	makeWritable(addr uintptr, size int) error
	makeExecutable(addr uintptr, size int) error
	load(addr uintptr) uint64

	// swap replaces the word at addr with new if it still holds old, and
	// reports how many bytes were written.
	swap(addr uintptr, old, new uint64) (int, error)
}

type processCode struct{}

var liveCode codeMemory = processCode{}

func (processCode) makeWritable(addr uintptr, size int) error {
	return makeWritable(addr, size)
}

func (processCode) makeExecutable(addr uintptr, size int) error {
	return makeExecutable(addr, size)
}

func (processCode) load(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

func (processCode) swap(addr uintptr, old, new uint64) (int, error) {
	if !atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(addr)), old, new) {
		return 0, errWordChanged
	}
	return 8, nil
}

var errWordChanged = fmt.Errorf("%w: entry changed before the write", ErrFaulted)

// codeWindow is the process-wide permission to write code. Protection is
// relaxed for exactly one store and put back before the lock is released, so
// no two stores ever overlap and pages are never left writable between them.
type codeWindow struct {
	mu sync.Mutex
}

var window codeWindow

// store writes new over old at addr. When nothing was written, err describes
// why and the target is untouched. When written is non-zero and err is not
// nil the write is incomplete and must be rolled back.
func (w *codeWindow) store(mem codeMemory, addr uintptr, old, new uint64) (written int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := mem.makeWritable(addr, patchWidth); err != nil {
		return 0, err
	}

	written, err = mem.swap(addr, old, new)

	if perr := mem.makeExecutable(addr, patchWidth); perr != nil && err == nil {
		if written == 0 {
			// Nothing changed, but the page may have been left writable.
			return 0, perr
		}
		err = fmt.Errorf("%w: restoring protection: %w", ErrFaulted, perr)
	}

	return written, err
}
