package detour

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/pboyd/malloc"
)

// ExecAllocator provides the memory that trampolines and entry thunks live
// in.
//
// Allocate and Free are only called between BeginMutate and EndMutate.
// Memory returned by Allocate must be writable until EndMutate, and
// executable after it. Memory that is still in use must stay executable
// across later BeginMutate/EndMutate windows.
type ExecAllocator interface {
	BeginMutate() error
	EndMutate() error
	Allocate(size int) ([]byte, error)
	Free(buf []byte)
}

// arenaAllocator hands out executable memory from a malloc arena backed by
// anonymous mappings.
type arenaAllocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	mutable  bool
}

const (
	arenaStartSize = 64 * 1024

	// arenaReserve is the address space set aside next to the text
	// segment. The arena can't grow past it.
	arenaReserve = 64 << 20

	// hintStep is the distance between placement attempts, and hintTries
	// is the number of attempts on each side of the image.
	hintStep  = 32 << 20
	hintTries = 16

	rel32Reach = 1 << 31
)

var defaultAllocator ExecAllocator = &arenaAllocator{}

func (a *arenaAllocator) init(startSize int) error {
	a.initOnce.Do(func() {
		be := nearTextBackend(reflect.ValueOf(allocCode).Pointer())
		if be == nil {
			// Nothing near the text segment was free. MAP_32BIT still
			// works for non-PIE binaries.
			be = malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
		}

		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return a.initErr
}

// nearTextBackend reserves arenaReserve bytes within rel32 reach of the
// whole text segment of the module containing pc. It returns nil when no
// hint could be placed.
func nearTextBackend(pc uintptr) malloc.ArenaBackend {
	info := findfunc(pc)
	if info.datap == nil {
		return nil
	}
	text, etext := info.datap.text, info.datap.etext

	for _, hint := range arenaHints(text, info.datap.end, arenaReserve) {
		be, err := malloc.VirtBackend(arenaReserve,
			malloc.MmapProt(mprotectExec),
			malloc.MmapAddr(hint),
			malloc.MmapFlags(mapNoReplace),
		)
		if err != nil {
			continue
		}

		// Commit the first page to find out where the OS put it.
		buf, err := be.Grow(nil, 1)
		if err != nil {
			continue
		}
		base := addrOf(buf)
		if reachable(text, etext, base, base+arenaReserve) {
			return be
		}
		releaseReserved(base, arenaReserve)
	}

	return nil
}

// arenaHints lists addresses to try for a reservation of size bytes,
// alternating above the end of the image and below the start of its text.
func arenaHints(text, end, size uintptr) []uintptr {
	const align = 1 << 20

	above := (end + align - 1) &^ (align - 1)
	below := text &^ (align - 1)

	hints := make([]uintptr, 0, 2*hintTries)
	for i := range uintptr(hintTries) {
		if hint := above + i*hintStep; hint >= above {
			hints = append(hints, hint)
		}
		if off := size + i*hintStep; below > off {
			hints = append(hints, below-off)
		}
	}
	return hints
}

// reachable reports whether every address in [start, end) can reach every
// address in [text, etext) with a rel32 displacement.
func reachable(text, etext, start, end uintptr) bool {
	return max(etext, end)-min(text, start) < rel32Reach
}

func (a *arenaAllocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// BeginMutate can be called before the initial allocation.
	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *arenaAllocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable || a.mprotect == nil {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *arenaAllocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.init(max(size, arenaStartSize))
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *arenaAllocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

// allocCode copies each of the code blocks into fresh executable memory. The
// blocks are built by the caller once the final addresses are known, so
// build is called with the allocated buffers before they are sealed.
func allocCode(a ExecAllocator, sizes []int, build func(bufs [][]byte) error) (bufs [][]byte, err error) {
	if err := a.BeginMutate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	defer func() {
		endErr := a.EndMutate()
		if err == nil && endErr != nil {
			err = fmt.Errorf("%w: %w", ErrAllocation, endErr)
			freeCode(a, bufs...)
			bufs = nil
		}
	}()

	bufs = make([][]byte, 0, len(sizes))
	for _, size := range sizes {
		buf, err := a.Allocate(size)
		if err != nil {
			for _, b := range bufs {
				a.Free(b)
			}
			return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		bufs = append(bufs, buf[:size])
	}

	if err := build(bufs); err != nil {
		for _, b := range bufs {
			a.Free(b)
		}
		return nil, err
	}

	return bufs, nil
}

// freeCode releases buffers returned by allocCode.
func freeCode(a ExecAllocator, bufs ...[]byte) error {
	if err := a.BeginMutate(); err != nil {
		return err
	}
	for _, buf := range bufs {
		if buf != nil {
			a.Free(buf)
		}
	}
	return a.EndMutate()
}
