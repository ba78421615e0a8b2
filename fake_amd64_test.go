//go:build amd64

package detour

import (
	"errors"
	"reflect"
	"runtime"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakePrologue is a typical Go entry: a stack check, a conditional jump to
// the stack growth path, and a frame setup.
var fakePrologue = []byte{
	0x49, 0x3b, 0x66, 0x10, // CMPQ SP, 16(R14)
	0x76, 0x1a, // JBE 0x20
	0x55,             // PUSHQ BP
	0x48, 0x89, 0xe5, // MOVQ SP, BP
	0x48, 0x83, 0xec, 0x10, // SUBQ $16, SP
}

// newFakeTarget copies code into a heap buffer that stands in for a
// function. The buffer is padded with NOPs and ends with a RET.
func newFakeTarget(t *testing.T, code []byte) (Target, []byte) {
	t.Helper()

	const size = 32

	words := make([]uint64, size/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	for i := range buf {
		buf[i] = 0x90
	}
	buf[size-1] = 0xc3
	copy(buf, code)

	target := Target{
		Name:       t.Name(),
		Address:    addrOf(buf),
		Size:       size,
		PatchWidth: patchWidth,
		Align:      patchAlign,
	}

	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		delete(records, target.Address)
		delete(pending, target.Address)
		runtime.KeepAlive(words)
	})

	return target, buf
}

// swapFault makes the next swap write only n bytes and fail.
type swapFault struct {
	n   int
	err error
}

// fakeCode is code memory backed by heap buffers. Failures are queued and
// consumed one per call.
type fakeCode struct {
	writableErrs []error
	execErrs     []error
	swapFaults   []*swapFault

	// interfere runs inside swap, before the compare.
	interfere func(addr uintptr)

	writable bool
	writes   atomic.Int32
}

func pop[T any](q *[]T) T {
	var zero T
	if len(*q) == 0 {
		return zero
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v
}

func (f *fakeCode) makeWritable(addr uintptr, size int) error {
	if err := pop(&f.writableErrs); err != nil {
		return err
	}
	f.writable = true
	return nil
}

func (f *fakeCode) makeExecutable(addr uintptr, size int) error {
	if err := pop(&f.execErrs); err != nil {
		return err
	}
	f.writable = false
	return nil
}

func (f *fakeCode) load(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

func (f *fakeCode) swap(addr uintptr, old, new uint64) (int, error) {
	if !f.writable {
		return 0, errors.New("write to protected page")
	}
	if f.interfere != nil {
		f.interfere(addr)
	}

	word := (*uint64)(unsafe.Pointer(addr))
	if fault := pop(&f.swapFaults); fault != nil {
		if atomic.LoadUint64(word) != old {
			return 0, errWordChanged
		}
		var b [8]byte
		putWord(b[:], new)
		copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), fault.n), b[:fault.n])
		f.writes.Add(1)
		return fault.n, fault.err
	}

	if !atomic.CompareAndSwapUint64(word, old, new) {
		return 0, errWordChanged
	}
	f.writes.Add(1)
	return 8, nil
}

// fakeAllocator hands out heap memory and tracks what is live.
type fakeAllocator struct {
	mutable bool

	// failAt fails the nth call to Allocate, counting from 1.
	failAt int
	allocs int

	live       map[*byte]int
	doubleFree int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{live: map[*byte]int{}}
}

func (a *fakeAllocator) BeginMutate() error {
	a.mutable = true
	return nil
}

func (a *fakeAllocator) EndMutate() error {
	a.mutable = false
	return nil
}

func (a *fakeAllocator) Allocate(size int) ([]byte, error) {
	if !a.mutable {
		panic("Allocate called in immutable state")
	}
	a.allocs++
	if a.allocs == a.failAt {
		return nil, errors.New("out of memory")
	}
	buf := make([]byte, size)
	a.live[&buf[0]] = size
	return buf, nil
}

func (a *fakeAllocator) Free(buf []byte) {
	if !a.mutable {
		panic("Free called in immutable state")
	}
	if _, ok := a.live[&buf[0]]; !ok {
		a.doubleFree++
		return
	}
	delete(a.live, &buf[0])
}

type fakeEnv struct {
	target Target
	code   []byte
	before []byte
	mem    *fakeCode
	alloc  *fakeAllocator
	log    *zap.Logger
	logs   *observer.ObservedLogs
}

func newFakeEnv(t *testing.T, code []byte) *fakeEnv {
	t.Helper()

	target, buf := newFakeTarget(t, code)
	core, logs := observer.New(zap.DebugLevel)

	return &fakeEnv{
		target: target,
		code:   buf,
		before: append([]byte(nil), buf...),
		mem:    &fakeCode{},
		alloc:  newFakeAllocator(),
		log:    zap.New(core),
		logs:   logs,
	}
}

func (e *fakeEnv) config() *config {
	return newConfig([]Option{
		withCodeMemory(e.mem),
		WithAllocator(e.alloc),
		WithLogger(e.log),
	})
}

func (e *fakeEnv) install() (*Record, error) {
	return install(e.target, reflect.TypeOf(fakeEntry), func(reflect.Value) (reflect.Value, *Dispatcher, error) {
		return reflect.ValueOf(fakeEntry), nil, nil
	}, e.config())
}

func (e *fakeEnv) registered() *Record {
	mu.RLock()
	defer mu.RUnlock()
	return records[e.target.Address]
}

func (e *fakeEnv) requireUntouched(t *testing.T) {
	t.Helper()
	require.Equal(t, e.before, e.code)
	require.Nil(t, e.registered())
	require.Empty(t, e.alloc.live)

	mu.RLock()
	defer mu.RUnlock()
	require.NotContains(t, pending, e.target.Address)
}

func fakeEntry() {}

func fakeBytes(addr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), 8)
}

func addrOfWord(w []uint64) uintptr {
	return uintptr(unsafe.Pointer(&w[0]))
}
