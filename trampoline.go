package detour

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// snapshotLen is enough entry bytes to cover the stub plus the longest
// instruction that can straddle it.
const snapshotLen = 32

// trampoline reproduces the original behavior of a patched function: the
// entry instructions the stub displaced, relocated to run from executable
// memory, followed by a jump into the untouched rest of the function.
type trampoline struct {
	code      []byte
	displaced int
}

func newTrampoline(entry []byte, src uintptr, alloc ExecAllocator) (*trampoline, error) {
	displaced, err := displacedLen(entry)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return nil, fmt.Errorf("%w: %w", ErrTargetTooShort, err)
		}
		return nil, err
	}

	size, err := trampolineSize(entry, displaced)
	if err != nil {
		return nil, err
	}

	bufs, err := allocCode(alloc, []int{size}, func(bufs [][]byte) error {
		return buildTrampoline(bufs[0], entry, src, displaced)
	})
	if err != nil {
		return nil, err
	}

	return &trampoline{
		code:      bufs[0],
		displaced: displaced,
	}, nil
}

// Func returns the trampoline as a function of type typ.
func (t *trampoline) Func(typ reflect.Type) reflect.Value {
	return funcValue(typ, addrOf(t.code))
}

// newThunk builds the code the stub jumps to. It loads the interceptor's
// closure pointer and enters it.
func newThunk(closure uintptr, alloc ExecAllocator) ([]byte, error) {
	bufs, err := allocCode(alloc, []int{thunkSize}, func(bufs [][]byte) error {
		return encodeThunk(bufs[0], closure)
	})
	if err != nil {
		return nil, err
	}
	return bufs[0], nil
}

// funcValue makes a func value of type typ that enters the machine code at
// entry. This is the same layout the compiler uses for a top-level function:
// a pointer to a word holding the code address.
func funcValue(typ reflect.Type, entry uintptr) reflect.Value {
	fv := &struct{ fn uintptr }{fn: entry}
	return reflect.NewAt(typ, unsafe.Pointer(&fv)).Elem()
}

// funcvalOf returns the closure pointer behind the func value v.
func funcvalOf(v reflect.Value) uintptr {
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return *(*uintptr)(p.UnsafePointer())
}

func addrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
