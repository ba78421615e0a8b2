package detour

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// Target describes the entry of a function that can be intercepted.
type Target struct {
	// Name is the symbol name reported by the runtime, e.g. "os.Open".
	Name string

	// Address is the function entry.
	Address uintptr

	// Size is the distance to the next function entry, including any
	// padding between the two.
	Size int

	// PatchWidth is the number of entry bytes replaced while the function
	// is intercepted. It is fixed per architecture to the width of a
	// single aligned store.
	PatchWidth int

	// Align is the alignment Address must have for the patch to be written
	// as one store.
	Align int
}

// TargetOf returns the Target for the function fn.
//
// Closures are not valid targets: the interceptor receives its own closure
// context, not the one belonging to fn.
func TargetOf(fn any) (Target, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return Target{}, fmt.Errorf("%w, kind: %v", ErrNotFunc, fnv.Kind())
	}
	if fnv.IsNil() {
		return Target{}, fmt.Errorf("%w: nil func", ErrNotFunc)
	}

	return targetAt(fnv.Pointer())
}

// Resolve finds a function in the running binary by its fully qualified
// name, for example "net/http.(*Client).Do". Only the main module is
// searched.
func Resolve(name string) (Target, error) {
	var found uintptr
	funcEntries(reflect.ValueOf(Resolve).Pointer(), func(entry uintptr) bool {
		f := runtime.FuncForPC(entry)
		if f != nil && f.Entry() == entry && f.Name() == name {
			found = entry
			return false
		}
		return true
	})
	if found == 0 {
		return Target{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return targetAt(found)
}

// Lookup resolves name and returns it as a function of type T. Nothing
// checks that T matches the real signature of the function, so a wrong T
// will corrupt the caller's stack when the result is called.
func Lookup[T any](name string) (T, error) {
	var zero T
	if reflect.TypeOf(zero) == nil || reflect.TypeOf(zero).Kind() != reflect.Func {
		return zero, fmt.Errorf("%w: %T", ErrNotFunc, zero)
	}

	target, err := Resolve(name)
	if err != nil {
		return zero, err
	}

	return makeFunc[T](target.Address), nil
}

func targetAt(entry uintptr) (Target, error) {
	size, ok := funcBounds(entry)
	if !ok {
		return Target{}, fmt.Errorf("%w: no function at 0x%x", ErrNotFound, entry)
	}

	target := Target{
		Address:    entry,
		Size:       size,
		PatchWidth: patchWidth,
		Align:      patchAlign,
	}
	if f := runtime.FuncForPC(entry); f != nil {
		target.Name = f.Name()
	}

	return target, nil
}

func (t Target) validate() error {
	if t.PatchWidth <= 0 {
		return ErrUnsupportedArch
	}
	if t.Align > 0 && t.Address%uintptr(t.Align) != 0 {
		return fmt.Errorf("%w: 0x%x is not %d-byte aligned", ErrMisaligned, t.Address, t.Align)
	}
	if t.Size < t.PatchWidth {
		return fmt.Errorf("%w: %d < %d bytes", ErrTargetTooShort, t.Size, t.PatchWidth)
	}
	return nil
}

// code returns the function's bytes, from the entry to the next function.
func (t Target) code() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(t.Address)), t.Size)
}

func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("0x%x", t.Address)
}

// makeFunc convinces Go that the machine code at entry is a function of type
// T. The funcval is allocated on the heap and kept alive by the returned
// func value.
func makeFunc[T any](entry uintptr) T {
	fv := &struct{ fn uintptr }{fn: entry}
	return *(*T)(unsafe.Pointer(&fv))
}
