package detour

import "reflect"

// Original returns a function with the same behavior as the original version
// of fn. If fn is not intercepted, fn itself is returned.
//
// If the original function cannot be found for any reason Original returns nil.
//
// Technically, this returns the trampoline: the entry instructions the
// interception overwrote, relocated and followed by a jump into the rest of
// fn. The result must not be called after fn is restored.
func Original[T any](fn T) T {
	var zero T

	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return zero
	}

	mu.RLock()
	defer mu.RUnlock()

	r, ok := records[fnv.Pointer()]
	if !ok {
		// Not intercepted, so return the original func.
		return fn
	}

	if r.state != Patched {
		return zero
	}

	if orig, ok := r.original.Interface().(T); ok {
		return orig
	}

	return zero
}
