package detour

import (
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Install intercepts fn. interceptor is called once with a function that
// behaves like the original fn, and returns the function that will run in
// place of fn until the returned Record is restored. fn is not patched yet
// while interceptor runs, so Original(fn) returns fn itself there; call the
// original argument instead.
//
// fn must be a top-level function or method expression. If fn has been
// inlined at a call site that call is not intercepted. If possible, add a
// noinline directive:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Install[T any](fn T, interceptor func(original T) T, opts ...Option) (*Record, error) {
	if interceptor == nil {
		return nil, fmt.Errorf("%w: nil interceptor", ErrNotFunc)
	}

	return installFunc(reflect.ValueOf(fn), func(original reflect.Value) (reflect.Value, *Dispatcher, error) {
		entry := reflect.ValueOf(interceptor(original.Interface().(T)))
		if entry.Kind() != reflect.Func || entry.IsNil() {
			return reflect.Value{}, nil, fmt.Errorf("%w: interceptor returned %v", ErrNotFunc, entry.Kind())
		}
		return entry, nil, nil
	}, opts)
}

// Intercept routes every call of fn through policy. Calls the policy
// matches have their arguments transformed, and all calls then run the
// original fn.
func Intercept[T any](fn T, policy Policy, opts ...Option) (*Record, error) {
	if policy == nil {
		policy = Passthrough
	}

	return installFunc(reflect.ValueOf(fn), func(original reflect.Value) (reflect.Value, *Dispatcher, error) {
		d := newDispatcher(policy, original)
		return d.Func(), d, nil
	}, opts)
}

// Func replaces fn with newFn. An error will be returned if fn or newFn are
// not functions or if their signatures do not match.
//
// Use Original to call the old fn from newFn.
func Func(fn, newFn any, opts ...Option) (*Record, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunc, fnv.Kind())
	}
	newFnv := reflect.ValueOf(newFn)
	if newFnv.Kind() != reflect.Func || newFnv.IsNil() {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunc, newFnv.Kind())
	}
	if diff := diffFuncs(fnv, newFnv); diff.Error() != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureMismatch, diff.Error())
	}

	return installFunc(fnv, func(reflect.Value) (reflect.Value, *Dispatcher, error) {
		return newFnv, nil, nil
	}, opts)
}

// entryFunc returns the function the thunk will enter, given a function that
// calls the trampoline.
type entryFunc func(original reflect.Value) (reflect.Value, *Dispatcher, error)

func installFunc(fnv reflect.Value, makeEntry entryFunc, opts []Option) (*Record, error) {
	if fnv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunc, fnv.Kind())
	}

	target, err := TargetOf(fnv.Interface())
	if err != nil {
		return nil, err
	}

	return install(target, fnv.Type(), makeEntry, newConfig(opts))
}

func install(target Target, typ reflect.Type, makeEntry entryFunc, cfg *config) (*Record, error) {
	rec, err := reserve(target, typ, cfg)
	if err != nil {
		return nil, err
	}

	// makeEntry may run user code, so it's called without the lock.
	if err := rec.buildEntry(makeEntry, typ); err != nil {
		rec.abandon()
		return nil, fmt.Errorf("%s: %w", target, err)
	}

	mu.Lock()
	defer mu.Unlock()
	delete(pending, target.Address)

	rec.thunk, err = newThunk(funcvalOf(rec.entry), cfg.allocator)
	if err != nil {
		rec.discard()
		return nil, fmt.Errorf("%s: %w", target, err)
	}

	rec.stubWord, err = encodeStub(target.Address, addrOf(rec.thunk), rec.originalWord)
	if err != nil {
		rec.discard()
		return nil, fmt.Errorf("%s: %w", target, err)
	}

	written, err := window.store(rec.mem, target.Address, rec.originalWord, rec.stubWord)
	if err != nil {
		if written == 0 {
			rec.discard()
			return nil, fmt.Errorf("%s: %w", target, err)
		}
		return nil, rec.recoverFault(err)
	}

	rec.state = Patched
	records[target.Address] = rec

	rec.log.Info("installed", rec.fields(zap.Int("displaced", rec.tramp.displaced))...)

	return rec, nil
}

// reserve validates target, builds its trampoline and marks it pending.
func reserve(target Target, typ reflect.Type, cfg *config) (*Record, error) {
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := records[target.Address]; ok {
		return nil, fmt.Errorf("%w: %s is %v", ErrAlreadyPatched, target, existing.state)
	}
	if _, ok := pending[target.Address]; ok {
		return nil, fmt.Errorf("%w: %s is being installed", ErrAlreadyPatched, target)
	}

	if err := target.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", target, err)
	}

	rec := &Record{
		target: target,
		name:   cfg.name,
		log:    cfg.logger,
		mem:    cfg.mem,
		alloc:  cfg.allocator,
	}
	if rec.name == "" {
		rec.name = target.String()
	}

	// Snapshot the entry. The trampoline is built from the same bytes that
	// are compared against when the stub is written, so a concurrent change
	// between the two is caught by the swap.
	code := target.code()
	entryBytes := make([]byte, min(len(code), snapshotLen))
	putWord(entryBytes, cfg.mem.load(target.Address))
	copy(entryBytes[patchWidth:], code[patchWidth:])
	rec.originalWord = wordOf(entryBytes)

	tramp, err := newTrampoline(entryBytes, target.Address, cfg.allocator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", target, err)
	}
	rec.tramp = tramp
	rec.original = tramp.Func(typ)

	if ce := rec.log.Check(zap.DebugLevel, "built trampoline"); ce != nil {
		listing, _ := disassemble(entryBytes[:tramp.displaced])
		ce.Write(rec.fields(zap.Int("displaced", tramp.displaced), zap.String("code", listing))...)
	}

	pending[target.Address] = struct{}{}
	return rec, nil
}

// buildEntry calls makeEntry and checks what it returns. If makeEntry panics
// the reservation is dropped before the panic continues.
func (r *Record) buildEntry(makeEntry entryFunc, typ reflect.Type) (err error) {
	returned := false
	defer func() {
		if !returned {
			r.abandon()
		}
	}()

	r.entry, r.dispatcher, err = makeEntry(r.original)
	returned = true
	if err != nil {
		return err
	}

	if r.entry.Type() != typ {
		return fmt.Errorf("%w: interceptor is %v, want %v", ErrSignatureMismatch, r.entry.Type(), typ)
	}
	if r.dispatcher != nil {
		r.dispatcher.name = r.name
		r.dispatcher.log = r.log
	}
	return nil
}

// abandon drops the reservation of a record that never touched its target.
func (r *Record) abandon() {
	mu.Lock()
	defer mu.Unlock()

	delete(pending, r.target.Address)
	r.discard()
}

// discard frees the generated code of a record that never touched its
// target.
func (r *Record) discard() {
	var bufs [][]byte
	if r.tramp != nil {
		bufs = append(bufs, r.tramp.code)
		r.tramp.code = nil
	}
	if r.thunk != nil {
		bufs = append(bufs, r.thunk)
		r.thunk = nil
	}
	if err := freeCode(r.alloc, bufs...); err != nil {
		r.log.Warn("unable to free generated code", r.fields(zap.Error(err))...)
	}
}

// recoverFault handles a write to the target that did not complete. The record
// becomes Faulted and the original bytes are written back. If that fails too
// the record stays registered as Faulted, its code is kept since the target
// may still jump to it, and a *FatalError is returned.
//
// Must be called with mu held.
func (r *Record) recoverFault(fault error) error {
	if !errors.Is(fault, ErrFaulted) {
		fault = fmt.Errorf("%w: %w", ErrFaulted, fault)
	}

	r.state = Faulted
	records[r.target.Address] = r
	r.log.Error("write to target did not complete, rolling back", r.fields(zap.Error(fault))...)

	if err := r.rollback(); err != nil {
		r.log.Error("rollback failed", r.fields(zap.Error(err))...)
		return &FatalError{
			Addr:     r.target.Address,
			Fault:    fault,
			Rollback: err,
		}
	}

	r.release()
	return fmt.Errorf("%s: %w", r.target, fault)
}
