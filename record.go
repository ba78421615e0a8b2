package detour

import (
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Record.
type State int32

const (
	// Unpatched means the target holds its original bytes.
	Unpatched State = iota

	// Patched means the target's entry holds the stub and every call goes
	// to the interceptor.
	Patched

	// Faulted means a write to the target did not complete and a rollback
	// also failed. The record stays registered so Restore can try again.
	Faulted
)

func (s State) String() string {
	switch s {
	case Unpatched:
		return "unpatched"
	case Patched:
		return "patched"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Record is an interception of one target. It is returned by Install and
// is the handle used to restore the target.
type Record struct {
	target Target
	name   string
	log    *zap.Logger
	mem    codeMemory
	alloc  ExecAllocator

	// guarded by mu
	state State

	originalWord uint64
	stubWord     uint64

	tramp *trampoline
	thunk []byte

	// original calls the trampoline. entry is the interceptor the thunk
	// enters, kept here so its closure is never collected while patched.
	original   reflect.Value
	entry      reflect.Value
	dispatcher *Dispatcher
}

// The registry holds one record per patched (or faulted) target address.
var (
	mu      sync.RWMutex
	records = map[uintptr]*Record{}

	// pending holds targets whose interceptor is being built.
	pending = map[uintptr]struct{}{}
)

// Target returns the intercepted function.
func (r *Record) Target() Target {
	return r.target
}

// State returns the record's current state.
func (r *Record) State() State {
	mu.RLock()
	defer mu.RUnlock()
	return r.state
}

// OriginalBytes returns the target's entry bytes as they were before
// installation.
func (r *Record) OriginalBytes() []byte {
	b := make([]byte, patchWidth)
	putWord(b, r.originalWord)
	return b
}

// Displaced returns the number of entry bytes relocated into the trampoline.
// It is at least the size of the stub and can be larger when an instruction
// straddles it.
func (r *Record) Displaced() int {
	return r.tramp.displaced
}

// Stats returns the call counters for records created by Intercept. Other
// records report zero.
func (r *Record) Stats() Stats {
	if r.dispatcher == nil {
		return Stats{}
	}
	return r.dispatcher.Stats()
}

func (r *Record) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("func", r.name),
		addrField(r.target.Address),
	}, extra...)
}

// release frees the generated code and drops the record from the registry.
// Must be called with mu held, after the original bytes are back.
func (r *Record) release() {
	r.discard()

	r.state = Unpatched
	r.original = reflect.Value{}
	r.entry = reflect.Value{}
	if records[r.target.Address] == r {
		delete(records, r.target.Address)
	}
}

// rollback writes the original bytes back over whatever is at the target.
// It succeeds if the original bytes end up in place, even when protection
// could not be restored afterwards.
func (r *Record) rollback() error {
	addr := r.target.Address

	live := r.mem.load(addr)
	if live == r.originalWord {
		return nil
	}

	_, err := window.store(r.mem, addr, live, r.originalWord)
	if err != nil && r.mem.load(addr) == r.originalWord {
		r.log.Warn("rolled back, but code protection was not restored", r.fields(zap.Error(err))...)
		return nil
	}
	return err
}
