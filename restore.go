package detour

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Restore puts the target's original bytes back and frees the trampoline.
//
// Restore does not wait for calls that are already running the interceptor
// or the trampoline. Callers that restore a function that may be mid-call
// must wait for those calls themselves, for example until Stats().InFlight
// is zero.
func (r *Record) Restore() error {
	mu.Lock()
	defer mu.Unlock()

	return r.restore()
}

func (r *Record) restore() error {
	addr := r.target.Address

	switch r.state {
	case Unpatched:
		return fmt.Errorf("%s: %w", r.target, ErrAlreadyUnpatched)

	case Faulted:
		if err := r.rollback(); err != nil {
			return &FatalError{
				Addr:     addr,
				Fault:    ErrFaulted,
				Rollback: err,
			}
		}
		r.release()
		r.log.Info("restored faulted target", r.fields()...)
		return nil
	}

	if live := r.mem.load(addr); live != r.stubWord {
		return fmt.Errorf("%s: %w: found %016x, want %016x", r.target, ErrRestoreMismatch, live, r.stubWord)
	}

	written, err := window.store(r.mem, addr, r.stubWord, r.originalWord)
	if err != nil {
		if written == 0 {
			if errors.Is(err, errWordChanged) {
				err = fmt.Errorf("%w: %w", ErrRestoreMismatch, err)
			}
			return fmt.Errorf("%s: %w", r.target, err)
		}
		return r.recoverFault(err)
	}

	r.release()
	r.log.Info("restored", r.fields()...)

	return nil
}

// Restore restores the function fn if it's intercepted.
func Restore(fn any) error {
	target, err := TargetOf(fn)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	r, ok := records[target.Address]
	if !ok {
		return fmt.Errorf("%s: %w", target, ErrAlreadyUnpatched)
	}
	return r.restore()
}

// RestoreAll restores every intercepted function. Errors for individual
// targets are joined, and do not stop the rest from being restored.
func RestoreAll() error {
	mu.Lock()
	defer mu.Unlock()

	pending := make([]*Record, 0, len(records))
	for _, r := range records {
		pending = append(pending, r)
	}

	var errs []error
	for _, r := range pending {
		if err := r.restore(); err != nil {
			r.log.Error("restore failed", r.fields(zap.Error(err))...)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
