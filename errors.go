package detour

import (
	"errors"
	"fmt"
)

var (
	ErrNotFunc           = errors.New("not a function")
	ErrSignatureMismatch = errors.New("function signatures do not match")
	ErrNotFound          = errors.New("function not found")

	// ErrAlreadyPatched is returned by Install when the target already has
	// an active interception. Nothing is written.
	ErrAlreadyPatched = errors.New("target is already patched")

	// ErrAlreadyUnpatched is returned when restoring a record that is not
	// installed. Nothing is written.
	ErrAlreadyUnpatched = errors.New("target is already unpatched")

	// ErrAllocation means the trampoline, the entry thunk or the stub could
	// not be built. The target is left untouched.
	ErrAllocation = errors.New("unable to allocate executable memory")

	ErrProtectionToggleUnsupported = errors.New("code page protection cannot be changed")
	ErrInsufficientPrivilege       = errors.New("insufficient privilege to write code pages")

	// ErrFaulted means a write to the live target did not complete. The
	// engine rolled the target back to its original bytes.
	ErrFaulted = errors.New("write to target did not complete")

	// ErrRestoreMismatch means the live entry bytes no longer hold the stub
	// written at install, so something else has modified them since.
	ErrRestoreMismatch = errors.New("target entry was modified by another agent")

	// ErrFatal is matched by a *FatalError.
	ErrFatal = errors.New("target is in an indeterminate state")

	ErrTargetTooShort         = errors.New("function is shorter than the patch width")
	ErrMisaligned             = errors.New("function entry is not aligned for an atomic patch")
	ErrUnsupportedInstruction = errors.New("entry instruction cannot be relocated")
	ErrUnsupportedArch        = errors.New("function interception is not supported on this architecture")
)

// FatalError is returned when a partial write could not be rolled back. The
// code at Addr must be considered corrupt.
type FatalError struct {
	Addr     uintptr
	Fault    error
	Rollback error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("rollback of 0x%x failed: %v (after %v)", e.Addr, e.Rollback, e.Fault)
}

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

func (e *FatalError) Unwrap() []error {
	return []error{e.Fault, e.Rollback}
}
