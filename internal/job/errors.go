package job

import (
	"errors"
	"fmt"
)

var (
	ErrNoDirective = errors.New("no schedule directive set")
	ErrNoRegistrar = errors.New("no registrar")
	ErrCancelled   = errors.New("job is cancelled")
	ErrScheduling  = errors.New("scheduling failed")
)

// SchedulingError is returned by Schedule when the init hook or the
// registration fails. The job is cancelled when it is returned.
type SchedulingError struct {
	Job string
	Err error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to schedule job '%s': %v", e.Job, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

func (e *SchedulingError) Is(target error) bool { return target == ErrScheduling }

// PanicError wraps a value recovered from a runner or hook.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
