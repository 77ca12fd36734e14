package task

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the outcome of a unit or run that was aborted by Cancel.
	ErrCancelled = errors.New("task: execution cancelled")
	// ErrExecutorReused is returned when an executor is started twice.
	ErrExecutorReused = errors.New("task: executor already used")
)

// PanicError wraps a panic recovered from a unit body.
type PanicError struct {
	Task  string // Name of the unit whose body panicked
	Value any    // Value passed to panic
	Stack []byte // Stack of the panicking goroutine
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

type unexpectedError struct {
	err error
}

func (e *unexpectedError) Error() string { return e.err.Error() }
func (e *unexpectedError) Unwrap() error { return e.err }

// Unexpected marks err as a programming or environment fault. Such errors
// are forwarded to the runtime's uncaught hook in addition to failing the
// unit.
func Unexpected(err error) error {
	if err == nil {
		return nil
	}

	return &unexpectedError{err: err}
}

// IsUnexpected reports whether err came from a panic or was marked with
// Unexpected.
func IsUnexpected(err error) bool {
	var (
		u *unexpectedError
		p *PanicError
	)

	return errors.As(err, &u) || errors.As(err, &p)
}

type silentError struct {
	err error
}

func (e *silentError) Error() string { return e.err.Error() }
func (e *silentError) Unwrap() error { return e.err }

// Silent marks err as a failure that still halts dependents but is not
// worth logging.
func Silent(err error) error {
	if err == nil {
		return nil
	}

	return &silentError{err: err}
}

// IsSilent reports whether err was marked with Silent.
func IsSilent(err error) bool {
	var s *silentError

	return errors.As(err, &s)
}
