package replica

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownClass     = errors.New("unknown class")
	ErrUnknownGroup     = errors.New("unknown group")
	ErrUnknownMethod    = errors.New("unknown remote method")
	ErrUnregistered     = errors.New("object is not registered")
	ErrIdentityChanged  = errors.New("identity already assigned")
	ErrUnsupported      = errors.New("unsupported value")
	ErrMalformed        = errors.New("malformed record")
	ErrForbiddenRecord  = errors.New("full object records are not accepted by the authority")
	ErrWrongDirection   = errors.New("method cannot be dispatched in this direction")
	ErrValidation       = errors.New("failed validation")
	ErrMissingValidator = errors.New("undefined validator")
	ErrUnauthorized     = errors.New("caller does not own object")
	ErrTimeout          = errors.New("remote return timed out")
	ErrRemote           = errors.New("remote call failed")
	ErrPanic            = errors.New("panic in replicated code")
)

// CallError describes a remote method call that was refused on receipt.
type CallError struct {
	Method    string
	Index     int // argument index, -1 for the return value
	Validator string
	Err       error
}

func (e *CallError) Error() string {
	switch {
	case e.Validator != "" && e.Index >= 0:
		return fmt.Sprintf("%s: %v (%s at arg index %d)", e.Method, e.Err, e.Validator, e.Index)
	case e.Validator != "":
		return fmt.Sprintf("%s: %v (%s on return)", e.Method, e.Err, e.Validator)
	default:
		return fmt.Sprintf("%s: %v", e.Method, e.Err)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// Disconnects reports whether err is a protocol violation that must end the
// offending connection.
func Disconnects(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMissingValidator) ||
		errors.Is(err, ErrWrongDirection)
}

func protect(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return fn()
}
