package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds returned by the plugin. Match them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTransport       = errors.New("transport error")
	ErrLocalIO         = errors.New("local io error")
	ErrRollback        = errors.New("rollback error")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is a typed failure carrying one of the kinds above and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches the error's own kind. The kind of a typed cause still matches
// through Unwrap, so typed errors are wrapped with errors.Wrapf instead of
// another constructor.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func NotFoundf(format string, args ...interface{}) error {
	return newError(ErrNotFound, nil, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return newError(ErrConflict, nil, format, args...)
}

func InvalidArgumentf(format string, args ...interface{}) error {
	return newError(ErrInvalidArgument, nil, format, args...)
}

func Transportf(cause error, format string, args ...interface{}) error {
	return newError(ErrTransport, cause, format, args...)
}

func LocalIOf(cause error, format string, args ...interface{}) error {
	return newError(ErrLocalIO, cause, format, args...)
}

func Rollbackf(cause error, format string, args ...interface{}) error {
	return newError(ErrRollback, cause, format, args...)
}
