// Package dfmerr defines the error kinds that flow through the DFM runtime.
// Errors never cross site boundaries as raw Go errors -- the outermost
// service wraps them as an ErrorResponse and delivers it through the
// request context (see internal/request).
package dfmerr

import "fmt"

// DataError signals a malformed graph: a missing node reference, an empty
// body, an invalid file type, a variable not found inside a dataset op.
type DataError struct {
	msg string
	err error
}

func NewDataError(format string, args ...any) *DataError {
	return &DataError{msg: fmt.Sprintf(format, args...)}
}

func WrapDataError(err error, format string, args ...any) *DataError {
	return &DataError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *DataError) Error() string { return "data error: " + e.msg }
func (e *DataError) Unwrap() error { return e.err }
func (e *DataError) Kind() string  { return "DataError" }

// ServerError signals an internal precondition violation: an exceeded
// reschedule budget, an adapter implementation failure.
type ServerError struct {
	msg string
	err error
}

func NewServerError(format string, args ...any) *ServerError {
	return &ServerError{msg: fmt.Sprintf(format, args...)}
}

func WrapServerError(err error, format string, args ...any) *ServerError {
	return &ServerError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *ServerError) Error() string { return "server error: " + e.msg }
func (e *ServerError) Unwrap() error { return e.err }
func (e *ServerError) Kind() string  { return "ServerError" }

// AuthError is surfaced at the HTTP boundary as a 403.
type AuthError struct {
	msg string
}

func NewAuthError(format string, args ...any) *AuthError {
	return &AuthError{msg: fmt.Sprintf(format, args...)}
}

func (e *AuthError) Error() string { return "auth error: " + e.msg }
func (e *AuthError) Kind() string  { return "AuthError" }

// PartialError signals that discovery selected a branch leading only to
// errors.
type PartialError struct {
	msg string
}

func NewPartialError(format string, args ...any) *PartialError {
	return &PartialError{msg: fmt.Sprintf(format, args...)}
}

func (e *PartialError) Error() string { return "partial error: " + e.msg }
func (e *PartialError) Kind() string  { return "PartialError" }

// TimeoutError signals a long-running operation exceeded a declared limit.
type TimeoutError struct {
	msg string
}

func NewTimeoutError(format string, args ...any) *TimeoutError {
	return &TimeoutError{msg: fmt.Sprintf(format, args...)}
}

func (e *TimeoutError) Error() string { return "timeout error: " + e.msg }
func (e *TimeoutError) Kind() string  { return "TimeoutError" }

// Kind reports the error kind tag for any of the above, or "ServerError"
// for an error that did not originate in this package -- an unhandled
// exception degrades to a server error, matching the source's outermost
// exception handler in the service loops.
func Kind(err error) string {
	type kinder interface{ Kind() string }
	if k, ok := err.(kinder); ok {
		return k.Kind()
	}
	return "ServerError"
}
