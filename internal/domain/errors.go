package domain

import (
	"errors"
	"fmt"
)

// CallerReason classifies requests that are wrong before anything runs.
type CallerReason string

const (
	ReasonUnknownChannel   CallerReason = "unknown_channel"
	ReasonInvalidArgument  CallerReason = "invalid_argument"
	ReasonModuleNotAllowed CallerReason = "module_not_allowed"
	ReasonPathNotAllowed   CallerReason = "path_not_allowed"
	ReasonNotSerializable  CallerReason = "not_serializable"
	ReasonUnauthorized     CallerReason = "unauthorized"
	ReasonForbidden        CallerReason = "forbidden"
)

// CallerError reports a programming or caller mistake. It is never an
// ErrorKind and never results from running a process.
type CallerError struct {
	Reason  CallerReason
	Channel string
	Arg     string
	Detail  string
}

func (e *CallerError) Error() string {
	msg := string(e.Reason)
	if e.Channel != "" {
		msg += " " + e.Channel
	}
	if e.Arg != "" {
		msg += " arg " + e.Arg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func NewCallerError(reason CallerReason, channel, detail string) *CallerError {
	return &CallerError{Reason: reason, Channel: channel, Detail: detail}
}

// NotFoundError is raised by repositories when the directory or host reports
// that the requested object does not exist.
type NotFoundError struct {
	Op      string
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: not found: %s", e.Op, e.Message)
}

func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// ExternalServiceError wraps every other failed Outcome. Kind is preserved
// so callers can tell a timeout from a missing module.
type ExternalServiceError struct {
	Op      string
	Kind    ErrorKind
	Message string
	Cause   string
}

func (e *ExternalServiceError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// ValidationError surfaces a CallerError at the repository boundary.
type ValidationError struct {
	Op  string
	Err *CallerError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ErrorFromFailure maps a failed Outcome to the typed repository error.
func ErrorFromFailure(op string, f *Failure) error {
	if f == nil {
		return nil
	}
	if f.Kind == KindNotFound {
		return &NotFoundError{Op: op, Message: f.Message}
	}
	return &ExternalServiceError{Op: op, Kind: f.Kind, Message: f.Message, Cause: f.Cause}
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound, true
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Kind, true
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err carries the NotFound kind.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}
