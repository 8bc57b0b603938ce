package faults

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing component boundaries. Every pipeline and
// chat operation reports errors through exactly one of these categories so
// callers can branch with errors.Is instead of string matching.
type Kind string

const (
	// NetworkFailure covers transport errors and non-2xx HTTP responses.
	NetworkFailure Kind = "network_failure"
	// ProtocolError covers well-transported responses missing expected fields.
	ProtocolError Kind = "protocol_error"
	// AuthRequired means no valid cached credential exists and an interactive
	// flow is needed.
	AuthRequired Kind = "auth_required"
	// AuthDeclinedOrExpired means the user failed or ignored the device-code
	// prompt, or the code expired.
	AuthDeclinedOrExpired Kind = "auth_declined_or_expired"
	// NotConnected means a send was attempted without an active stream.
	NotConnected Kind = "not_connected"
	// PersistenceDegraded means the durable cache read/write failed; the
	// operation continues in memory.
	PersistenceDegraded Kind = "persistence_degraded"
)

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err or anything it wraps carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Kind == kind {
			return true
		}
		if fe.Err == nil {
			break
		}
		err = fe.Err
	}
	return false
}

// KindOf returns the outermost kind carried by err, or "" when unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
