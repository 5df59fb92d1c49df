package egtally

import (
	"golang.org/x/xerrors"
)

// Status is the outcome carried by every reply of a guardian.
type Status int32

const (
	// StatusOK means the request has been applied.
	StatusOK Status = iota
	// StatusInvalidInput means the request was malformed, did not verify or
	// conflicts with what the guardian already accepted.
	StatusInvalidInput
	// StatusInternalError means the guardian failed for reasons of its own.
	StatusInternalError
	// StatusTimeout means the guardian or the transport gave up waiting.
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidInput:
		return "invalid input"
	case StatusInternalError:
		return "internal error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown status"
	}
}

// Transient returns true for the failures that are worth a single retry.
func (s Status) Transient() bool {
	return s == StatusInternalError || s == StatusTimeout
}

// StatusError is the client side view of a reply that didn't succeed.
type StatusError struct {
	Status  Status
	Message string
}

// NewStatusError returns nil for StatusOK and a StatusError otherwise.
func NewStatusError(s Status, msg string) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Status: s, Message: msg}
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Message
}

// Is lets a timeout status match ErrTimeout.
func (e *StatusError) Is(target error) bool {
	return target == ErrTimeout && e.Status == StatusTimeout
}

// Classify maps an error to the status a reply should carry.
func Classify(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if xerrors.As(err, &se) {
		return se.Status
	}
	switch {
	case xerrors.Is(err, ErrTimeout), xerrors.Is(err, ErrExpired):
		return StatusTimeout
	case xerrors.Is(err, ErrInvalidCommitment),
		xerrors.Is(err, ErrInvalidShare),
		xerrors.Is(err, ErrIntegrity),
		xerrors.Is(err, ErrSessionState):
		return StatusInvalidInput
	}
	return StatusInternalError
}
