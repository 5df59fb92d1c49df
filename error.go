package egtally

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kinds of failure a ceremony or a decryption can run into. They are
// compared with xerrors.Is, possibly through a GuardianError or an Error.
var (
	// ErrQuorum is returned when not enough guardians are available to
	// start or to continue a ceremony.
	ErrQuorum = xerrors.New("quorum not reached")
	// ErrInvalidCommitment is returned when a polynomial commitment or one
	// of its proofs of knowledge does not verify.
	ErrInvalidCommitment = xerrors.New("invalid commitment")
	// ErrInvalidShare is returned when the proof of a decryption share does
	// not verify.
	ErrInvalidShare = xerrors.New("invalid decryption share")
	// ErrIntegrity is returned when a backup fails to decrypt or does not
	// match the commitment of its sender.
	ErrIntegrity = xerrors.New("backup integrity")
	// ErrThresholdNotMet is returned when fewer than k valid contributions
	// remain.
	ErrThresholdNotMet = xerrors.New("threshold not met")
	// ErrTimeout is returned when a guardian did not answer in time.
	ErrTimeout = xerrors.New("timeout")
	// ErrExpired is returned when a session phase exceeded its deadline.
	ErrExpired = xerrors.New("session expired")
	// ErrSessionState is returned for an operation against a session that
	// is not in the expected state or phase.
	ErrSessionState = xerrors.New("unexpected session state")
	// ErrAborted is the cause of a session aborted by its owner.
	ErrAborted = xerrors.New("session aborted")
)

// Error is a wrapper around an standard error that allows
// to print the stack trace from the call of the constructor.
type Error struct {
	err   error
	msg   string
	frame xerrors.Frame
}

// ErrorOrNil returns the error if any with the stack trace
// beginning at the call of the function.
func ErrorOrNil(err error, msg string) error {
	return ErrorOrNilSkip(err, msg, 1)
}

// ErrorOrNilSkip returns the error if any with the stack trace
// beginning at the call of the skip-nth caller.
func ErrorOrNilSkip(err error, msg string, skip int) error {
	if err == nil {
		return nil
	}
	return &Error{
		err:   err,
		msg:   msg,
		frame: xerrors.Caller(skip),
	}
}

// WrapError returns a wrapper of the error is it can be used
// for comparison.
func WrapError(err error) error {
	return ErrorOrNilSkip(err, "", 2)
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg + ": " + fmt.Sprintf("%v", e.err)
	}
	return fmt.Sprintf("%v", e.err)
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.err
}

// Format prints the error to the formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError prints the error to the printer. It prints
// the stack trace when the '+' is used in combination with
// 'v'.
func (e *Error) FormatError(p xerrors.Printer) error {
	if e.msg != "" {
		p.Printf("%s: %v", e.msg, e.err)
	} else {
		p.Printf("%v", e.err)
	}

	if p.Detail() {
		e.frame.Format(p)
		p.Printf("%+v", e.err)
	}
	return nil
}

// GuardianError attributes a failure to a single guardian so that it can
// be audited afterwards. Component and Phase are empty when they don't
// apply.
type GuardianError struct {
	Kind      error
	Guardian  uint32
	Component string
	Phase     string
	Err       error
}

// NewGuardianError returns a GuardianError of the given kind.
func NewGuardianError(kind error, guardian uint32, phase string, err error) *GuardianError {
	return &GuardianError{Kind: kind, Guardian: guardian, Phase: phase, Err: err}
}

// WithComponent returns a copy of the error bound to a tally component.
func (e *GuardianError) WithComponent(id string) *GuardianError {
	c := *e
	c.Component = id
	return &c
}

// WithPhase returns a copy of the error bound to a session phase.
func (e *GuardianError) WithPhase(phase string) *GuardianError {
	c := *e
	c.Phase = phase
	return &c
}

func (e *GuardianError) Error() string {
	s := fmt.Sprintf("guardian %d", e.Guardian)
	if e.Phase != "" {
		s += " in " + e.Phase
	}
	if e.Component != "" {
		s += " for component " + e.Component
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is makes the error match its kind.
func (e *GuardianError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the cause of the error.
func (e *GuardianError) Unwrap() error {
	return e.Err
}
