// Package terr holds the closed set of error kinds surfaced by the transport chain.
// Backend-native errors are mapped onto these kinds once, at the classification stage.
package terr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransient
	KindFatal
	KindTimeout
	KindCapability
	KindLockLost
	KindProtocolViolation
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindTimeout:
		return "timeout"
	case KindCapability:
		return "capability"
	case KindLockLost:
		return "lock lost"
	case KindProtocolViolation:
		return "protocol violation"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Sentinels to match with errors.Is.
var (
	ErrTransient         = &Error{Kind: KindTransient}
	ErrFatal             = &Error{Kind: KindFatal}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrCapability        = &Error{Kind: KindCapability}
	ErrLockLost          = &Error{Kind: KindLockLost}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrTerminal          = &Error{Kind: KindTerminal}
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality against a sentinel, so errors.Is(err, terr.ErrLockLost)
// matches any lock lost error regardless of its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, err error) error {
	if err == nil {
		return &Error{Kind: kind}
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

func Transient(err error) error         { return New(KindTransient, err) }
func Fatal(err error) error             { return New(KindFatal, err) }
func Timeout(err error) error           { return New(KindTimeout, err) }
func Capability(err error) error        { return New(KindCapability, err) }
func LockLost(err error) error          { return New(KindLockLost, err) }
func ProtocolViolation(err error) error { return New(KindProtocolViolation, err) }
func Terminal(err error) error          { return New(KindTerminal, err) }

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown when err was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsClassified(err error) bool {
	return KindOf(err) != KindUnknown
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
