package amqp10

import (
	"errors"
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/ValerySidorin/hubdevice/transport/terr"
)

var (
	ErrUnknownLockToken = errors.New("amqp10: unknown lock token")
	ErrStaleLockToken   = errors.New("amqp10: lock token belongs to a closed receiver")
	ErrMethodsDisabled  = errors.New("amqp10: methods are not enabled")

	ErrReleased          = errors.New("amqp10: peer released the message")
	ErrModified          = errors.New("amqp10: peer modified the message")
	ErrRejected          = errors.New("amqp10: peer rejected the message")
	ErrUnexpectedOutcome = errors.New("amqp10: unexpected delivery outcome")
)

// Hub specific conditions that the library does not name.
const (
	condMessageLockLost  amqp.ErrCond = "com.microsoft:message-lock-lost"
	condThrottled        amqp.ErrCond = "com.microsoft:device-container-throttled"
	condServerBusy       amqp.ErrCond = "com.microsoft:server-busy"
	condTimeout          amqp.ErrCond = "com.microsoft:timeout"
	condHubSuspended     amqp.ErrCond = "com.microsoft:iot-hub-suspended"
	condArgumentError    amqp.ErrCond = "com.microsoft:argument-error"
	condDetachForced     amqp.ErrCond = "amqp:link:detach-forced"
	condConnectionForced amqp.ErrCond = "amqp:connection:forced"
	condMessageTooLarge  amqp.ErrCond = "amqp:link:message-size-exceeded"
	condPrecondition     amqp.ErrCond = "amqp:precondition-failed"
)

// remoteError extracts the peer-supplied error from err, if any.
func remoteError(err error) *amqp.Error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr
	}

	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.RemoteErr
	}
	var sessErr *amqp.SessionError
	if errors.As(err, &sessErr) {
		return sessErr.RemoteErr
	}
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return connErr.RemoteErr
	}
	return nil
}

// isLockLost reports whether a disposition failed because the delivery is no
// longer locked on the hub.
func isLockLost(err error) bool {
	if e := remoteError(err); e != nil {
		return e.Condition == condMessageLockLost || e.Condition == amqp.ErrCondNotFound
	}
	return false
}

// outcomeError maps a send outcome onto an error; only accepted is success.
func outcomeError(state amqp.DeliveryState) error {
	switch st := state.(type) {
	case *amqp.StateAccepted:
		return nil
	case *amqp.StateReleased:
		return ErrReleased
	case *amqp.StateModified:
		return ErrModified
	case *amqp.StateRejected:
		if st.Error != nil {
			return st.Error
		}
		return ErrRejected
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedOutcome, state)
	}
}

// isLinkFault reports whether err leaves the link unusable.
func isLinkFault(err error) bool {
	var (
		linkErr *amqp.LinkError
		sessErr *amqp.SessionError
		connErr *amqp.ConnError
	)
	return errors.As(err, &linkErr) || errors.As(err, &sessErr) || errors.As(err, &connErr)
}

// isConnFault reports whether err leaves the shared connection unusable.
func isConnFault(err error) bool {
	var (
		sessErr *amqp.SessionError
		connErr *amqp.ConnError
	)
	return errors.As(err, &sessErr) || errors.As(err, &connErr)
}

// Classify maps go-amqp errors onto the transport error kinds.
func Classify(err error) (terr.Kind, bool) {
	if e := remoteError(err); e != nil {
		switch e.Condition {
		case condMessageLockLost:
			return terr.KindLockLost, true
		case amqp.ErrCondUnauthorizedAccess, amqp.ErrCondResourceLimitExceeded, amqp.ErrCondNotFound,
			condHubSuspended, condArgumentError, condMessageTooLarge, condPrecondition:
			return terr.KindFatal, true
		case amqp.ErrCondInternalError, condThrottled, condServerBusy, condTimeout,
			condDetachForced, condConnectionForced:
			return terr.KindTransient, true
		}
		return terr.KindFatal, true
	}

	switch {
	case errors.Is(err, ErrReleased), errors.Is(err, ErrModified):
		return terr.KindTransient, true
	case errors.Is(err, ErrRejected):
		return terr.KindFatal, true
	case errors.Is(err, ErrUnexpectedOutcome):
		return terr.KindProtocolViolation, true
	}

	if isLinkFault(err) {
		return terr.KindTransient, true
	}
	return 0, false
}
