package mqtt

import (
	"errors"

	"github.com/ValerySidorin/hubdevice/transport/terr"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	ErrClosed           = errors.New("mqtt: closed")
	ErrFaulted          = errors.New("mqtt: connection lost")
	ErrQoS0Ack          = errors.New("mqtt: acknowledgment is not available at qos 0")
	ErrNoNegativeAck    = errors.New("mqtt: abandon and reject are not supported")
	ErrStaleLockToken   = errors.New("mqtt: lock token from another generation")
	ErrUnknownLockToken = errors.New("mqtt: unknown lock token")
	ErrOutOfOrder       = errors.New("mqtt: acknowledgment out of receipt order")
	ErrStillConnected   = errors.New("mqtt: still connected")
)

// Classify maps paho connect and transport errors onto the transport error
// kinds.
func Classify(err error) (terr.Kind, bool) {
	switch {
	case errors.Is(err, ErrFaulted), errors.Is(err, paho.ErrNotConnected):
		return terr.KindTransient, true
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return terr.KindFatal, true
	case errors.Is(err, packets.ErrorRefusedServerUnavailable),
		errors.Is(err, packets.ErrorNetworkError):
		return terr.KindTransient, true
	}
	return 0, false
}
