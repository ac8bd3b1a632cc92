package protocol

import "fmt"

type Protocol string

const (
	AMQP  Protocol = "amqp"
	MQTT  Protocol = "mqtt"
	HTTP1 Protocol = "http1"
)

// Transport is the sub-transport a protocol is carried over.
type Transport string

const (
	TCP       Transport = "tcp"
	WebSocket Transport = "websocket"
)

// Variant is a protocol bound to a sub-transport, e.g. amqp_tcp.
type Variant string

func NewVariant(p Protocol, t Transport) Variant {
	if p == HTTP1 {
		return Variant(p)
	}
	return Variant(fmt.Sprintf("%s_%s", p, t))
}

func (p Protocol) Validate() error {
	switch p {
	case AMQP, MQTT, HTTP1:
		return nil
	}
	return fmt.Errorf("unsupported protocol: %q", p)
}

func (t Transport) Validate() error {
	switch t {
	case TCP, WebSocket:
		return nil
	}
	return fmt.Errorf("unsupported transport: %q", t)
}
