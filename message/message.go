package message

import (
	"errors"
	"maps"
	"sync/atomic"
	"time"
)

var (
	ErrSealed = errors.New("message already sent")
)

// Message is the envelope exchanged with the hub. It may be modified until it is
// handed to a transport; afterwards it is sealed and setters fail.
type Message struct {
	Payload    []byte
	Properties map[string]string

	MessageID       string
	CorrelationID   string
	ContentType     string
	ContentEncoding string

	// LockToken identifies a received message until it is acknowledged.
	LockToken     string
	DeliveryCount uint32
	EnqueuedAt    time.Time

	sealed atomic.Bool
}

func New(payload []byte) *Message {
	return &Message{
		Payload:    payload,
		Properties: make(map[string]string),
	}
}

func (m *Message) SetProperty(key, value string) error {
	if m.sealed.Load() {
		return ErrSealed
	}
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
	return nil
}

func (m *Message) SetMessageID(id string) error {
	if m.sealed.Load() {
		return ErrSealed
	}
	m.MessageID = id
	return nil
}

func (m *Message) SetCorrelationID(id string) error {
	if m.sealed.Load() {
		return ErrSealed
	}
	m.CorrelationID = id
	return nil
}

func (m *Message) SetContentType(ct string) error {
	if m.sealed.Load() {
		return ErrSealed
	}
	m.ContentType = ct
	return nil
}

// Seal marks the message as sent. It returns false if it was already sealed.
func (m *Message) Seal() bool {
	return m.sealed.CompareAndSwap(false, true)
}

func (m *Message) Sealed() bool {
	return m.sealed.Load()
}

// Clone returns an unsealed deep copy without receive metadata.
func (m *Message) Clone() *Message {
	c := &Message{
		Payload:         append([]byte(nil), m.Payload...),
		Properties:      maps.Clone(m.Properties),
		MessageID:       m.MessageID,
		CorrelationID:   m.CorrelationID,
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	return c
}

func (m *Message) String() string {
	return string(m.Payload)
}
