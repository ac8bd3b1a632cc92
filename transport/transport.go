package transport

import (
	"context"
	"time"

	"github.com/ValerySidorin/hubdevice/message"
)

// Transport is the operation set every protocol backend and every stage of the
// handler chain implements.
type Transport interface {
	// Open connects the backend. A non-explicit open is a no-op for backends
	// that connect lazily on first use.
	Open(ctx context.Context, explicit bool) error
	// Close releases all resources. It is safe to call more than once.
	Close(ctx context.Context) error

	SendEvent(ctx context.Context, msg *message.Message) error
	// SendEventBatch preserves the input order on the wire.
	SendEventBatch(ctx context.Context, msgs []*message.Message) error

	// Receive waits up to timeout for a device-bound message. It returns
	// (nil, nil) when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (*message.Message, error)
	Complete(ctx context.Context, lockToken string) error
	Abandon(ctx context.Context, lockToken string) error
	Reject(ctx context.Context, lockToken string) error

	EnableMethods(ctx context.Context) error
	DisableMethods(ctx context.Context) error
	SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error
}

// MethodCallback receives method invocations pushed by a backend. It is
// responsible for producing and sending the response.
type MethodCallback func(ctx context.Context, req *message.MethodRequest)

// Faulter is implemented by backends that can enter a terminal error state
// and must be rebuilt.
type Faulter interface {
	Faulted() bool
}
