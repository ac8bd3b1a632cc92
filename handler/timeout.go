package handler

import (
	"context"
	"errors"
	"time"

	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
)

// Timeout turns the operation timeout into a context deadline shared by every
// stage below it. A zero timeout leaves the caller's context untouched.
type Timeout struct {
	next    transport.Transport
	timeout time.Duration
}

func NewTimeout(next transport.Transport, timeout time.Duration) *Timeout {
	return &Timeout{
		next:    next,
		timeout: timeout,
	}
}

func (t *Timeout) context(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout+extra)
}

func timeoutDo[T any](ctx context.Context, t *Timeout, extra time.Duration, fn valueFunc[T]) (T, error) {
	ctx, cancel := t.context(ctx, extra)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && !terr.IsClassified(err) && errors.Is(err, context.DeadlineExceeded) {
		return v, terr.Timeout(err)
	}
	return v, err
}

func (t *Timeout) run(ctx context.Context, fn opFunc) error {
	_, err := timeoutDo(ctx, t, 0, wrap(fn))
	return err
}

func (t *Timeout) Open(ctx context.Context, explicit bool) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.Open(ctx, explicit)
	})
}

func (t *Timeout) Close(ctx context.Context) error {
	return t.run(ctx, t.next.Close)
}

func (t *Timeout) SendEvent(ctx context.Context, msg *message.Message) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.SendEvent(ctx, msg)
	})
}

func (t *Timeout) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.SendEventBatch(ctx, msgs)
	})
}

// Receive extends the deadline by the receive timeout so an empty wait is
// never reported as an expired operation.
func (t *Timeout) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	return timeoutDo(ctx, t, timeout, func(ctx context.Context) (*message.Message, error) {
		return t.next.Receive(ctx, timeout)
	})
}

func (t *Timeout) Complete(ctx context.Context, lockToken string) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.Complete(ctx, lockToken)
	})
}

func (t *Timeout) Abandon(ctx context.Context, lockToken string) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.Abandon(ctx, lockToken)
	})
}

func (t *Timeout) Reject(ctx context.Context, lockToken string) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.Reject(ctx, lockToken)
	})
}

func (t *Timeout) EnableMethods(ctx context.Context) error {
	return t.run(ctx, t.next.EnableMethods)
}

func (t *Timeout) DisableMethods(ctx context.Context) error {
	return t.run(ctx, t.next.DisableMethods)
}

func (t *Timeout) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	return t.run(ctx, func(ctx context.Context) error {
		return t.next.SendMethodResponse(ctx, resp)
	})
}
