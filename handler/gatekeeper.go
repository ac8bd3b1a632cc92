package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
)

var (
	ErrClosed = errors.New("client closed")
)

// GateKeeper rejects every call made after Close.
type GateKeeper struct {
	next   transport.Transport
	closed atomic.Bool
}

func NewGateKeeper(next transport.Transport) *GateKeeper {
	return &GateKeeper{next: next}
}

func (g *GateKeeper) check() error {
	if g.closed.Load() {
		return terr.Terminal(ErrClosed)
	}
	return nil
}

func (g *GateKeeper) Open(ctx context.Context, explicit bool) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.Open(ctx, explicit)
}

// Close forwards exactly once; later calls are no-ops.
func (g *GateKeeper) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	return g.next.Close(ctx)
}

func (g *GateKeeper) SendEvent(ctx context.Context, msg *message.Message) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.SendEvent(ctx, msg)
}

func (g *GateKeeper) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.SendEventBatch(ctx, msgs)
}

func (g *GateKeeper) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.next.Receive(ctx, timeout)
}

func (g *GateKeeper) Complete(ctx context.Context, lockToken string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.Complete(ctx, lockToken)
}

func (g *GateKeeper) Abandon(ctx context.Context, lockToken string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.Abandon(ctx, lockToken)
}

func (g *GateKeeper) Reject(ctx context.Context, lockToken string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.Reject(ctx, lockToken)
}

func (g *GateKeeper) EnableMethods(ctx context.Context) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.EnableMethods(ctx)
}

func (g *GateKeeper) DisableMethods(ctx context.Context) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.DisableMethods(ctx)
}

func (g *GateKeeper) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.next.SendMethodResponse(ctx, resp)
}
