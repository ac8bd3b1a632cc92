package handler

import (
	"context"
	"time"

	obs "github.com/ValerySidorin/hubdevice/internal/observability"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrument records a span and operation metrics for every call.
type Instrument struct {
	next     transport.Transport
	protocol string
}

func NewInstrument(next transport.Transport, protocol string) *Instrument {
	return &Instrument{
		next:     next,
		protocol: protocol,
	}
}

func instrumentDo[T any](ctx context.Context, i *Instrument, op string, attrs []attribute.KeyValue, fn valueFunc[T]) (T, error) {
	var span trace.Span
	ctx, span = obs.Tracer().Start(ctx, "transport."+op)
	span.SetAttributes(attribute.String("protocol", i.protocol))
	span.SetAttributes(attrs...)
	defer span.End()

	start := time.Now()
	v, err := fn(ctx)

	obs.IncOp(op, i.protocol)
	obs.ObserveLatency(op, time.Since(start))
	if err != nil {
		kind := terr.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		obs.IncError(op, kind)
	}
	return v, err
}

func (i *Instrument) run(ctx context.Context, op string, fn opFunc, attrs ...attribute.KeyValue) error {
	_, err := instrumentDo(ctx, i, op, attrs, wrap(fn))
	return err
}

func (i *Instrument) Open(ctx context.Context, explicit bool) error {
	return i.run(ctx, OpOpen, func(ctx context.Context) error {
		return i.next.Open(ctx, explicit)
	}, attribute.Bool("explicit", explicit))
}

func (i *Instrument) Close(ctx context.Context) error {
	return i.run(ctx, OpClose, i.next.Close)
}

func (i *Instrument) SendEvent(ctx context.Context, msg *message.Message) error {
	return i.run(ctx, OpSendEvent, func(ctx context.Context) error {
		return i.next.SendEvent(ctx, msg)
	}, attribute.Int("payload_bytes", len(msg.Payload)))
}

func (i *Instrument) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	return i.run(ctx, OpSendEventBatch, func(ctx context.Context) error {
		return i.next.SendEventBatch(ctx, msgs)
	}, attribute.Int("batch_size", len(msgs)))
}

func (i *Instrument) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	return instrumentDo(ctx, i, OpReceive, []attribute.KeyValue{attribute.String("timeout", timeout.String())},
		func(ctx context.Context) (*message.Message, error) {
			return i.next.Receive(ctx, timeout)
		})
}

func (i *Instrument) Complete(ctx context.Context, lockToken string) error {
	return i.run(ctx, OpComplete, func(ctx context.Context) error {
		return i.next.Complete(ctx, lockToken)
	})
}

func (i *Instrument) Abandon(ctx context.Context, lockToken string) error {
	return i.run(ctx, OpAbandon, func(ctx context.Context) error {
		return i.next.Abandon(ctx, lockToken)
	})
}

func (i *Instrument) Reject(ctx context.Context, lockToken string) error {
	return i.run(ctx, OpReject, func(ctx context.Context) error {
		return i.next.Reject(ctx, lockToken)
	})
}

func (i *Instrument) EnableMethods(ctx context.Context) error {
	return i.run(ctx, OpEnableMethods, i.next.EnableMethods)
}

func (i *Instrument) DisableMethods(ctx context.Context) error {
	return i.run(ctx, OpDisableMethods, i.next.DisableMethods)
}

func (i *Instrument) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	return i.run(ctx, OpSendMethodResponse, func(ctx context.Context) error {
		return i.next.SendMethodResponse(ctx, resp)
	}, attribute.Int("status", resp.Status))
}
