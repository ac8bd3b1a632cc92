// Package handler implements the stages placed in front of a protocol backend.
// Every stage implements transport.Transport and forwards to the next one:
//
//	Timeout -> [Instrument] -> GateKeeper -> Retry -> Classify -> Routing -> backend
package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ValerySidorin/hubdevice/transport"
)

// Operation names used in logs, spans and metrics.
const (
	OpOpen               = "open"
	OpClose              = "close"
	OpSendEvent          = "send_event"
	OpSendEventBatch     = "send_event_batch"
	OpReceive            = "receive"
	OpComplete           = "complete"
	OpAbandon            = "abandon"
	OpReject             = "reject"
	OpEnableMethods      = "enable_methods"
	OpDisableMethods     = "disable_methods"
	OpSendMethodResponse = "send_method_response"
)

// ChainConfig describes the stages to build in front of the routing stage.
type ChainConfig struct {
	OperationTimeout time.Duration
	Retry            RetryPolicy
	Classifiers      []Classifier
	Instrument       bool
	Protocol         string
	Logger           *slog.Logger
}

// NewChain wires the default stage order around routing.
func NewChain(routing *Routing, conf ChainConfig) (transport.Transport, error) {
	l := conf.Logger
	if l == nil {
		l = slog.Default()
	}

	classify := NewClassify(routing, conf.Classifiers...)
	retry, err := NewRetry(classify, conf.Retry, l)
	if err != nil {
		return nil, err
	}

	var next transport.Transport = NewGateKeeper(retry)
	if conf.Instrument {
		next = NewInstrument(next, conf.Protocol)
	}
	return NewTimeout(next, conf.OperationTimeout), nil
}

type opFunc func(ctx context.Context) error

type valueFunc[T any] func(ctx context.Context) (T, error)

func wrap(fn opFunc) valueFunc[struct{}] {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}
}
