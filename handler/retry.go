package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrTokenConsumed = errors.New("lock token already acknowledged")
)

const DefaultConsumedTokens = 1024

// RetryPolicy decides how often and how fast transient failures are retried.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. Zero retries until the
	// operation deadline.
	MaxAttempts int
	// NewBackOff returns a fresh backoff per operation.
	NewBackOff func() backoff.BackOff
	// ConsumedTokens bounds how many acknowledged lock tokens are remembered.
	ConsumedTokens int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.Multiplier = 2
			b.RandomizationFactor = 0.5
			return b
		},
	}
}

func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Retry re-issues calls that failed with a transient error.
type Retry struct {
	next     transport.Transport
	policy   RetryPolicy
	consumed *lru.Cache[string, struct{}]

	l *slog.Logger
}

func NewRetry(next transport.Transport, policy RetryPolicy, l *slog.Logger) (*Retry, error) {
	if policy.NewBackOff == nil {
		policy.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	if policy.ConsumedTokens <= 0 {
		policy.ConsumedTokens = DefaultConsumedTokens
	}
	if l == nil {
		l = slog.Default()
	}

	consumed, err := lru.New[string, struct{}](policy.ConsumedTokens)
	if err != nil {
		return nil, fmt.Errorf("retry: new token cache: %w", err)
	}

	return &Retry{
		next:     next,
		policy:   policy,
		consumed: consumed,
		l:        l,
	}, nil
}

func retryDo[T any](ctx context.Context, r *Retry, op string, fn valueFunc[T]) (T, error) {
	var (
		zero    T
		lastErr error
	)

	b := r.policy.NewBackOff()
	b.Reset()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !terr.IsTransient(err) {
			return zero, err
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return zero, err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return zero, err
		}

		r.l.Debug("retry: transient failure", "op", op, "attempt", attempt, "delay", delay, "err", err)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			}
		}
	}
}

func (r *Retry) run(ctx context.Context, op string, fn opFunc) error {
	_, err := retryDo(ctx, r, op, wrap(fn))
	return err
}

// ack retries an acknowledgment only while its token has not been consumed
// by an earlier successful attempt.
func (r *Retry) ack(ctx context.Context, op, lockToken string, fn func(ctx context.Context, lockToken string) error) error {
	err := r.run(ctx, op, func(ctx context.Context) error {
		if r.consumed.Contains(lockToken) {
			return terr.LockLost(fmt.Errorf("%w: %s", ErrTokenConsumed, lockToken))
		}
		return fn(ctx, lockToken)
	})
	if err == nil {
		r.consumed.Add(lockToken, struct{}{})
	}
	return err
}

func (r *Retry) Open(ctx context.Context, explicit bool) error {
	return r.run(ctx, OpOpen, func(ctx context.Context) error {
		return r.next.Open(ctx, explicit)
	})
}

func (r *Retry) Close(ctx context.Context) error {
	return r.next.Close(ctx)
}

func (r *Retry) SendEvent(ctx context.Context, msg *message.Message) error {
	return r.run(ctx, OpSendEvent, func(ctx context.Context) error {
		return r.next.SendEvent(ctx, msg)
	})
}

func (r *Retry) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	return r.run(ctx, OpSendEventBatch, func(ctx context.Context) error {
		return r.next.SendEventBatch(ctx, msgs)
	})
}

func (r *Retry) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	return retryDo(ctx, r, OpReceive, func(ctx context.Context) (*message.Message, error) {
		return r.next.Receive(ctx, timeout)
	})
}

func (r *Retry) Complete(ctx context.Context, lockToken string) error {
	return r.ack(ctx, OpComplete, lockToken, r.next.Complete)
}

func (r *Retry) Abandon(ctx context.Context, lockToken string) error {
	return r.ack(ctx, OpAbandon, lockToken, r.next.Abandon)
}

func (r *Retry) Reject(ctx context.Context, lockToken string) error {
	return r.ack(ctx, OpReject, lockToken, r.next.Reject)
}

func (r *Retry) EnableMethods(ctx context.Context) error {
	return r.run(ctx, OpEnableMethods, r.next.EnableMethods)
}

func (r *Retry) DisableMethods(ctx context.Context) error {
	return r.run(ctx, OpDisableMethods, r.next.DisableMethods)
}

func (r *Retry) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	return r.run(ctx, OpSendMethodResponse, func(ctx context.Context) error {
		return r.next.SendMethodResponse(ctx, resp)
	})
}
