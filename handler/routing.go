package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ValerySidorin/hubdevice/internal/observability"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport"
	"github.com/ValerySidorin/hubdevice/transport/terr"
)

var (
	ErrNoBackend = errors.New("no transport could be opened")
)

// BuildFunc constructs the backend for one settings entry.
type BuildFunc func(s transport.Settings) (transport.Transport, error)

// Routing builds the concrete backend on first use and forwards to it. When
// several settings are offered they are tried in order; a transient failure
// to open one moves on to the next.
type Routing struct {
	build       BuildFunc
	settings    []transport.Settings
	classifiers []Classifier

	mu      sync.Mutex
	current transport.Transport
	closed  bool

	l *slog.Logger
}

func NewRouting(build BuildFunc, settings []transport.Settings, classifiers []Classifier, l *slog.Logger) *Routing {
	if l == nil {
		l = slog.Default()
	}
	cs := make([]Classifier, 0, len(classifiers)+1)
	cs = append(cs, classifiers...)
	cs = append(cs, NetClassifier)
	return &Routing{
		build:       build,
		settings:    settings,
		classifiers: cs,
		l:           l,
	}
}

func (r *Routing) backend(ctx context.Context, explicit bool) (transport.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, terr.Terminal(ErrClosed)
	}

	if r.current != nil {
		f, ok := r.current.(transport.Faulter)
		if !ok || !f.Faulted() {
			if explicit {
				if err := r.current.Open(ctx, true); err != nil {
					return nil, err
				}
			}
			return r.current, nil
		}

		r.l.Warn("routing: backend faulted, rebuilding")
		if err := r.current.Close(ctx); err != nil {
			r.l.Debug("routing: close faulted backend", "err", err)
		}
		r.current = nil
		observability.IncBackends(-1)
	}

	var lastErr error
	for i, s := range r.settings {
		t, err := r.build(s)
		if err != nil {
			return nil, err
		}

		if err := t.Open(ctx, explicit); err != nil {
			if cerr := t.Close(ctx); cerr != nil {
				r.l.Debug("routing: close after failed open", "variant", s.Variant(), "err", cerr)
			}
			lastErr = classifyWith(r.classifiers, err)
			if !terr.IsTransient(lastErr) {
				return nil, lastErr
			}
			r.l.Warn("routing: open failed, trying next transport", "variant", s.Variant(), "index", i, "err", err)
			continue
		}

		r.l.Debug("routing: transport selected", "variant", s.Variant())
		r.current = t
		observability.IncBackends(1)
		return t, nil
	}

	if lastErr == nil {
		lastErr = ErrNoBackend
	}
	return nil, lastErr
}

// Current returns the backend in use, if any.
func (r *Routing) Current() transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Routing) Open(ctx context.Context, explicit bool) error {
	_, err := r.backend(ctx, explicit)
	return err
}

func (r *Routing) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	t := r.current
	r.current = nil
	r.mu.Unlock()

	if t == nil {
		return nil
	}
	observability.IncBackends(-1)
	return t.Close(ctx)
}

func (r *Routing) SendEvent(ctx context.Context, msg *message.Message) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.SendEvent(ctx, msg)
}

func (r *Routing) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.SendEventBatch(ctx, msgs)
}

func (r *Routing) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	t, err := r.backend(ctx, false)
	if err != nil {
		return nil, err
	}
	return t.Receive(ctx, timeout)
}

func (r *Routing) Complete(ctx context.Context, lockToken string) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.Complete(ctx, lockToken)
}

func (r *Routing) Abandon(ctx context.Context, lockToken string) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.Abandon(ctx, lockToken)
}

func (r *Routing) Reject(ctx context.Context, lockToken string) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.Reject(ctx, lockToken)
}

func (r *Routing) EnableMethods(ctx context.Context) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.EnableMethods(ctx)
}

func (r *Routing) DisableMethods(ctx context.Context) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.DisableMethods(ctx)
}

func (r *Routing) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	t, err := r.backend(ctx, false)
	if err != nil {
		return err
	}
	return t.SendMethodResponse(ctx, resp)
}
