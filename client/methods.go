package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ValerySidorin/hubdevice/internal/observability"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/bytedance/sonic"
)

// MethodHandler serves one cloud-invoked method. A nil response is sent as an
// empty 200; an error is sent as a 500 carrying the error text.
type MethodHandler func(ctx context.Context, req *message.MethodRequest) (*message.MethodResponse, error)

const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeUnregistered = "unregistered"
	outcomeInvalid      = "invalid"
	outcomeRejected     = "rejected"
)

// SetMethodHandler registers fn for name, or removes it when fn is nil. The
// first registration enables methods on the transport; removing the last one
// disables them.
func (c *Client) SetMethodHandler(ctx context.Context, name string, fn MethodHandler) error {
	if name == "" {
		return ErrEmptyMethodName
	}
	if c.closed.Load() {
		return terr.Terminal(ErrClosed)
	}

	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	c.mu.RLock()
	_, exists := c.handlers[name]
	count := len(c.handlers)
	c.mu.RUnlock()

	if fn == nil {
		if !exists {
			return nil
		}
		c.mu.Lock()
		delete(c.handlers, name)
		c.mu.Unlock()

		if count == 1 {
			if err := c.inner.DisableMethods(ctx); err != nil {
				return fmt.Errorf("disable methods: %w", err)
			}
		}
		return nil
	}

	if count == 0 {
		if err := c.inner.EnableMethods(ctx); err != nil {
			return fmt.Errorf("enable methods: %w", err)
		}
	}

	c.mu.Lock()
	c.handlers[name] = fn
	c.mu.Unlock()
	return nil
}

// dispatch is the transport.MethodCallback handed to every backend.
func (c *Client) dispatch(_ context.Context, req *message.MethodRequest) {
	c.mu.RLock()
	fn, ok := c.handlers[req.Name]
	c.mu.RUnlock()

	if !ok {
		c.l.Debug("client: no handler for method, ignoring", "method", req.Name, "rid", req.RequestID)
		observability.IncMethodCall(req.Name, outcomeUnregistered)
		return
	}
	if err := req.Validate(); err != nil {
		c.l.Warn("client: invalid method request, ignoring", "method", req.Name, "err", err)
		observability.IncMethodCall(req.Name, outcomeInvalid)
		return
	}

	c.mu.Lock()
	c.requests[req.RequestID] = struct{}{}
	c.mu.Unlock()

	if err := c.workers.Submit(func() { c.invoke(fn, req) }); err != nil {
		c.mu.Lock()
		delete(c.requests, req.RequestID)
		c.mu.Unlock()

		c.l.Error("client: submit method handler", "method", req.Name, "err", err)
		observability.IncMethodCall(req.Name, outcomeRejected)
	}
}

func (c *Client) invoke(fn MethodHandler, req *message.MethodRequest) {
	ctx := c.base
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}

	outcome := outcomeOK
	resp, err := fn(ctx, req)
	switch {
	case err != nil:
		outcome = outcomeError
		c.l.Warn("client: method handler failed", "method", req.Name, "err", err)
		body, merr := sonic.Marshal(map[string]string{"message": err.Error()})
		if merr != nil {
			body = nil
		}
		resp = &message.MethodResponse{Status: http.StatusInternalServerError, Body: body}
	case resp == nil:
		resp = &message.MethodResponse{Status: http.StatusOK}
	}
	resp.RequestID = req.RequestID

	if err := c.SendMethodResponse(ctx, resp); err != nil {
		outcome = outcomeError
		c.l.Error("client: send method response", "method", req.Name, "rid", req.RequestID, "err", err)
	}
	observability.IncMethodCall(req.Name, outcome)
}

// SendMethodResponse answers an outstanding method request. A request id is
// answered at most once.
func (c *Client) SendMethodResponse(ctx context.Context, resp *message.MethodResponse) error {
	if resp == nil {
		return ErrNilResponse
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("validate method response: %w", err)
	}

	c.mu.Lock()
	_, ok := c.requests[resp.RequestID]
	delete(c.requests, resp.RequestID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
	}

	if err := c.inner.SendMethodResponse(ctx, resp); err != nil {
		if terr.IsTransient(err) {
			c.mu.Lock()
			c.requests[resp.RequestID] = struct{}{}
			c.mu.Unlock()
		}
		return err
	}
	return nil
}
