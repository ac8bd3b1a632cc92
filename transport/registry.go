package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ValerySidorin/hubdevice/auth"
	"github.com/ValerySidorin/hubdevice/transport/protocol"
)

// Params is everything a backend needs to be built.
type Params struct {
	Conn     *auth.ConnectionString
	Settings Settings
	OnMethod MethodCallback
	Logger   *slog.Logger
}

type Factory func(p Params) (Transport, error)

// Registry maps protocols to backend factories. Callers construct their own
// registry, so tests can register doubles without touching shared state.
type Registry struct {
	mu        sync.RWMutex
	factories map[protocol.Protocol]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[protocol.Protocol]Factory),
	}
}

func (r *Registry) Register(p protocol.Protocol, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[p] = f
}

func (r *Registry) Supports(p protocol.Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[p]
	return ok
}

func (r *Registry) New(p Params) (Transport, error) {
	r.mu.RLock()
	f, ok := r.factories[p.Settings.Protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported transport protocol: %s (is it registered?)", p.Settings.Protocol)
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	return f(p)
}
