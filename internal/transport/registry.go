package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/domain/model"
)

// ErrNoTransport is returned when no transport is registered for a path type.
var ErrNoTransport = errors.New("no transport registered for path type")

// Func adapts a function to core.Transport.
type Func func(ctx context.Context, msg *model.Message) error

// Send calls f.
func (f Func) Send(ctx context.Context, msg *model.Message) error { return f(ctx, msg) }

// Registry resolves transports by path type.
type Registry struct {
	mu         sync.RWMutex
	transports map[model.PathType]core.Transport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[model.PathType]core.Transport)}
}

// Register installs t for p, replacing any previous registration.
func (r *Registry) Register(p model.PathType, t core.Transport) error {
	if !p.Valid() {
		return fmt.Errorf("register transport: unsupported path type %q", p)
	}
	if t == nil {
		return fmt.Errorf("register transport %s: transport is nil", p)
	}
	r.mu.Lock()
	r.transports[p] = t
	r.mu.Unlock()
	return nil
}

// Resolve returns the transport for p.
func (r *Registry) Resolve(p model.PathType) (core.Transport, error) {
	r.mu.RLock()
	t, ok := r.transports[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, p)
	}
	return t, nil
}

// PathTypes lists the registered path types.
func (r *Registry) PathTypes() []model.PathType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.PathType, 0, len(r.transports))
	for p := range r.transports {
		out = append(out, p)
	}
	return out
}

var _ core.TransportResolver = (*Registry)(nil)
