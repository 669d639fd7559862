package publish

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wesign-qa/cmo/pkg/envelope"
)

// Handler processes one delivered envelope. ack is called on success; a
// returned error leaves the message for Nack/Reject by the caller (the
// transport delivery loop, not this package, which keeps the dispatch
// registry transport-agnostic).
type Handler func(ctx context.Context, env envelope.Envelope, ack func() error) error

// ErrUnknownType is returned by Dispatch when no handler is registered for
// an envelope's meta.type; callers route this to DLQ with reason
// "unknown_type".
var ErrUnknownType = fmt.Errorf("publish: unknown_type")

// Dispatcher is the type-keyed inbound handler registry.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[envelope.Type]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[envelope.Type]Handler{}}
}

// Register binds h to t, replacing any existing handler.
func (d *Dispatcher) Register(t envelope.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// RegisteredTypes returns the currently bound types, sorted, for
// diagnostics/health reporting.
func (d *Dispatcher) RegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Dispatch routes env to its registered handler by meta.type. Returns
// ErrUnknownType if none is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.Envelope, ack func() error) error {
	d.mu.RLock()
	h, ok := d.handlers[env.Meta.Type]
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownType
	}
	return h(ctx, env, ack)
}
