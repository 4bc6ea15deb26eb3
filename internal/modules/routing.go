package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Handler processes one message body. Returning an error (or panicking)
// rejects the message without redelivery.
type Handler func(ctx context.Context, body []byte) error

// RoutingBuilder collects handler registrations at startup.
type RoutingBuilder struct {
	handlers map[string]Handler
	err      error
}

func NewRoutingBuilder() *RoutingBuilder {
	return &RoutingBuilder{handlers: make(map[string]Handler)}
}

// Register maps key to h. The first invalid or duplicate registration is
// reported by Build.
func (b *RoutingBuilder) Register(key string, h Handler) *RoutingBuilder {
	if b.err != nil {
		return b
	}
	switch {
	case key == "":
		b.err = fmt.Errorf("routing key must not be empty")
	case strings.ContainsAny(key, "*> \t"):
		b.err = fmt.Errorf("routing key %q must be a literal subject", key)
	case h == nil:
		b.err = fmt.Errorf("nil handler for routing key %q", key)
	default:
		if _, exists := b.handlers[key]; exists {
			b.err = fmt.Errorf("duplicate handler for routing key %q", key)
			return b
		}
		b.handlers[key] = h
	}
	return b
}

func (b *RoutingBuilder) Build() (*RoutingTable, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.handlers) == 0 {
		return nil, fmt.Errorf("no handlers registered")
	}

	t := &RoutingTable{
		handlers: make(map[string]Handler, len(b.handlers)),
		keys:     make([]string, 0, len(b.handlers)),
	}
	for k, h := range b.handlers {
		t.handlers[k] = h
		t.keys = append(t.keys, k)
	}
	sort.Strings(t.keys)
	return t, nil
}

// RoutingTable is immutable once built. The consumer binds Keys and
// dispatches through Lookup, so both use the same source of truth.
type RoutingTable struct {
	handlers map[string]Handler
	keys     []string
}

func (t *RoutingTable) Lookup(key string) (Handler, bool) {
	h, ok := t.handlers[key]
	return h, ok
}

func (t *RoutingTable) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

func (t *RoutingTable) Len() int {
	return len(t.keys)
}
