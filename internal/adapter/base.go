package adapter

import (
	"context"
	"sync"
)

// Adapter is the runtime contract every built-in and domain operator
// implements: a lazily created, memoized Stream shared by all consumers.
type Adapter interface {
	GetOrCreateStream(ctx context.Context) (*Stream, error)
}

// ResponsePreparer is the optional prepare_to_send hook: when implemented,
// it converts an adapter's raw output item into a shaped response payload
// (e.g. a bundle with metadata_url/metadata/urls) before it is wrapped as
// a ValueResponse.
type ResponsePreparer interface {
	PrepareToSend(item any) (any, error)
}

// Base implements the memoized-stream half of the Adapter contract;
// concrete adapters embed Base and supply a ProducerFunc (possibly
// wrapped by a CachingIterator).
type Base struct {
	mu      sync.Mutex
	stream  *Stream
	produce ProducerFunc
}

// NewBase constructs a Base around the adapter's producer function. The
// producer is not invoked until the first GetOrCreateStream call.
func NewBase(produce ProducerFunc) *Base {
	return &Base{produce: produce}
}

// GetOrCreateStream returns the adapter's stream, creating and starting it
// on first call. Idempotent: subsequent calls return the same Stream.
func (b *Base) GetOrCreateStream(ctx context.Context) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		b.stream = New()
		b.stream.Start(ctx, b.produce)
	}
	return b.stream, nil
}
