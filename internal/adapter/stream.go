// Package adapter implements the lazy streaming execution model: the
// Stream abstraction with multi-consumer fan-out, the four adapter
// arities (nullary, unary, binary-zip, n-ary-join), and the caching
// iterator collaborator. Grounded on the re-architecture note in
// spec.md/SPEC_FULL.md design notes: "implement Stream as a shared list
// plus a condition variable; each consumer holds its own integer index;
// producer writes exactly once; consumers never mutate."
package adapter

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the terminal error a Stream closes with after Cancel.
var ErrCancelled = errors.New("adapter: stream cancelled")

// ProducerFunc is run exactly once per Stream, in its own goroutine. It
// calls emit for each produced item; emit returns false once the stream
// has been cancelled, signalling the producer to stop early. A non-nil
// return closes the stream in error-terminal state.
type ProducerFunc func(ctx context.Context, emit func(item any) bool) error

// Stream is an ordered, append-only sequence of items plus a terminal
// state (closed-ok or closed-error). Items are produced by exactly one
// producer goroutine; consumers obtain independent cursors that advance
// by index into the shared slice.
type Stream struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []any
	filters   []func(any) bool
	started   bool
	closed    bool
	cancelled bool
	err       error
}

func New() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddFilter registers a predicate applied to every produced item before it
// is appended; items failing the predicate are dropped. Must be called
// before Start -- once started a stream rejects further filter additions.
func (s *Stream) AddFilter(pred func(any) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("adapter: cannot add filter after stream has started")
	}
	s.filters = append(s.filters, pred)
	return nil
}

// Start launches the producer goroutine. Calling Start twice is a
// programmer error; use GetOrCreateStream-style memoization (see Base) to
// guarantee it runs once.
func (s *Stream) Start(ctx context.Context, produce ProducerFunc) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go func() {
		err := produce(ctx, s.push)
		s.close(err)
	}()
}

func (s *Stream) push(item any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	for _, f := range s.filters {
		if !f(item) {
			return true
		}
	}
	s.items = append(s.items, item)
	s.cond.Broadcast()
	return true
}

func (s *Stream) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
}

// Cancel aborts the producer: pending and future consumers see
// ErrCancelled as the terminal state.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.close(ErrCancelled)
}

// NewCursor returns a fresh, independent iterator over the stream starting
// at item 0.
func (s *Stream) NewCursor() *Cursor {
	return &Cursor{stream: s}
}

// Cursor is a single consumer's position into a Stream's shared item
// slice.
type Cursor struct {
	stream *Stream
	idx    int
}

// Next blocks until an item is available, the stream closes, or ctx is
// done. ok is false once the stream is exhausted; err is non-nil on an
// error-terminal stream (ErrCancelled included) or, with ctx.Err(), when
// ctx is done before an item arrives.
func (c *Cursor) Next(ctx context.Context) (item any, ok bool, err error) {
	s := c.stream
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if c.idx < len(s.items) {
			item = s.items[c.idx]
			c.idx++
			return item, true, nil
		}
		if s.closed {
			return nil, false, s.err
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// cond.Wait() requires the lock held on entry and reacquires it
		// before returning; a side goroutine broadcasts on ctx
		// cancellation so a waiting consumer isn't stuck past its
		// caller's deadline.
		if done := ctx.Done(); done != nil {
			stop := make(chan struct{})
			go func() {
				select {
				case <-done:
					s.mu.Lock()
					s.cond.Broadcast()
					s.mu.Unlock()
				case <-stop:
				}
			}()
			s.cond.Wait()
			close(stop)
		} else {
			s.cond.Wait()
		}
	}
}

// Drain consumes every item in order, discarding values but returning the
// first error encountered (if any) -- the shape SignalClient/SignalAllDone
// need to await completion without caring about payloads.
func (c *Cursor) Drain(ctx context.Context) error {
	for {
		_, ok, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Collect gathers every item into a slice; intended for tests.
func (c *Cursor) Collect(ctx context.Context) ([]any, error) {
	var out []any
	for {
		v, ok, err := c.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
