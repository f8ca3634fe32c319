package adapter

import "context"

// Nullary wraps a single-value body into a one-item ProducerFunc, matching
// body() returning a plain value.
func Nullary(body func(ctx context.Context) (any, error)) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		v, err := body(ctx)
		if err != nil {
			return err
		}
		emit(v)
		return nil
	}
}

// NullaryVoid wraps a side-effecting body that produces no output item,
// matching control adapters (Execute, PushResponse, ReceiveMessage,
// AwaitMessage) whose purpose is the side effect of scheduling or
// delivering something elsewhere, not emitting a value of their own.
func NullaryVoid(body func(ctx context.Context) error) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		return body(ctx)
	}
}

// NullaryStreaming wraps an asynchronous-sequence body: next is called
// repeatedly until more is false.
func NullaryStreaming(next func(ctx context.Context) (value any, more bool, err error)) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		for {
			v, more, err := next(ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
			if !emit(v) {
				return nil
			}
		}
	}
}

// Unary walks input's stream once, feeding each item into transform.
// transform returns (output, emit, err); emit=false drops the item
// without ending the stream (a filtering unary adapter).
func Unary(input *Stream, transform func(ctx context.Context, item any) (out any, emit bool, err error)) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		cur := input.NewCursor()
		for {
			v, ok, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			out, shouldEmit, err := transform(ctx, v)
			if err != nil {
				return err
			}
			if shouldEmit {
				if !emit(out) {
					return nil
				}
			}
		}
	}
}

// Pair is the item type BinaryZip emits.
type Pair struct {
	Lhs any
	Rhs any
}

// BinaryZip pairs positional items from two streams, one pair per step;
// it terminates as soon as either side terminates -- implementing Zip2.
func BinaryZip(lhs, rhs *Stream) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		lc := lhs.NewCursor()
		rc := rhs.NewCursor()
		for {
			lv, lok, lerr := lc.Next(ctx)
			if lerr != nil {
				return lerr
			}
			if !lok {
				return nil
			}
			rv, rok, rerr := rc.Next(ctx)
			if rerr != nil {
				return rerr
			}
			if !rok {
				return nil
			}
			if !emit(Pair{Lhs: lv, Rhs: rv}) {
				return nil
			}
		}
	}
}

// NAryJoin awaits completion of every input stream (draining items,
// discarding values, honouring exceptions) and then yields one payload --
// implementing both SignalClient (len(inputs)==1) and SignalAllDone
// (len(inputs)>1).
func NAryJoin(inputs []*Stream, payload func(ctx context.Context) (any, error)) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		for _, s := range inputs {
			if err := s.NewCursor().Drain(ctx); err != nil {
				return err
			}
		}
		v, err := payload(ctx)
		if err != nil {
			return err
		}
		emit(v)
		return nil
	}
}

// Future produces a single value asynchronously.
type Future func(ctx context.Context) (any, error)

type futureResult struct {
	value any
	err   error
}

// FromFuturesInOrder runs every future concurrently but emits results in
// the input list's order even when futures complete out of order.
func FromFuturesInOrder(futures []Future) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		results := make([]chan futureResult, len(futures))
		for i, f := range futures {
			results[i] = make(chan futureResult, 1)
			go func(i int, f Future) {
				v, err := f(ctx)
				results[i] <- futureResult{value: v, err: err}
			}(i, f)
		}
		for i := range futures {
			select {
			case r := <-results[i]:
				if r.err != nil {
					return r.err
				}
				if !emit(r.value) {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}
