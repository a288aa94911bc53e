// Package watch turns plain reads into change notifications using blocking
// queries: a read carries the last seen change index and a wait budget, and the
// agent holds it until the data changes or the budget runs out.
package watch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/metrics"
)

// ReadFunc performs one read with the index and wait set in q.
type ReadFunc[T any] func(ctx context.Context, q *kvlock.QueryOptions) (T, *kvlock.QueryMeta, error)

// Handler receives every change. reset is set when the agent reported an
// index lower than the previous one. Returning an error ends the loop.
type Handler[T any] func(v T, index uint64, reset bool) error

// Watch issues a single blocking read. With lastIndex 0 the read returns
// immediately with the current state. The returned index may equal lastIndex
// when the wait budget elapsed without a change. Read failures are returned
// as is.
func Watch[T any](ctx context.Context, read ReadFunc[T], lastIndex uint64, maxWait time.Duration) (T, uint64, error) {
	var zero T
	q := &kvlock.QueryOptions{WaitIndex: lastIndex}
	if lastIndex > 0 {
		q.WaitTime = maxWait
	}
	v, meta, err := read(ctx, q)
	if err != nil {
		return zero, lastIndex, err
	}
	if meta == nil {
		return zero, lastIndex, kvlock.ErrMissingIndex
	}
	return v, meta.LastIndex, nil
}

type Options struct {
	// Index to resume from; 0 starts with the current state.
	Index   uint64
	MaxWait time.Duration
	// BackOff is consulted after a failed read. Without it, or once it
	// returns backoff.Stop, the loop ends with the read error.
	BackOff backoff.BackOff
	// OnError is called with every failed read.
	OnError func(error)
	Metrics *metrics.Metrics
}

// Run calls fn with the first result and then with every change until ctx is
// done, fn fails, or a read fails and the retry policy gives up. Wake-ups that
// return the same index are re-issued without calling fn.
func Run[T any](ctx context.Context, read ReadFunc[T], o Options, fn Handler[T]) error {
	last := o.Index
	seen := o.Index > 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, idx, err := Watch(ctx, read, last, o.MaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.Metrics.WatchWakeup("error")
			if o.OnError != nil {
				o.OnError(err)
			}
			if o.BackOff == nil {
				return err
			}
			d := o.BackOff.NextBackOff()
			if d == backoff.Stop {
				return err
			}
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		if o.BackOff != nil {
			o.BackOff.Reset()
		}
		// an index of 0 would turn the next read into a non-blocking one
		if idx == 0 {
			idx = 1
		}

		reset := false
		switch {
		case seen && idx == last:
			o.Metrics.WatchWakeup("noop")
			continue
		case seen && idx < last:
			o.Metrics.WatchWakeup("reset")
			reset = true
		default:
			o.Metrics.WatchWakeup("changed")
		}
		last, seen = idx, true
		if err := fn(v, idx, reset); err != nil {
			return err
		}
	}
}
