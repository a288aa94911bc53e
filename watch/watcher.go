package watch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/metrics"
	"github.com/yndd/kvlock/store"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const defaultMaxWait = 5 * time.Minute

type Watcher interface {
	WatchKey(ctx context.Context, key string) chan *kvlock.Event
	WatchKeyCh(ctx context.Context, key string, ch chan *kvlock.Event)
	WatchPrefix(ctx context.Context, prefix string) chan *kvlock.Event
	WatchPrefixCh(ctx context.Context, prefix string, ch chan *kvlock.Event)
}

type Config struct {
	// MaxWait is the blocking budget of each read.
	MaxWait           time.Duration
	Datacenter        string
	Token             string
	RequireConsistent bool
	// RetryBackOff returns the retry policy of a watch. When nil a failed read
	// is delivered as an event with Err set and the watch ends.
	RetryBackOff func() backoff.BackOff
	Metrics      *metrics.Metrics
}

type storeWatcher struct {
	Config
	logger logging.Logger
	s      store.Store
}

func NewWatcher(s store.Store, c Config, l logging.Logger) Watcher {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	return &storeWatcher{
		Config: c,
		logger: l,
		s:      s,
	}
}

// WatchKey returns a channel that receives the key's state on every change.
// The channel is closed when the watch ends.
func (w *storeWatcher) WatchKey(ctx context.Context, key string) chan *kvlock.Event {
	ch := make(chan *kvlock.Event)
	go func() {
		defer close(ch)
		w.run(ctx, KeyReader(w.s, key, w.query), kvlock.Event{Key: key}, ch)
	}()
	return ch
}

// WatchKeyCh delivers the key's state to ch. The caller owns ch.
func (w *storeWatcher) WatchKeyCh(ctx context.Context, key string, ch chan *kvlock.Event) {
	go w.run(ctx, KeyReader(w.s, key, w.query), kvlock.Event{Key: key}, ch)
}

func (w *storeWatcher) WatchPrefix(ctx context.Context, prefix string) chan *kvlock.Event {
	ch := make(chan *kvlock.Event)
	go func() {
		defer close(ch)
		w.run(ctx, PrefixReader(w.s, prefix, w.query), kvlock.Event{Prefix: prefix}, ch)
	}()
	return ch
}

func (w *storeWatcher) WatchPrefixCh(ctx context.Context, prefix string, ch chan *kvlock.Event) {
	go w.run(ctx, PrefixReader(w.s, prefix, w.query), kvlock.Event{Prefix: prefix}, ch)
}

func (w *storeWatcher) run(ctx context.Context, read ReadFunc[[]*kvlock.KVPair], tmpl kvlock.Event, ch chan *kvlock.Event) {
	logger := w.logger.WithValues("key", tmpl.Key, "prefix", tmpl.Prefix)
	send := func(ev *kvlock.Event) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o := Options{
		MaxWait: w.MaxWait,
		Metrics: w.Metrics,
		OnError: func(err error) {
			logger.Info("watch read failed", "error", err)
			ev := tmpl
			ev.Err = err
			_ = send(&ev)
		},
	}
	if w.RetryBackOff != nil {
		o.BackOff = w.RetryBackOff()
	}
	logger.Debug("watch started")
	err := Run(ctx, read, o, func(pairs []*kvlock.KVPair, idx uint64, reset bool) error {
		if reset {
			logger.Info("index went backwards, resetting", "index", idx)
		}
		ev := tmpl
		ev.Pairs = pairs
		ev.Index = idx
		ev.Reset = reset
		return send(&ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Info("watch stopped", "error", err)
		return
	}
	logger.Debug("watch stopped")
}

// query merges the watcher defaults into the index and wait set by Watch.
func (w *storeWatcher) query(q *kvlock.QueryOptions) *kvlock.QueryOptions {
	q.Datacenter = w.Datacenter
	q.Token = w.Token
	q.RequireConsistent = w.RequireConsistent
	return q
}

// KeyReader reads a single key; an absent key yields no pairs.
func KeyReader(s store.Store, key string, opts func(*kvlock.QueryOptions) *kvlock.QueryOptions) ReadFunc[[]*kvlock.KVPair] {
	return func(ctx context.Context, q *kvlock.QueryOptions) ([]*kvlock.KVPair, *kvlock.QueryMeta, error) {
		if opts != nil {
			q = opts(q)
		}
		p, meta, err := s.Get(ctx, key, q)
		if err != nil {
			return nil, nil, err
		}
		if p == nil {
			return []*kvlock.KVPair{}, meta, nil
		}
		return []*kvlock.KVPair{p}, meta, nil
	}
}

// PrefixReader lists every pair under prefix.
func PrefixReader(s store.Store, prefix string, opts func(*kvlock.QueryOptions) *kvlock.QueryOptions) ReadFunc[[]*kvlock.KVPair] {
	return func(ctx context.Context, q *kvlock.QueryOptions) ([]*kvlock.KVPair, *kvlock.QueryMeta, error) {
		if opts != nil {
			q = opts(q)
		}
		return s.List(ctx, prefix, q)
	}
}
