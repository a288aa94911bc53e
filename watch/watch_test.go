package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/internal/agenttest"
	"github.com/yndd/kvlock/store"
	"github.com/yndd/kvlock/transport"
)

type result struct {
	v     string
	index uint64
	err   error
}

// scripted replays results and records the options of every read.
type scripted struct {
	mu      sync.Mutex
	results []result
	queries []kvlock.QueryOptions
}

func (s *scripted) read(ctx context.Context, q *kvlock.QueryOptions) (string, *kvlock.QueryMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, *q)
	if len(s.results) == 0 {
		return "", nil, context.Canceled
	}
	r := s.results[0]
	s.results = s.results[1:]
	if r.err != nil {
		return "", nil, r.err
	}
	return r.v, &kvlock.QueryMeta{LastIndex: r.index}, nil
}

type change struct {
	v     string
	index uint64
	reset bool
}

// stopAfter returns backoff.Stop after n retries.
type stopAfter struct {
	n      int
	resets int
}

func (b *stopAfter) NextBackOff() time.Duration {
	if b.n == 0 {
		return backoff.Stop
	}
	b.n--
	return time.Millisecond
}

func (b *stopAfter) Reset() { b.resets++ }

func TestWatchFirstCallDoesNotBlock(t *testing.T) {
	s := &scripted{results: []result{{v: "a", index: 7}, {v: "b", index: 9}}}
	v, idx, err := Watch(context.Background(), s.read, 0, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, uint64(7), idx)

	_, idx, err = Watch(context.Background(), s.read, idx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), idx)

	require.Len(t, s.queries, 2)
	assert.Zero(t, s.queries[0].WaitIndex)
	assert.Zero(t, s.queries[0].WaitTime)
	assert.Equal(t, uint64(7), s.queries[1].WaitIndex)
	assert.Equal(t, 10*time.Second, s.queries[1].WaitTime)
}

func TestWatchMissingIndex(t *testing.T) {
	read := func(context.Context, *kvlock.QueryOptions) (int, *kvlock.QueryMeta, error) {
		return 1, nil, nil
	}
	_, idx, err := Watch(context.Background(), read, 3, time.Second)
	assert.ErrorIs(t, err, kvlock.ErrMissingIndex)
	assert.Equal(t, uint64(3), idx)
}

func TestRun(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		start   uint64
		results []result
		backoff *stopAfter
		want    []change
		wantErr error
		queries []uint64
	}{
		{
			name: "noop wakeups are reissued with the same index",
			results: []result{
				{v: "a", index: 5},
				{v: "a", index: 5},
				{v: "a", index: 5},
				{v: "b", index: 8},
			},
			want:    []change{{v: "a", index: 5}, {v: "b", index: 8}},
			wantErr: context.Canceled,
			queries: []uint64{0, 5, 5, 5, 8},
		},
		{
			name: "index regression resets",
			results: []result{
				{v: "a", index: 10},
				{v: "b", index: 4},
				{v: "c", index: 6},
			},
			want:    []change{{v: "a", index: 10}, {v: "b", index: 4, reset: true}, {v: "c", index: 6}},
			wantErr: context.Canceled,
			queries: []uint64{0, 10, 4, 6},
		},
		{
			name:    "resume from an index skips unchanged state",
			start:   12,
			results: []result{{v: "a", index: 12}, {v: "b", index: 13}},
			want:    []change{{v: "b", index: 13}},
			wantErr: context.Canceled,
			queries: []uint64{12, 12, 13},
		},
		{
			name:    "errors end the loop without a policy",
			results: []result{{v: "a", index: 2}, {err: boom}},
			want:    []change{{v: "a", index: 2}},
			wantErr: boom,
			queries: []uint64{0, 2},
		},
		{
			name:    "errors are retried with a policy",
			results: []result{{err: boom}, {v: "a", index: 2}, {err: boom}, {err: boom}},
			backoff: &stopAfter{n: 2},
			want:    []change{{v: "a", index: 2}},
			wantErr: boom,
			queries: []uint64{0, 0, 2, 2},
		},
		{
			name:    "zero index is not used for the next read",
			results: []result{{v: "a", index: 0}, {v: "b", index: 3}},
			want:    []change{{v: "a", index: 1}, {v: "b", index: 3}},
			wantErr: context.Canceled,
			queries: []uint64{0, 1, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scripted{results: tt.results}
			var got []change
			var errs []error
			o := Options{Index: tt.start, MaxWait: time.Second, OnError: func(err error) { errs = append(errs, err) }}
			if tt.backoff != nil {
				o.BackOff = tt.backoff
			}
			err := Run(context.Background(), s.read, o, func(v string, idx uint64, reset bool) error {
				got = append(got, change{v: v, index: idx, reset: reset})
				return nil
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.want, got)
			var idx []uint64
			for _, q := range s.queries {
				idx = append(idx, q.WaitIndex)
			}
			assert.Equal(t, tt.queries, idx)
			if tt.wantErr == boom {
				assert.NotEmpty(t, errs)
			}
		})
	}
}

func TestRunHandlerErrorEndsLoop(t *testing.T) {
	stop := errors.New("stop")
	s := &scripted{results: []result{{v: "a", index: 1}, {v: "b", index: 2}}}
	calls := 0
	err := Run(context.Background(), s.read, Options{}, func(string, uint64, bool) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func newTestWatcher(t *testing.T, c Config) (Watcher, store.Store, *agenttest.Agent) {
	t.Helper()
	a := agenttest.New(t)
	s := store.NewHTTPKVStore(transport.NewHTTPTransport(transport.Config{Address: a.URL()}, nil), store.Config{}, nil)
	return NewWatcher(s, c, nil), s, a
}

func next(t *testing.T, ch chan *kvlock.Event, within time.Duration) *kvlock.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return ev
	case <-time.After(within):
		require.FailNow(t, "no event received")
	}
	return nil
}

func TestWatchKeyWakesOnChange(t *testing.T) {
	w, s, _ := newTestWatcher(t, Config{MaxWait: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.WatchKey(ctx, "svc/leader")
	first := next(t, ch, time.Second)
	require.NoError(t, first.Err)
	assert.Empty(t, first.Pairs)
	assert.Equal(t, "svc/leader", first.Key)

	_, _, err := s.Put(ctx, &kvlock.KVPair{Key: "svc/leader", Value: []byte("node-1")}, nil)
	require.NoError(t, err)

	ev := next(t, ch, 2*time.Second)
	require.NoError(t, ev.Err)
	require.Len(t, ev.Pairs, 1)
	assert.Equal(t, []byte("node-1"), ev.Pairs[0].Value)
	assert.Greater(t, ev.Index, first.Index)
	assert.False(t, ev.Reset)
}

func TestWatchPrefixDeliversToCallerChannel(t *testing.T) {
	w, s, _ := newTestWatcher(t, Config{MaxWait: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan *kvlock.Event, 4)
	w.WatchPrefixCh(ctx, "cfg/", ch)
	first := next(t, ch, time.Second)
	assert.Empty(t, first.Pairs)
	assert.Equal(t, "cfg/", first.Prefix)

	for _, k := range []string{"cfg/a", "cfg/b"} {
		_, _, err := s.Put(ctx, &kvlock.KVPair{Key: k}, nil)
		require.NoError(t, err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if len(ev.Pairs) == 2 {
				return
			}
		case <-deadline:
			require.FailNow(t, "prefix watch did not observe both keys")
		}
	}
}

func TestWatchIndexRegression(t *testing.T) {
	w, s, a := newTestWatcher(t, Config{MaxWait: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		_, _, err := s.Put(ctx, &kvlock.KVPair{Key: "k", Value: []byte{byte(i)}}, nil)
		require.NoError(t, err)
	}

	ch := w.WatchKey(ctx, "k")
	first := next(t, ch, time.Second)
	a.ResetIndex(2)
	ev := next(t, ch, 2*time.Second)
	assert.True(t, ev.Reset)
	assert.Less(t, ev.Index, first.Index)
}

func TestWatchCancelReturnsPromptly(t *testing.T) {
	w, _, _ := newTestWatcher(t, Config{MaxWait: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	ch := w.WatchKey(ctx, "idle")
	next(t, ch, time.Second)

	start := time.Now()
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "watch did not stop after cancel")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWatchErrorIsDelivered(t *testing.T) {
	s := store.NewHTTPKVStore(transport.NewHTTPTransport(transport.Config{Address: "127.0.0.1:1"}, nil), store.Config{}, nil)
	w := NewWatcher(s, Config{}, nil)
	ch := w.WatchKey(context.Background(), "k")
	ev := next(t, ch, 5*time.Second)
	assert.ErrorIs(t, ev.Err, kvlock.ErrRequestFailed)
	_, ok := <-ch
	assert.False(t, ok)
}
