package lock

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/internal/agenttest"
	"github.com/yndd/kvlock/metrics"
	"github.com/yndd/kvlock/session"
	"github.com/yndd/kvlock/store"
	"github.com/yndd/kvlock/transport"
)

type env struct {
	agent    *agenttest.Agent
	kv       store.Store
	sessions session.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	a := agenttest.New(t)
	tr := transport.NewHTTPTransport(transport.Config{Address: a.URL()}, nil)
	return &env{
		agent:    a,
		kv:       store.NewHTTPKVStore(tr, store.Config{}, nil),
		sessions: session.NewHTTPManager(tr, session.Config{RenewInterval: 20 * time.Millisecond}, nil),
	}
}

func (e *env) session(t *testing.T, delay time.Duration) string {
	t.Helper()
	s, err := e.sessions.Create(context.Background(), &kvlock.SessionEntry{Name: t.Name(), TTL: "15s", LockDelay: delay}, nil)
	require.NoError(t, err)
	return s.ID
}

func (e *env) lock(t *testing.T, c Config) Lock {
	t.Helper()
	if c.RetryDelay == 0 {
		c.RetryDelay = 20 * time.Millisecond
	}
	if c.MaxWait == 0 {
		c.MaxWait = 5 * time.Second
	}
	l, err := New(e.kv, e.sessions, c, nil)
	require.NoError(t, err)
	// runs before the agent is closed
	t.Cleanup(func() {
		if l.Held() {
			_, _ = l.Release(context.Background())
		}
	})
	return l
}

func waitLost(t *testing.T, l Lock) {
	t.Helper()
	select {
	case <-l.Lost():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "lock loss not signalled")
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil, Config{}, nil)
	assert.ErrorIs(t, err, kvlock.ErrInvalidOption)
	_, err = New(nil, nil, Config{Key: "k"}, nil)
	assert.ErrorIs(t, err, kvlock.ErrInvalidOption)
	l, err := New(nil, nil, Config{Key: "k", SessionID: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s", l.SessionID())
}

func TestLockHandoff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s1, s2 := e.session(t, 0), e.session(t, 0)
	l1 := e.lock(t, Config{Key: "lock/a", Value: []byte("held"), SessionID: s1})
	l2 := e.lock(t, Config{Key: "lock/a", Value: []byte("held"), SessionID: s2})

	r, err := l1.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, r)
	assert.True(t, l1.Held())

	r, err = l2.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Contended, r)
	assert.False(t, l2.Held())

	ok, err := l1.Release(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, l1.Held())

	r, err = l2.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, r)

	p := e.agent.Pair("lock/a")
	require.NotNil(t, p)
	assert.Equal(t, s2, p.Session)
	assert.Equal(t, []byte("held"), p.Value)
	assert.Equal(t, uint64(2), p.LockIndex)

	// voluntary release is not a loss
	select {
	case <-l1.Lost():
		t.Fatal("released lock reported lost")
	default:
	}
	_, err = l2.Release(ctx)
	require.NoError(t, err)
}

func TestAcquireTwiceIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.lock(t, Config{Key: "lock/b", SessionID: e.session(t, 0)})
	_, err := l.Acquire(ctx, false)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, false)
	assert.ErrorIs(t, err, kvlock.ErrLockHeld)
	_, err = l.Release(ctx)
	require.NoError(t, err)
	_, err = l.Release(ctx)
	assert.ErrorIs(t, err, kvlock.ErrLockNotHeld)
}

func TestBlockingAcquireWakesOnRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l1 := e.lock(t, Config{Key: "lock/c", SessionID: e.session(t, 0)})
	l2 := e.lock(t, Config{Key: "lock/c", SessionID: e.session(t, 0)})
	_, err := l1.Acquire(ctx, false)
	require.NoError(t, err)

	type outcome struct {
		r   Result
		err error
	}
	got := make(chan outcome, 1)
	go func() {
		r, err := l2.Acquire(ctx, true)
		got <- outcome{r, err}
	}()

	select {
	case o := <-got:
		t.Fatalf("blocking acquire returned while held: %v %v", o.r, o.err)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = l1.Release(ctx)
	require.NoError(t, err)
	select {
	case o := <-got:
		require.NoError(t, o.err)
		assert.Equal(t, Acquired, o.r)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking acquire did not wake on release")
	}
	_, err = l2.Release(ctx)
	require.NoError(t, err)
}

func TestBlockingAcquireHonoursCancellation(t *testing.T) {
	e := newEnv(t)
	l1 := e.lock(t, Config{Key: "lock/d", SessionID: e.session(t, 0)})
	l2 := e.lock(t, Config{Key: "lock/d", SessionID: e.session(t, 0)})
	_, err := l1.Acquire(context.Background(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	r, err := l2.Acquire(ctx, true)
	assert.Equal(t, Contended, r)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBlockingAcquireWaitsOutLockDelay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s1 := e.session(t, 300*time.Millisecond)
	l1 := e.lock(t, Config{Key: "lock/e", SessionID: s1})
	_, err := l1.Acquire(ctx, false)
	require.NoError(t, err)

	e.agent.Expire(s1)
	waitLost(t, l1)

	l2 := e.lock(t, Config{Key: "lock/e", SessionID: e.session(t, 0)})
	r, err := l2.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Contended, r, "lock delay must refuse an immediate acquire")

	start := time.Now()
	r, err = l2.Acquire(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, Acquired, r)
	assert.Less(t, time.Since(start), 2*time.Second)
	_, err = l2.Release(ctx)
	require.NoError(t, err)
}

func TestOwnedSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	l := e.lock(t, Config{Key: "lock/f", SessionTTL: "10s", Metrics: m})

	r, err := l.Acquire(ctx, false)
	require.NoError(t, err)
	require.Equal(t, Acquired, r)
	sid := l.SessionID()
	require.NotEmpty(t, sid)
	info, _, err := e.sessions.Info(ctx, sid, nil)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "10s", info.TTL)

	ok, err := l.Release(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	info, _, err = e.sessions.Info(ctx, sid, nil)
	require.NoError(t, err)
	assert.Nil(t, info, "owned session must be destroyed on release")
}

func TestContendedOwnedSessionIsDestroyed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	holder := e.lock(t, Config{Key: "lock/g", SessionID: e.session(t, 0)})
	_, err := holder.Acquire(ctx, false)
	require.NoError(t, err)

	l := e.lock(t, Config{Key: "lock/g"})
	r, err := l.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Contended, r)

	list, _, err := e.sessions.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1, "only the holder's session remains")
}

func TestLostWhenSessionExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.lock(t, Config{Key: "lock/h"})
	_, err := l.Acquire(ctx, false)
	require.NoError(t, err)

	e.agent.Expire(l.SessionID())
	waitLost(t, l)
	assert.False(t, l.Held())

	ok, err := l.Release(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLostWhenKeyIsDeleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.lock(t, Config{Key: "lock/i", SessionID: e.session(t, 0)})
	_, err := l.Acquire(ctx, false)
	require.NoError(t, err)

	_, _, err = e.kv.Delete(ctx, "lock/i", nil)
	require.NoError(t, err)
	waitLost(t, l)

	// a lost lock can be acquired again
	r, err := l.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, r)
	assert.True(t, l.Held())
	_, err = l.Release(ctx)
	require.NoError(t, err)
}

func TestLostWhenKeepAliveFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sm := session.NewHTTPManager(
		transport.NewHTTPTransport(transport.Config{Address: e.agent.URL()}, nil),
		session.Config{RenewInterval: 10 * time.Millisecond, RenewAttempts: 2, RetryInterval: 5 * time.Millisecond},
		nil,
	)
	sid := e.session(t, 0)
	ka := sm.KeepAlive(ctx, sid, 15*time.Second)
	defer ka.Stop()

	l := e.lock(t, Config{Key: "lock/j", KeepAlive: ka})
	assert.Equal(t, sid, l.SessionID())
	_, err := l.Acquire(ctx, false)
	require.NoError(t, err)

	e.agent.FailRenew(100, 500)
	waitLost(t, l)
	assert.ErrorIs(t, ka.Err(), kvlock.ErrSessionLost)
}
