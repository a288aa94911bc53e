// Package lock implements distributed locks on top of KV acquire/release and
// sessions. A lock is held while the key names our session and the session is
// alive; either condition going away revokes it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/metrics"
	"github.com/yndd/kvlock/session"
	"github.com/yndd/kvlock/store"
	"github.com/yndd/kvlock/watch"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const (
	defaultSessionName = "kvlock"
	defaultSessionTTL  = "15s"
	defaultRetryDelay  = 5 * time.Second
	defaultMaxWait     = 5 * time.Minute
)

var errKeyChanged = errors.New("lock key no longer held by session")

type Result int

const (
	Contended Result = iota
	Acquired
)

func (r Result) String() string {
	if r == Acquired {
		return "acquired"
	}
	return "contended"
}

type Lock interface {
	// Acquire claims the key. Without block a held key yields Contended; with
	// block it waits for the holder to go away and retries until ctx is done.
	Acquire(ctx context.Context, block bool) (Result, error)
	// Release gives up the key and, when the lock created its own session,
	// destroys that session. It reports false when the key was no longer ours.
	Release(ctx context.Context) (bool, error)
	// Lost is closed when a held lock is revoked without Release. It refers to
	// the most recent acquisition.
	Lost() <-chan struct{}
	Held() bool
	SessionID() string
}

type Config struct {
	Key   string
	Value []byte
	Flags uint64

	// SessionID is an existing session to lock with. KeepAlive, when set, is the
	// running keep-alive of that session and lets the lock observe its loss.
	SessionID string
	KeepAlive *session.KeepAlive

	// Used when the lock creates its own session.
	SessionName string
	SessionTTL  string
	LockDelay   time.Duration
	Behavior    kvlock.SessionBehavior

	// RetryDelay is the pause before retrying an acquire refused on a free key,
	// as happens during a lock delay.
	RetryDelay time.Duration
	MaxWait    time.Duration
	Datacenter string
	Token      string
	Metrics    *metrics.Metrics
}

type sessionLock struct {
	Config
	logger   logging.Logger
	kv       store.Store
	sessions session.Manager

	mu        sync.Mutex
	acquiring bool
	acquired  bool
	dropped   bool
	sessionID string
	keepAlive *session.KeepAlive
	owned     bool
	lost      chan struct{}
	stop      context.CancelFunc
	done      chan struct{}
}

func New(kv store.Store, sm session.Manager, c Config, l logging.Logger) (Lock, error) {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.Key == "" {
		return nil, fmt.Errorf("%w: empty lock key", kvlock.ErrInvalidOption)
	}
	if c.SessionID == "" && c.KeepAlive != nil {
		c.SessionID = c.KeepAlive.ID()
	}
	if c.SessionID == "" && sm == nil {
		return nil, fmt.Errorf("%w: a session manager is required without a session", kvlock.ErrInvalidOption)
	}
	if c.SessionName == "" {
		c.SessionName = defaultSessionName
	}
	if c.SessionTTL == "" {
		c.SessionTTL = defaultSessionTTL
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	return &sessionLock{
		Config:   c,
		logger:   l.WithValues("key", c.Key),
		kv:       kv,
		sessions: sm,
		lost:     make(chan struct{}),
	}, nil
}

func (l *sessionLock) Acquire(ctx context.Context, block bool) (Result, error) {
	l.mu.Lock()
	if (l.acquired && !l.dropped) || l.acquiring {
		l.mu.Unlock()
		return Contended, kvlock.ErrLockHeld
	}
	l.acquiring = true
	stale := l.acquired
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.acquiring = false
		l.mu.Unlock()
	}()
	if stale {
		// a lost lock is cleaned up before trying again
		l.forget(ctx)
	}

	sid, ka, owned, err := l.session(ctx)
	if err != nil {
		l.Metrics.LockAcquire("error")
		return Contended, err
	}
	r, err := l.acquire(ctx, sid, ka, owned, block)
	if r != Acquired && owned {
		l.dropSession(ctx, sid, ka)
	}
	switch {
	case err != nil:
		l.Metrics.LockAcquire("error")
	default:
		l.Metrics.LockAcquire(r.String())
	}
	return r, err
}

func (l *sessionLock) acquire(ctx context.Context, sid string, ka *session.KeepAlive, owned, block bool) (Result, error) {
	ctx, cancel := untilLost(ctx, ka)
	defer cancel(nil)
	logger := l.logger.WithValues("session", sid)
	pair := &kvlock.KVPair{Key: l.Key, Value: l.Value, Flags: l.Flags, Session: sid}
	read := watch.KeyReader(l.kv, l.Key, l.query)

	for {
		ok, _, err := l.kv.Acquire(ctx, pair, l.write())
		if err != nil {
			return Contended, cause(ctx, err)
		}
		if ok {
			l.hold(sid, ka, owned, read)
			logger.Info("lock acquired")
			return Acquired, nil
		}
		if !block {
			logger.Debug("lock contended")
			return Contended, nil
		}
		logger.Debug("lock contended, waiting for release")
		free, err := l.waitFree(ctx, read)
		if err != nil {
			return Contended, cause(ctx, err)
		}
		if free {
			// refused on a free key: the lock delay of a lost holder is running
			t := time.NewTimer(l.RetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return Contended, cause(ctx, ctx.Err())
			}
		}
	}
}

// waitFree blocks until the key is not held by any session. It reports true
// when the key was already free on the first read.
func (l *sessionLock) waitFree(ctx context.Context, read watch.ReadFunc[[]*kvlock.KVPair]) (bool, error) {
	var idx uint64
	for first := true; ; first = false {
		pairs, next, err := watch.Watch(ctx, read, idx, l.MaxWait)
		if err != nil {
			return false, err
		}
		if len(pairs) == 0 || pairs[0].Session == "" {
			return first, nil
		}
		if next == 0 {
			next = 1
		}
		idx = next
	}
}

// hold records the acquisition and starts the monitor.
func (l *sessionLock) hold(sid string, ka *session.KeepAlive, owned bool, read watch.ReadFunc[[]*kvlock.KVPair]) {
	ctx, stop := context.WithCancel(context.Background())
	lost := make(chan struct{})
	done := make(chan struct{})

	l.mu.Lock()
	l.acquired = true
	l.dropped = false
	l.sessionID = sid
	l.keepAlive = ka
	l.owned = owned
	l.lost = lost
	l.stop = stop
	l.done = done
	l.mu.Unlock()

	go l.monitor(ctx, sid, ka, read, lost, done)
}

// monitor watches the key until it stops naming sid or the session is lost.
func (l *sessionLock) monitor(ctx context.Context, sid string, ka *session.KeepAlive, read watch.ReadFunc[[]*kvlock.KVPair], lost, done chan struct{}) {
	defer close(done)
	logger := l.logger.WithValues("session", sid)
	ctx, cancel := untilLost(ctx, ka)
	defer cancel(nil)

	o := watch.Options{
		MaxWait: l.MaxWait,
		BackOff: backoff.NewConstantBackOff(l.RetryDelay),
		Metrics: l.Metrics,
		OnError: func(err error) {
			logger.Info("lock monitor read failed", "error", err)
		},
	}
	err := watch.Run(ctx, read, o, func(pairs []*kvlock.KVPair, _ uint64, _ bool) error {
		if len(pairs) == 0 || pairs[0].Session != sid {
			return errKeyChanged
		}
		return nil
	})
	switch c := context.Cause(ctx); {
	case errors.Is(err, errKeyChanged):
		logger.Info("lock lost", "reason", "key no longer held by session")
	case errors.Is(c, kvlock.ErrSessionLost):
		logger.Info("lock lost", "reason", c.Error())
	default:
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost == lost && !l.dropped {
		l.dropped = true
		close(lost)
		l.Metrics.LockDropped(true)
	}
}

func (l *sessionLock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if !l.acquired {
		l.mu.Unlock()
		return false, kvlock.ErrLockNotHeld
	}
	sid, ka, owned, stop, done := l.sessionID, l.keepAlive, l.owned, l.stop, l.done
	l.mu.Unlock()

	stop()
	<-done

	ok, _, err := l.kv.Release(ctx, &kvlock.KVPair{Key: l.Key, Value: l.Value, Flags: l.Flags, Session: sid}, l.write())

	l.mu.Lock()
	l.acquired = false
	if !l.dropped {
		l.dropped = true
		l.Metrics.LockDropped(false)
	}
	l.mu.Unlock()

	if owned {
		l.dropSession(ctx, sid, ka)
	}
	if err != nil {
		return false, err
	}
	l.logger.Info("lock released", "session", sid, "held", ok)
	return ok, nil
}

// forget stops the monitor of a lost acquisition and destroys its owned session.
func (l *sessionLock) forget(ctx context.Context) {
	l.mu.Lock()
	sid, ka, owned, stop, done := l.sessionID, l.keepAlive, l.owned, l.stop, l.done
	l.acquired = false
	l.mu.Unlock()
	stop()
	<-done
	if owned {
		l.dropSession(ctx, sid, ka)
	}
}

func (l *sessionLock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *sessionLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired && !l.dropped
}

func (l *sessionLock) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessionID != "" {
		return l.sessionID
	}
	return l.Config.SessionID
}

// session returns the session to lock with, creating one with a running
// keep-alive when none was configured.
func (l *sessionLock) session(ctx context.Context) (string, *session.KeepAlive, bool, error) {
	if l.Config.SessionID != "" {
		return l.Config.SessionID, l.KeepAlive, false, nil
	}
	e, err := l.sessions.Create(ctx, &kvlock.SessionEntry{
		Name:      l.SessionName,
		TTL:       l.SessionTTL,
		LockDelay: l.LockDelay,
		Behavior:  l.Behavior,
	}, l.write())
	if err != nil {
		return "", nil, false, err
	}
	ttl, _ := time.ParseDuration(e.TTL)
	ka := l.sessions.KeepAlive(context.WithoutCancel(ctx), e.ID, ttl)
	l.logger.Debug("lock session created", "session", e.ID, "ttl", e.TTL)
	return e.ID, ka, true, nil
}

// dropSession stops the keep-alive of an owned session and destroys it.
func (l *sessionLock) dropSession(ctx context.Context, sid string, ka *session.KeepAlive) {
	if ka != nil {
		ka.Stop()
	}
	if _, err := l.sessions.Destroy(context.WithoutCancel(ctx), sid, l.write()); err != nil {
		l.logger.Info("lock session destroy failed", "session", sid, "error", err)
	}
}

func (l *sessionLock) query(q *kvlock.QueryOptions) *kvlock.QueryOptions {
	q.Datacenter = l.Datacenter
	q.Token = l.Token
	q.RequireConsistent = true
	return q
}

func (l *sessionLock) write() *kvlock.WriteOptions {
	return &kvlock.WriteOptions{Datacenter: l.Datacenter, Token: l.Token}
}

// untilLost derives a context that is cancelled with the keep-alive error once
// the session is lost.
func untilLost(ctx context.Context, ka *session.KeepAlive) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	if ka == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-ka.Lost():
			cancel(ka.Err())
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// cause prefers the session loss over the transport error it provoked.
func cause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); c != nil && errors.Is(c, kvlock.ErrSessionLost) {
		return c
	}
	return err
}
