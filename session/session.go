package session

import (
	"context"
	"time"

	"github.com/yndd/kvlock"
)

const (
	// DefaultTTL is used for sessions created without a TTL by the lock package
	// and for keep-alives started without one.
	DefaultTTL = 15 * time.Second

	MinTTL       = 10 * time.Second
	MaxTTL       = 86400 * time.Second
	MaxLockDelay = 60 * time.Second

	defaultRenewAttempts = 10
	defaultRetryInterval = 2 * time.Second
)

type Manager interface {
	// Create requests a new session described by e. ID, CreateIndex and
	// ModifyIndex are ignored. The returned entry is the one the agent
	// stored, or e with its new ID when it cannot be read back.
	Create(ctx context.Context, e *kvlock.SessionEntry, w *kvlock.WriteOptions) (*kvlock.SessionEntry, error)
	// Renew extends the session TTL. It returns nil without error when the
	// session no longer exists.
	Renew(ctx context.Context, id string, w *kvlock.WriteOptions) (*kvlock.SessionEntry, error)
	// Destroy is idempotent.
	Destroy(ctx context.Context, id string, w *kvlock.WriteOptions) (bool, error)
	// Info returns nil without error when the session does not exist.
	Info(ctx context.Context, id string, q *kvlock.QueryOptions) (*kvlock.SessionEntry, *kvlock.QueryMeta, error)
	List(ctx context.Context, q *kvlock.QueryOptions) ([]*kvlock.SessionEntry, *kvlock.QueryMeta, error)
	Node(ctx context.Context, node string, q *kvlock.QueryOptions) ([]*kvlock.SessionEntry, *kvlock.QueryMeta, error)
	// KeepAlive renews the session in the background until it is stopped, ctx
	// is done, or the session is lost.
	KeepAlive(ctx context.Context, id string, ttl time.Duration) *KeepAlive
}
