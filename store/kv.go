package store

import (
	"context"

	"github.com/yndd/kvlock"
)

type Store interface {
	// Get returns nil without error when the key does not exist.
	Get(ctx context.Context, key string, q *kvlock.QueryOptions) (*kvlock.KVPair, *kvlock.QueryMeta, error)
	// List returns every pair under prefix; empty when the prefix is absent.
	List(ctx context.Context, prefix string, q *kvlock.QueryOptions) ([]*kvlock.KVPair, *kvlock.QueryMeta, error)
	Keys(ctx context.Context, prefix, separator string, q *kvlock.QueryOptions) ([]string, *kvlock.QueryMeta, error)
	//
	Put(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
	// CAS writes p only if the stored ModifyIndex still equals p.ModifyIndex.
	CAS(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
	DeleteCAS(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
	DeleteTree(ctx context.Context, prefix string, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
	//
	// Acquire sets the value and claims the lock for p.Session.
	Acquire(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
	// Release drops the lock held by p.Session.
	Release(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error)
}
