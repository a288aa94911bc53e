// Package kvlock holds the types shared by the kv store, watch, session and lock
// packages: key/value pairs, sessions, query options and the change events
// emitted by watchers.
package kvlock

import (
	"time"
)

// KVPair is a single key/value entry as returned by the agent.
type KVPair struct {
	Key         string `json:"Key"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
	LockIndex   uint64 `json:"LockIndex"`
	Flags       uint64 `json:"Flags"`
	// Value is base64 encoded on the wire; null decodes to nil.
	Value []byte `json:"Value"`
	// Session is the id of the session holding the lock on this key, if any.
	Session string `json:"Session,omitempty"`
}

// Locked reports whether the pair is currently held by a session.
func (p *KVPair) Locked() bool {
	return p != nil && p.Session != ""
}

type SessionBehavior string

const (
	SessionBehaviorRelease SessionBehavior = "release"
	SessionBehaviorDelete  SessionBehavior = "delete"
)

// SessionEntry describes a session known to the agent.
type SessionEntry struct {
	ID          string          `json:"ID"`
	Name        string          `json:"Name"`
	Node        string          `json:"Node"`
	TTL         string          `json:"TTL"`
	LockDelay   time.Duration   `json:"LockDelay"`
	Behavior    SessionBehavior `json:"Behavior"`
	Checks      []string        `json:"Checks"`
	CreateIndex uint64          `json:"CreateIndex"`
	ModifyIndex uint64          `json:"ModifyIndex"`
}

// QueryOptions are the read parameters understood by the agent.
type QueryOptions struct {
	Datacenter string
	// WaitIndex turns the read into a blocking query when non-zero.
	WaitIndex uint64
	// WaitTime bounds how long the agent holds a blocking query.
	WaitTime          time.Duration
	Token             string
	RequireConsistent bool
	AllowStale        bool
}

// WriteOptions are the write parameters understood by the agent.
type WriteOptions struct {
	Datacenter string
	Token      string
}

// QueryMeta is returned with every read.
type QueryMeta struct {
	// LastIndex is the change index of the queried data.
	LastIndex   uint64
	KnownLeader bool
	RequestTime time.Duration
}

// WriteMeta is returned with every write.
type WriteMeta struct {
	RequestTime time.Duration
}

// Event is emitted by watchers whenever the watched data changes, and is the
// payload carried over the change feed.
type Event struct {
	Subject string    `json:"subject,omitempty"`
	Key     string    `json:"key,omitempty"`
	Prefix  string    `json:"prefix,omitempty"`
	Pairs   []*KVPair `json:"pairs"`
	Index   uint64    `json:"index"`
	// Reset is set when the agent returned an index lower than the previous one.
	Reset bool `json:"reset,omitempty"`
	// Err is set when the read failed; it is not serialized.
	Err error `json:"-"`
	// Sequence is the stream sequence stamped by the subscriber.
	Sequence uint64 `json:"-"`
}
