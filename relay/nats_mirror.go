package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/internal/natsconn"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const defaultBucketName = "kvlock"

type StorageType string

const (
	Memory StorageType = "memory"
	File   StorageType = "file"
)

// Mirror is a Sink that keeps a NATS KV bucket in step with the relayed pairs.
type Mirror interface {
	Sink
	Close()
}

type MirrorConfig struct {
	Address      string
	Bucket       string
	Description  string
	MaxValueSize int32
	History      uint8
	TTL          time.Duration
	MaxBytes     int64
	Storage      StorageType
	Replicas     int
}

type natsMirror struct {
	MirrorConfig
	logger logging.Logger
	conn   *natsconn.Conn
	m      sync.Mutex
	kv     nats.KeyValue
	// modify index of every mirrored key, per watched key or prefix
	known map[string]map[string]uint64
}

func NewNATSMirror(ctx context.Context, c MirrorConfig, l logging.Logger) (Mirror, error) {
	if c.Bucket == "" {
		c.Bucket = defaultBucketName
	}
	if l == nil {
		l = logging.NewNopLogger()
	}
	n := &natsMirror{
		MirrorConfig: c,
		logger:       l.WithValues("bucket", c.Bucket),
		known:        map[string]map[string]uint64{},
	}
	n.conn = natsconn.New(natsconn.Config{Address: c.Address}, n.logger)
	if _, err := n.conn.JetStream(ctx, n.bind); err != nil {
		return nil, err
	}
	return n, nil
}

// bind looks up the bucket and creates it when missing.
func (n *natsMirror) bind(js nats.JetStreamContext) error {
	kv, err := js.KeyValue(n.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		storage := nats.MemoryStorage
		if n.Storage == File {
			storage = nats.FileStorage
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:       n.Bucket,
			Description:  n.Description,
			MaxValueSize: n.MaxValueSize,
			History:      n.History,
			TTL:          n.TTL,
			MaxBytes:     n.MaxBytes,
			Storage:      storage,
			Replicas:     n.Replicas,
		})
	}
	if err != nil {
		return err
	}
	n.kv = kv
	return nil
}

// Publish writes the pairs that changed since the previous event of the same
// key or prefix and deletes the ones that disappeared. A reset event rewrites
// every pair.
func (n *natsMirror) Publish(_ context.Context, ev *kvlock.Event) error {
	n.m.Lock()
	defer n.m.Unlock()
	scope := ev.Key + "\x00" + ev.Prefix
	puts, deletes := diff(n.known[scope], ev.Pairs, ev.Reset)

	var errs []error
	for _, p := range puts {
		if _, err := n.kv.Put(MirrorKey(p.Key), p.Value); err != nil {
			errs = append(errs, fmt.Errorf("put %s: %w", p.Key, err))
		}
	}
	for _, k := range deletes {
		if err := n.kv.Delete(MirrorKey(k)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	next := make(map[string]uint64, len(ev.Pairs))
	for _, p := range ev.Pairs {
		next[p.Key] = p.ModifyIndex
	}
	n.known[scope] = next
	n.logger.Debug("mirrored", "index", ev.Index, "puts", len(puts), "deletes", len(deletes))
	return errors.Join(errs...)
}

func (n *natsMirror) Close() {
	n.conn.Close()
}

// diff returns the pairs whose modify index differs from known, or all of them
// when force is set, and the known keys that are no longer present.
func diff(known map[string]uint64, pairs []*kvlock.KVPair, force bool) ([]*kvlock.KVPair, []string) {
	var puts []*kvlock.KVPair
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		seen[p.Key] = true
		if idx, ok := known[p.Key]; ok && idx == p.ModifyIndex && !force {
			continue
		}
		puts = append(puts, p)
	}
	var deletes []string
	for k := range known {
		if !seen[k] {
			deletes = append(deletes, k)
		}
	}
	sort.Strings(deletes)
	return puts, deletes
}

// MirrorKey maps a key to a valid bucket key. Letters, digits, '-', '/', '='
// and inner single dots are kept; any other byte, '_' included, becomes '_'
// followed by two hex digits, so distinct keys never collide.
func MirrorKey(key string) string {
	if key == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '/', c == '=':
		case c == '.' && i > 0 && i < len(key)-1 && key[i-1] != '.':
		default:
			fmt.Fprintf(&b, "_%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// KeyFromMirror reverses MirrorKey.
func KeyFromMirror(key string) (string, error) {
	if key == "_" {
		return "", nil
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		if key[i] != '_' {
			b.WriteByte(key[i])
			continue
		}
		if i+2 >= len(key) {
			return "", fmt.Errorf("%w: truncated escape in %q", kvlock.ErrDecodeFailed, key)
		}
		c, err := strconv.ParseUint(key[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("%w: bad escape in %q", kvlock.ErrDecodeFailed, key)
		}
		b.WriteByte(byte(c))
		i += 2
	}
	return b.String(), nil
}
