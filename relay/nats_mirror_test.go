package relay

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/internal/natstest"
)

func TestNATSMirror(t *testing.T) {
	url := natstest.Run(t)
	ctx := context.Background()
	m, err := NewNATSMirror(ctx, MirrorConfig{Address: url, Bucket: "mirror", History: 2}, nil)
	require.NoError(t, err)
	defer m.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	kv, err := js.KeyValue("mirror")
	require.NoError(t, err)

	value := func(key string) string {
		e, err := kv.Get(MirrorKey(key))
		if err != nil {
			return ""
		}
		return string(e.Value())
	}

	require.NoError(t, m.Publish(ctx, &kvlock.Event{Prefix: "svc/", Index: 4, Pairs: []*kvlock.KVPair{
		{Key: "svc/a b", ModifyIndex: 3, Value: []byte("1")},
		{Key: "svc/a_b", ModifyIndex: 4, Value: []byte("2")},
	}}))
	assert.Equal(t, "1", value("svc/a b"))
	assert.Equal(t, "2", value("svc/a_b"))

	// a reset to an older state drops keys it no longer carries
	require.NoError(t, m.Publish(ctx, &kvlock.Event{Prefix: "svc/", Index: 3, Reset: true, Pairs: []*kvlock.KVPair{
		{Key: "svc/a b", ModifyIndex: 3, Value: []byte("1")},
	}}))
	assert.Equal(t, "1", value("svc/a b"))
	_, err = kv.Get(MirrorKey("svc/a_b"))
	assert.ErrorIs(t, err, nats.ErrKeyNotFound)

	keys, err := kv.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	back, err := KeyFromMirror(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "svc/a b", back)
}

func TestNATSMirrorBindsExistingBucket(t *testing.T) {
	url := natstest.Run(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		m, err := NewNATSMirror(ctx, MirrorConfig{Address: url}, nil)
		require.NoError(t, err)
		m.Close()
	}
}
