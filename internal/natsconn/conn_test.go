package natsconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestJetStreamHonoursCancelledContext(t *testing.T) {
	c := New(Config{Address: "nats://127.0.0.1:1"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.JetStream(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJetStreamRetriesUntilDeadline(t *testing.T) {
	c := New(Config{Address: "nats://127.0.0.1:1", ReconnectWait: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	calls := 0
	start := time.Now()
	_, err := c.JetStream(ctx, func(nats.JetStreamContext) error {
		calls++
		return errors.New("unreachable")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, calls, "setup runs only on a connected client")
	assert.Less(t, time.Since(start), 2*time.Second)
	c.Close()
}

func TestDefaults(t *testing.T) {
	c := New(Config{}, nil)
	assert.Equal(t, nats.DefaultURL, c.Address)
	assert.Equal(t, defaultReconnectWait, c.ReconnectWait)
}
