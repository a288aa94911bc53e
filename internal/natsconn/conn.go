// Package natsconn shares a lazily dialed NATS connection and its JetStream
// context between the change feed components.
package natsconn

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const defaultReconnectWait = time.Second

type Config struct {
	Address string
	// ReconnectWait is the pause between dial attempts and the client's own
	// reconnect wait.
	ReconnectWait time.Duration
}

// SetupFunc prepares a fresh JetStream context, e.g. by creating the stream
// or bucket it relies on. A failure discards the connection.
type SetupFunc func(js nats.JetStreamContext) error

type Conn struct {
	Config
	logger logging.Logger

	m   sync.Mutex
	nc  *nats.Conn
	jsc nats.JetStreamContext
}

func New(c Config, l logging.Logger) *Conn {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.Address == "" {
		c.Address = nats.DefaultURL
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = defaultReconnectWait
	}
	return &Conn{
		Config: c,
		logger: l.WithValues("address", c.Address),
	}
}

// JetStream returns the cached context or dials until it succeeds or ctx is
// done. setup runs once per new connection.
func (c *Conn) JetStream(ctx context.Context, setup SetupFunc) (nats.JetStreamContext, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.nc != nil && c.nc.IsConnected() && c.jsc != nil {
		return c.jsc, nil
	}
	c.closeLocked()
	return backoff.Retry(ctx, func() (nats.JetStreamContext, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		nc, err := nats.Connect(c.Address, c.options()...)
		if err != nil {
			c.logger.Info("nats connection failed", "error", err)
			return nil, err
		}
		jsc, err := nc.JetStream()
		if err != nil {
			c.logger.Info("inconsistent JetStream Options", "error", err)
			nc.Close()
			return nil, err
		}
		if setup != nil {
			if err := setup(jsc); err != nil {
				c.logger.Info("JetStream setup failed", "error", err)
				nc.Close()
				return nil, err
			}
		}
		c.nc, c.jsc = nc, jsc
		return jsc, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.ReconnectWait)),
		backoff.WithMaxElapsedTime(0),
	)
}

// Close drops the connection; the next JetStream call dials again.
func (c *Conn) Close() {
	c.m.Lock()
	defer c.m.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.nc != nil {
		c.nc.Close()
	}
	c.nc, c.jsc = nil, nil
}

func (c *Conn) options() []nats.Option {
	return []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Info("NATS", "error", err)
		}),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("Disconnected from NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Debug("NATS connection is closed")
		}),
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
