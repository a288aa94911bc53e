package publisher

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/internal/natsconn"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const (
	defaultStreamName  = "KVLOCK"
	defaultSubjectRoot = "kvlock"
)

type natsPublisher struct {
	Config
	logger logging.Logger
	conn   *natsconn.Conn
}

type Config struct {
	Address    string
	StreamName string
	// Subjects bound to the stream; defaults to every subject below "kvlock".
	Subjects []string
}

func NewNATSPublisher(c Config, l logging.Logger) Publisher {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.StreamName == "" {
		c.StreamName = defaultStreamName
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{defaultSubjectRoot + ".>"}
	}
	l = l.WithValues("stream", c.StreamName)
	return &natsPublisher{
		Config: c,
		logger: l,
		conn:   natsconn.New(natsconn.Config{Address: c.Address}, l),
	}
}

// Publish publishes ev on ev.Subject, connecting and creating the stream first
// when needed.
func (p *natsPublisher) Publish(ctx context.Context, ev *kvlock.Event) error {
	if ev.Subject == "" {
		return fmt.Errorf("%w: event without subject", kvlock.ErrInvalidOption)
	}
	jsc, err := p.conn.JetStream(ctx, p.setup)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, jsc, ev); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// PublishFromCh reads events from channel ch and publishes them,
// until ctx is Done or the channel is closed.
func (p *natsPublisher) PublishFromCh(ctx context.Context, ch chan *kvlock.Event) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("nats publisher stopped", "error", ctx.Err())
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Err != nil {
				p.logger.Info("skipping failed watch event", "key", ev.Key, "prefix", ev.Prefix, "error", ev.Err)
				continue
			}
			// one retry on a fresh connection, then the event is dropped
			for attempt := 0; attempt < 2; attempt++ {
				err := p.Publish(ctx, ev)
				if err == nil || ctx.Err() != nil {
					break
				}
				p.logger.Info("JetStream Publish error", "subject", ev.Subject, "attempt", attempt+1, "error", err)
				if errors.Is(err, kvlock.ErrInvalidOption) {
					break
				}
			}
		}
	}
}

func (p *natsPublisher) Close() {
	p.conn.Close()
}

func (p *natsPublisher) setup(js nats.JetStreamContext) error {
	return createStream(js, &nats.StreamConfig{
		Name:     p.StreamName,
		Subjects: p.Subjects,
	})
}

// createStream creates a stream if it does not exist using JetStreamContext
func createStream(js nats.JetStreamContext, str *nats.StreamConfig) error {
	stream, err := js.StreamInfo(str.Name)
	if err != nil {
		// ignore Notfound error and continue
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
	}
	if stream == nil {
		_, err = js.AddStream(str)
		if err != nil {
			return err
		}
	}
	return nil
}

// publish encodes the event as JSON and publishes it to ev.Subject
func (p *natsPublisher) publish(ctx context.Context, jsc nats.JetStreamContext, ev *kvlock.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.logger.Debug("publish", "subject", ev.Subject, "index", ev.Index, "pairs", len(ev.Pairs))
	_, err = jsc.Publish(ev.Subject, b, nats.Context(ctx))
	return err
}
