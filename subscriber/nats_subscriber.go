package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	jsm "github.com/nats-io/jsm.go"
	"github.com/nats-io/nats.go"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/internal/natsconn"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const (
	reconnectDelay    = time.Second
	defaultBufferSize = 1024
)

var errSubscriptionInvalid = errors.New("subscription no longer valid")

type natsSubscriber struct {
	Config
	logger logging.Logger
	conn   *natsconn.Conn

	stopOnce sync.Once
	stop     chan struct{}
}

type Config struct {
	// Consumer durable name
	Name string
	// NATS address
	Address string
	// consumer buffer size
	BufferSize uint64
}

func NewNATSSubscriber(c Config, l logging.Logger) Subscriber {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	return &natsSubscriber{
		Config: c,
		logger: l,
		conn:   natsconn.New(natsconn.Config{Address: c.Address, ReconnectWait: reconnectDelay}, l),
		stop:   make(chan struct{}),
	}
}

// The channel returned by the non Ch variants is closed when the
// subscription ends.
func (s *natsSubscriber) Subscribe(ctx context.Context, name, subject string) chan *kvlock.Event {
	return s.goSubscribe(ctx, name, subject, nats.DeliverNew())
}

func (s *natsSubscriber) SubscribeCh(ctx context.Context, name, subject string, ch chan *kvlock.Event) {
	s.subscribeCh(ctx, name, subject, ch, nats.DeliverNew())
}

func (s *natsSubscriber) SubscribeAll(ctx context.Context, name, subject string) chan *kvlock.Event {
	return s.goSubscribe(ctx, name, subject, nats.DeliverAll())
}

func (s *natsSubscriber) SubscribeAllCh(ctx context.Context, name, subject string, ch chan *kvlock.Event) {
	s.subscribeCh(ctx, name, subject, ch, nats.DeliverAll())
}

func (s *natsSubscriber) SubscribeLast(ctx context.Context, name, subject string) chan *kvlock.Event {
	return s.goSubscribe(ctx, name, subject, nats.DeliverLast())
}

func (s *natsSubscriber) SubscribeLastCh(ctx context.Context, name, subject string, ch chan *kvlock.Event) {
	s.subscribeCh(ctx, name, subject, ch, nats.DeliverLast())
}

func (s *natsSubscriber) SubscribeLastPerSubject(ctx context.Context, name, subject string) chan *kvlock.Event {
	return s.goSubscribe(ctx, name, subject, nats.DeliverLastPerSubject())
}

func (s *natsSubscriber) SubscribeLastPerSubjectCh(ctx context.Context, name, subject string, ch chan *kvlock.Event) {
	s.subscribeCh(ctx, name, subject, ch, nats.DeliverLastPerSubject())
}

func (s *natsSubscriber) SubscribeSeq(ctx context.Context, name, subject string, seq uint64) chan *kvlock.Event {
	return s.goSubscribe(ctx, name, subject, nats.StartSequence(seq))
}

func (s *natsSubscriber) SubscribeSeqCh(ctx context.Context, name, subject string, seq uint64, ch chan *kvlock.Event) {
	s.subscribeCh(ctx, name, subject, ch, nats.StartSequence(seq))
}

func (s *natsSubscriber) SubscribeSince(ctx context.Context, name, subject string, ts time.Time) chan *kvlock.Event {
	return s.goSubscribe(ctx, name, subject, nats.StartTime(ts))
}

func (s *natsSubscriber) SubscribeSinceCh(ctx context.Context, name, subject string, ts time.Time, ch chan *kvlock.Event) {
	s.subscribeCh(ctx, name, subject, ch, nats.StartTime(ts))
}

func (s *natsSubscriber) goSubscribe(ctx context.Context, name, subject string, opts ...nats.SubOpt) chan *kvlock.Event {
	ch := make(chan *kvlock.Event)
	go func() {
		defer close(ch)
		s.subscribeCh(ctx, name, subject, ch, opts...)
	}()
	return ch
}

// subscribeCh subscribes until ctx is done or Stop is called, subscribing
// again on a fresh connection when the subscription fails.
func (s *natsSubscriber) subscribeCh(ctx context.Context, name, subject string, ch chan *kvlock.Event, opts ...nats.SubOpt) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if name == "" {
		name = s.Name
	}
	if name != "" {
		opts = append(opts, nats.Durable(name))
	}
	logger := s.logger.WithValues("name", name, "subject", subject)
	for {
		jsc, err := s.conn.JetStream(ctx, nil)
		if err != nil {
			logger.Info("nats dial connection failed", "error", err)
			return
		}
		err = s.consume(ctx, jsc, subject, ch, logger, opts...)
		if err == nil || ctx.Err() != nil {
			return
		}
		logger.Info("nats subscribe failed", "error", err)
		s.conn.Close()
		natsconn.Sleep(ctx, reconnectDelay)
	}
}

// consume delivers the messages of one subscription. It returns nil when ctx
// is done or the subscription channel was closed.
func (s *natsSubscriber) consume(ctx context.Context, jsc nats.JetStreamContext, subject string, ch chan *kvlock.Event, logger logging.Logger, opts ...nats.SubOpt) error {
	natsCh := make(chan *nats.Msg, s.BufferSize)
	sub, err := jsc.ChanSubscribe(subject, natsCh, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Debug("unsubscribe failed", "error", err)
		}
	}()
	// a closed connection drops the subscription without closing natsCh
	check := time.NewTicker(reconnectDelay)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-check.C:
			if !sub.IsValid() {
				return errSubscriptionInvalid
			}
		case nm, ok := <-natsCh:
			if !ok {
				return nil
			}
			if err := nm.Ack(nats.Context(ctx)); err != nil {
				logger.Info("msg ack failed", "error", err)
				continue
			}
			msgInfo, err := jsm.ParseJSMsgMetadata(nm)
			if err != nil {
				logger.Info("msg metadata parse failed", "error", err)
				continue
			}
			ev, err := decode(nm.Subject, nm.Data, msgInfo.StreamSequence())
			if err != nil {
				logger.Info("event decode failed", "error", err)
				continue
			}
			logger.Debug("rcvd event", "subject", ev.Subject, "seq", ev.Sequence, "index", ev.Index)
			select {
			case ch <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// decode parses a published event and stamps its stream sequence.
func decode(subject string, data []byte, seq uint64) (*kvlock.Event, error) {
	ev := new(kvlock.Event)
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", kvlock.ErrDecodeFailed, err)
	}
	if ev.Subject == "" {
		ev.Subject = subject
	}
	ev.Sequence = seq
	return ev, nil
}

// Stop ends every subscription, closing the channels returned by the non Ch
// variants, and closes the shared connection.
func (s *natsSubscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.conn.Close()
}
