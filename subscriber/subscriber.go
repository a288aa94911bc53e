package subscriber

import (
	"context"
	"time"

	"github.com/yndd/kvlock"
)

type Subscriber interface {
	// Subscribe delivers events published after the subscription starts.
	Subscribe(ctx context.Context, name, subject string) chan *kvlock.Event
	SubscribeCh(ctx context.Context, name, subject string, ch chan *kvlock.Event)
	//
	SubscribeAll(ctx context.Context, name, subject string) chan *kvlock.Event
	SubscribeAllCh(ctx context.Context, name, subject string, ch chan *kvlock.Event)
	//
	SubscribeLast(ctx context.Context, name, subject string) chan *kvlock.Event
	SubscribeLastCh(ctx context.Context, name, subject string, ch chan *kvlock.Event)
	// SubscribeLastPerSubject starts with the latest state of every watched
	// key or prefix.
	SubscribeLastPerSubject(ctx context.Context, name, subject string) chan *kvlock.Event
	SubscribeLastPerSubjectCh(ctx context.Context, name, subject string, ch chan *kvlock.Event)
	//
	SubscribeSeq(ctx context.Context, name, subject string, seq uint64) chan *kvlock.Event
	SubscribeSeqCh(ctx context.Context, name, subject string, seq uint64, ch chan *kvlock.Event)
	//
	SubscribeSince(ctx context.Context, name, subject string, ts time.Time) chan *kvlock.Event
	SubscribeSinceCh(ctx context.Context, name, subject string, ts time.Time, ch chan *kvlock.Event)
	//
	Stop()
}
