package publisher

import (
	"context"

	"github.com/yndd/kvlock"
)

type Publisher interface {
	Publish(ctx context.Context, ev *kvlock.Event) error
	PublishFromCh(ctx context.Context, ch chan *kvlock.Event)
	Close()
}
