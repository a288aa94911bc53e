package session

import (
	"context"
	"sync"
)

// KeepAlive is a running renew loop for one session.
type KeepAlive struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}

	mu  sync.Mutex
	err error
}

func newKeepAlive(id string, cancel context.CancelFunc) *KeepAlive {
	return &KeepAlive{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
}

// ID is the renewed session.
func (k *KeepAlive) ID() string {
	return k.id
}

// Lost is closed when the session expired, was destroyed, or could not be
// renewed within the retry budget.
func (k *KeepAlive) Lost() <-chan struct{} {
	return k.lost
}

// Done is closed when the loop has exited for any reason.
func (k *KeepAlive) Done() <-chan struct{} {
	return k.done
}

// Err is nil while running and after Stop; it wraps kvlock.ErrSessionLost
// once Lost is closed.
func (k *KeepAlive) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Stop ends the loop and waits for it to exit. It does not destroy the session.
func (k *KeepAlive) Stop() {
	k.cancel()
	<-k.done
}

func (k *KeepAlive) setLost(err error) {
	k.mu.Lock()
	k.err = err
	k.mu.Unlock()
	close(k.lost)
}
