// Package relay forwards the state of a watched prefix to sinks such as the
// JetStream change feed or a NATS KV bucket.
package relay

import (
	"context"
	"strings"
	"unicode"

	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/watch"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const defaultSubjectRoot = "kvlock"

// Sink receives every event of a relay. publisher.Publisher satisfies it.
type Sink interface {
	Publish(ctx context.Context, ev *kvlock.Event) error
}

type Config struct {
	Prefix string
	// SubjectRoot is the first subject token of relayed events.
	SubjectRoot string
}

type Relay struct {
	Config
	logger logging.Logger
	w      watch.Watcher
	sinks  []Sink
}

func New(w watch.Watcher, c Config, l logging.Logger, sinks ...Sink) *Relay {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.SubjectRoot == "" {
		c.SubjectRoot = defaultSubjectRoot
	}
	return &Relay{
		Config: c,
		logger: l.WithValues("prefix", c.Prefix),
		w:      w,
		sinks:  sinks,
	}
}

// Run relays until ctx is done or the watch ends. Sink failures are logged and
// do not stop the relay.
func (r *Relay) Run(ctx context.Context) error {
	subject := Subject(r.SubjectRoot, r.Prefix)
	r.logger.Info("relay started", "subject", subject, "sinks", len(r.sinks))
	var last error
	for ev := range r.w.WatchPrefix(ctx, r.Prefix) {
		if ev.Err != nil {
			r.logger.Info("relay watch failed", "error", ev.Err)
			last = ev.Err
			continue
		}
		ev.Subject = subject
		for _, s := range r.sinks {
			if err := s.Publish(ctx, ev); err != nil {
				r.logger.Info("relay publish failed", "subject", subject, "index", ev.Index, "error", err)
			}
		}
	}
	if ctx.Err() != nil {
		r.logger.Info("relay stopped")
		return nil
	}
	return last
}

// Subject maps a key prefix to a subject below root: path segments become
// tokens and characters with a meaning in subjects are replaced.
func Subject(root, prefix string) string {
	if root == "" {
		root = defaultSubjectRoot
	}
	var tokens []string
	for _, seg := range strings.Split(prefix, "/") {
		if seg == "" {
			continue
		}
		tokens = append(tokens, strings.Map(func(c rune) rune {
			if c == '.' || c == '*' || c == '>' || unicode.IsSpace(c) {
				return '_'
			}
			return c
		}, seg))
	}
	if len(tokens) == 0 {
		tokens = []string{"_root"}
	}
	return root + "." + strings.Join(tokens, ".")
}
