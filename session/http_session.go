package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/metrics"
	"github.com/yndd/kvlock/transport"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const sessionPath = "/v1/session/"

type Config struct {
	Datacenter string
	Token      string
	// RenewInterval overrides the TTL/2 renew period of keep-alives.
	RenewInterval time.Duration
	// RenewAttempts bounds the renew calls made before a session is declared lost.
	RenewAttempts uint
	// RetryInterval is the pause between failed renew calls.
	RetryInterval time.Duration
	Metrics       *metrics.Metrics
}

type httpManager struct {
	Config
	logger logging.Logger
	t      transport.Transport
}

type createRequest struct {
	Name      string                 `json:"Name,omitempty"`
	Node      string                 `json:"Node,omitempty"`
	TTL       string                 `json:"TTL,omitempty"`
	LockDelay string                 `json:"LockDelay"`
	Behavior  kvlock.SessionBehavior `json:"Behavior"`
	Checks    []string               `json:"Checks,omitempty"`
}

type createResponse struct {
	ID string `json:"ID"`
}

func NewHTTPManager(t transport.Transport, c Config, l logging.Logger) Manager {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.RenewAttempts == 0 {
		c.RenewAttempts = defaultRenewAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return &httpManager{
		Config: c,
		logger: l,
		t:      t,
	}
}

func (m *httpManager) Create(ctx context.Context, e *kvlock.SessionEntry, w *kvlock.WriteOptions) (*kvlock.SessionEntry, error) {
	req, err := validate(e)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode session create request")
	}
	r := m.newRequest(http.MethodPut, "create")
	r.Body = body
	r.SetWriteOptions(m.writeOptions(w))
	resp, err := m.t.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, resp.UnexpectedError()
	}
	var out createResponse
	if err := resp.DecodeJSON(&out); err != nil {
		return nil, errors.Wrap(err, "session create response")
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: create response without ID", kvlock.ErrDecodeFailed)
	}
	m.logger.Debug("session created", "id", out.ID, "name", e.Name, "ttl", e.TTL)

	// the agent fills in Node, TTL and the indexes
	q := &kvlock.QueryOptions{RequireConsistent: true}
	if w != nil {
		q.Datacenter, q.Token = w.Datacenter, w.Token
	}
	info, _, err := m.Info(ctx, out.ID, q)
	if err == nil && info != nil {
		return info, nil
	}
	m.logger.Debug("session info after create failed, returning request", "id", out.ID, "error", err)
	created := *e
	created.ID = out.ID
	created.Behavior = req.Behavior
	return &created, nil
}

func (m *httpManager) Renew(ctx context.Context, id string, w *kvlock.WriteOptions) (*kvlock.SessionEntry, error) {
	r := m.newRequest(http.MethodPut, "renew/"+url.PathEscape(id))
	r.SetWriteOptions(m.writeOptions(w))
	resp, err := m.t.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !resp.OK() {
		return nil, resp.UnexpectedError()
	}
	var entries []*kvlock.SessionEntry
	if err := resp.DecodeJSON(&entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (m *httpManager) Destroy(ctx context.Context, id string, w *kvlock.WriteOptions) (bool, error) {
	r := m.newRequest(http.MethodPut, "destroy/"+url.PathEscape(id))
	r.SetWriteOptions(m.writeOptions(w))
	resp, err := m.t.Do(ctx, r)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return true, nil
	}
	if !resp.OK() {
		return false, resp.UnexpectedError()
	}
	m.logger.Debug("session destroyed", "id", id)
	return resp.DecodeBool()
}

func (m *httpManager) Info(ctx context.Context, id string, q *kvlock.QueryOptions) (*kvlock.SessionEntry, *kvlock.QueryMeta, error) {
	entries, meta, err := m.query(ctx, "info/"+url.PathEscape(id), q)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, meta, nil
	}
	return entries[0], meta, nil
}

func (m *httpManager) List(ctx context.Context, q *kvlock.QueryOptions) ([]*kvlock.SessionEntry, *kvlock.QueryMeta, error) {
	return m.query(ctx, "list", q)
}

func (m *httpManager) Node(ctx context.Context, node string, q *kvlock.QueryOptions) ([]*kvlock.SessionEntry, *kvlock.QueryMeta, error) {
	return m.query(ctx, "node/"+url.PathEscape(node), q)
}

func (m *httpManager) query(ctx context.Context, op string, q *kvlock.QueryOptions) ([]*kvlock.SessionEntry, *kvlock.QueryMeta, error) {
	r := m.newRequest(http.MethodGet, op)
	r.SetQueryOptions(m.queryOptions(q))
	start := time.Now()
	resp, err := m.t.Do(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, nil, resp.UnexpectedError()
	}
	meta, err := resp.QueryMeta(start)
	if err != nil {
		return nil, nil, err
	}
	entries := []*kvlock.SessionEntry{}
	if resp.StatusCode == http.StatusNotFound {
		return entries, meta, nil
	}
	if err := resp.DecodeJSON(&entries); err != nil {
		return nil, nil, err
	}
	if entries == nil {
		entries = []*kvlock.SessionEntry{}
	}
	return entries, meta, nil
}

func (m *httpManager) KeepAlive(ctx context.Context, id string, ttl time.Duration) *KeepAlive {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	k := newKeepAlive(id, cancel)
	m.Metrics.KeepAliveRunning(1)
	go m.keepAlive(ctx, k, ttl)
	return k
}

// keepAlive sleeps for the renew interval, renews, and retries failed renewals
// up to RenewAttempts times before declaring the session lost.
func (m *httpManager) keepAlive(ctx context.Context, k *KeepAlive, ttl time.Duration) {
	defer close(k.done)
	defer m.Metrics.KeepAliveRunning(-1)
	logger := m.logger.WithValues("session", k.id)
	interval := m.renewInterval(ttl)
	logger.Debug("keep-alive started", "interval", interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("keep-alive stopped")
			return
		case <-timer.C:
		}

		entry, err := backoff.Retry(ctx, func() (*kvlock.SessionEntry, error) {
			e, err := m.Renew(ctx, k.id, nil)
			if err != nil {
				if ctx.Err() != nil {
					return nil, backoff.Permanent(ctx.Err())
				}
				m.Metrics.SessionRenew("error")
				logger.Info("session renew failed", "error", err)
				return nil, err
			}
			return e, nil
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(m.RetryInterval)),
			backoff.WithMaxTries(m.RenewAttempts),
		)
		if ctx.Err() != nil {
			logger.Debug("keep-alive stopped")
			return
		}
		if err != nil {
			m.Metrics.SessionLost()
			logger.Info("session lost", "attempts", m.RenewAttempts, "error", err)
			k.setLost(fmt.Errorf("%w: renew failed after %d attempts: %w", kvlock.ErrSessionLost, m.RenewAttempts, err))
			return
		}
		if entry == nil {
			m.Metrics.SessionRenew("gone")
			m.Metrics.SessionLost()
			logger.Info("session lost", "reason", "session no longer exists")
			k.setLost(fmt.Errorf("%w: session %s no longer exists", kvlock.ErrSessionLost, k.id))
			return
		}
		m.Metrics.SessionRenew("ok")
		if d, err := time.ParseDuration(entry.TTL); err == nil && d > 0 {
			// the agent may have adjusted the TTL
			interval = m.renewInterval(d)
		}
		timer.Reset(interval)
	}
}

func (m *httpManager) renewInterval(ttl time.Duration) time.Duration {
	if m.RenewInterval > 0 {
		return m.RenewInterval
	}
	return ttl / 2
}

func (m *httpManager) newRequest(method, op string) *transport.Request {
	return transport.NewRequest(method, sessionPath+op)
}

func (m *httpManager) queryOptions(q *kvlock.QueryOptions) *kvlock.QueryOptions {
	out := kvlock.QueryOptions{Datacenter: m.Datacenter, Token: m.Token}
	if q != nil {
		out = *q
		if out.Datacenter == "" {
			out.Datacenter = m.Datacenter
		}
		if out.Token == "" {
			out.Token = m.Token
		}
	}
	return &out
}

func (m *httpManager) writeOptions(w *kvlock.WriteOptions) *kvlock.WriteOptions {
	out := kvlock.WriteOptions{Datacenter: m.Datacenter, Token: m.Token}
	if w != nil {
		if w.Datacenter != "" {
			out.Datacenter = w.Datacenter
		}
		if w.Token != "" {
			out.Token = w.Token
		}
	}
	return &out
}

// validate checks e against the ranges the agent accepts and builds the
// create request.
func validate(e *kvlock.SessionEntry) (*createRequest, error) {
	if e == nil {
		e = &kvlock.SessionEntry{}
	}
	if e.TTL != "" {
		ttl, err := time.ParseDuration(e.TTL)
		if err != nil {
			return nil, fmt.Errorf("%w: TTL %q: %v", kvlock.ErrInvalidOption, e.TTL, err)
		}
		if ttl < MinTTL || ttl > MaxTTL {
			return nil, fmt.Errorf("%w: TTL %s outside %s..%s", kvlock.ErrInvalidOption, e.TTL, MinTTL, MaxTTL)
		}
	}
	if e.LockDelay < 0 || e.LockDelay > MaxLockDelay {
		return nil, fmt.Errorf("%w: lock delay %s outside 0s..%s", kvlock.ErrInvalidOption, e.LockDelay, MaxLockDelay)
	}
	behavior := e.Behavior
	switch behavior {
	case "":
		behavior = kvlock.SessionBehaviorRelease
	case kvlock.SessionBehaviorRelease, kvlock.SessionBehaviorDelete:
	default:
		return nil, fmt.Errorf("%w: behavior %q", kvlock.ErrInvalidOption, behavior)
	}
	return &createRequest{
		Name:      e.Name,
		Node:      e.Node,
		TTL:       e.TTL,
		LockDelay: transport.FormatDuration(e.LockDelay),
		Behavior:  behavior,
		Checks:    e.Checks,
	}, nil
}
