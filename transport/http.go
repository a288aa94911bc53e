package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/yndd/kvlock"
	"github.com/yndd/ndd-runtime/pkg/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultAddress = "127.0.0.1:8500"
	defaultScheme  = "http"
)

type Config struct {
	// Address of the agent, host:port or a full URL.
	Address string
	Scheme  string
	// Datacenter is added as the dc parameter unless the request sets one.
	Datacenter string
	// Token is sent when the request carries none.
	Token string
	// HTTPClient is used when set; its Transport is wrapped for tracing.
	HTTPClient *http.Client
	// Timeout bounds non-blocking requests. Blocking reads extend it by
	// their wait time.
	Timeout time.Duration
}

type httpTransport struct {
	Config
	logger  logging.Logger
	client  *http.Client
	baseURL string
}

func NewHTTPTransport(c Config, l logging.Logger) Transport {
	if l == nil {
		l = logging.NewNopLogger()
	}
	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.Scheme == "" {
		c.Scheme = defaultScheme
	}
	base := c.Address
	if !strings.Contains(base, "://") {
		base = c.Scheme + "://" + base
	}
	client := &http.Client{}
	if c.HTTPClient != nil {
		cp := *c.HTTPClient
		client = &cp
	}
	rt := client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(rt)
	// deadlines come from the request context so blocking reads are not cut short
	client.Timeout = 0
	return &httpTransport{
		Config:  c,
		logger:  l.WithValues("address", base),
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
	}
}

func (t *httpTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	params := r.Params
	if t.Datacenter != "" && params.Get("dc") == "" {
		params = cloneParams(params)
		params.Set("dc", t.Datacenter)
	}
	u := t.baseURL + r.Path
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout+waitOf(r))
		defer cancel()
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kvlock.ErrRequestFailed, errors.Wrapf(err, "build %s %s", r.Method, r.Path))
	}
	token := r.Token
	if token == "" {
		token = t.Token
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("request failed", "method", r.Method, "path", r.Path, "error", err)
		return nil, fmt.Errorf("%w: %w", kvlock.ErrRequestFailed, errors.Wrapf(err, "%s %s", r.Method, r.Path))
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kvlock.ErrRequestFailed, errors.Wrapf(err, "reading %s %s", r.Method, r.Path))
	}
	t.logger.Debug("request done", "method", r.Method, "path", r.Path, "status", resp.StatusCode, "duration", time.Since(start))
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
	}, nil
}

// waitOf returns the blocking budget of a read, plus the agent's jitter allowance.
func waitOf(r *Request) time.Duration {
	w := r.Params.Get("wait")
	if w == "" {
		return 0
	}
	d, err := time.ParseDuration(w)
	if err != nil {
		return 0
	}
	return d + d/16
}

func cloneParams(p url.Values) url.Values {
	out := make(url.Values, len(p)+1)
	for k, v := range p {
		out[k] = append([]string(nil), v...)
	}
	return out
}
