package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/yndd/kvlock"
)

const (
	// IndexHeader carries the change index of the data returned by a read.
	IndexHeader       = "X-Consul-Index"
	KnownLeaderHeader = "X-Consul-KnownLeader"
	TokenHeader       = "X-Consul-Token"
)

// Request is a single call against the agent API.
type Request struct {
	Method string
	// Path is the API path, e.g. /v1/kv/foo.
	Path   string
	Params url.Values
	Body   []byte
	// Token is passed through opaquely; empty uses the transport default.
	Token string
}

// Response is the raw result of a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs requests against the agent.
type Transport interface {
	Do(ctx context.Context, r *Request) (*Response, error)
}

// NewRequest returns a request with an initialized parameter set.
func NewRequest(method, path string) *Request {
	return &Request{
		Method: method,
		Path:   path,
		Params: url.Values{},
	}
}

// Index parses the change index header. A missing header yields ErrMissingIndex.
func (r *Response) Index() (uint64, error) {
	v := r.Header.Get(IndexHeader)
	if v == "" {
		return 0, kvlock.ErrMissingIndex
	}
	idx, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", kvlock.ErrDecodeFailed, errors.Wrapf(err, "%s header %q", IndexHeader, v))
	}
	return idx, nil
}

func (r *Response) KnownLeader() bool {
	return r.Header.Get(KnownLeaderHeader) == "true"
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// UnexpectedError wraps the response as a kvlock.UnexpectedResponseError.
func (r *Response) UnexpectedError() error {
	return &kvlock.UnexpectedResponseError{StatusCode: r.StatusCode, Body: r.Body}
}

// SetQueryOptions adds the read parameters of q to the request.
func (r *Request) SetQueryOptions(q *kvlock.QueryOptions) {
	if q == nil {
		return
	}
	if q.Datacenter != "" {
		r.Params.Set("dc", q.Datacenter)
	}
	if q.WaitIndex != 0 {
		r.Params.Set("index", strconv.FormatUint(q.WaitIndex, 10))
	}
	if q.WaitTime != 0 {
		r.Params.Set("wait", FormatDuration(q.WaitTime))
	}
	if q.RequireConsistent {
		r.Params.Set("consistent", "")
	}
	if q.AllowStale {
		r.Params.Set("stale", "")
	}
	if q.Token != "" {
		r.Token = q.Token
	}
}

// SetWriteOptions adds the write parameters of w to the request.
func (r *Request) SetWriteOptions(w *kvlock.WriteOptions) {
	if w == nil {
		return
	}
	if w.Datacenter != "" {
		r.Params.Set("dc", w.Datacenter)
	}
	if w.Token != "" {
		r.Token = w.Token
	}
}

// FormatDuration renders d the way the agent parses durations: whole seconds
// as "10s", anything finer in milliseconds.
func FormatDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	ms := d / time.Millisecond
	if ms == 0 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}

// QueryMeta builds the read metadata of a response. The change index is required.
func (r *Response) QueryMeta(start time.Time) (*kvlock.QueryMeta, error) {
	idx, err := r.Index()
	if err != nil {
		return nil, err
	}
	return &kvlock.QueryMeta{
		LastIndex:   idx,
		KnownLeader: r.KnownLeader(),
		RequestTime: time.Since(start),
	}, nil
}

// DecodeJSON decodes the body into out.
func (r *Response) DecodeJSON(out interface{}) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("%w: %w", kvlock.ErrDecodeFailed, errors.Wrap(err, "decode response body"))
	}
	return nil
}

// DecodeBool decodes the "true"/"false" body returned by writes.
func (r *Response) DecodeBool() (bool, error) {
	var ok bool
	if err := r.DecodeJSON(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
