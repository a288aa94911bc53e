package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yndd/kvlock"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 0, want: "0s"},
		{in: 15 * time.Second, want: "15s"},
		{in: 5 * time.Minute, want: "300s"},
		{in: 1500 * time.Millisecond, want: "1500ms"},
		{in: 20 * time.Millisecond, want: "20ms"},
		{in: time.Microsecond, want: "1ms"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}

func TestResponseIndex(t *testing.T) {
	r := &Response{Header: http.Header{}}
	_, err := r.Index()
	assert.ErrorIs(t, err, kvlock.ErrMissingIndex)

	r.Header.Set(IndexHeader, "abc")
	_, err = r.Index()
	assert.ErrorIs(t, err, kvlock.ErrDecodeFailed)
	assert.ErrorIs(t, err, strconv.ErrSyntax)
	assertStack(t, err)

	r.Header.Set(IndexHeader, "42")
	r.Header.Set(KnownLeaderHeader, "true")
	meta, err := r.QueryMeta(time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), meta.LastIndex)
	assert.True(t, meta.KnownLeader)
}

func TestQueryOptions(t *testing.T) {
	r := NewRequest(http.MethodGet, "/v1/kv/a")
	r.SetQueryOptions(&kvlock.QueryOptions{
		Datacenter:        "dc2",
		WaitIndex:         7,
		WaitTime:          30 * time.Second,
		Token:             "t",
		RequireConsistent: true,
	})
	assert.Equal(t, "dc2", r.Params.Get("dc"))
	assert.Equal(t, "7", r.Params.Get("index"))
	assert.Equal(t, "30s", r.Params.Get("wait"))
	assert.Contains(t, r.Params, "consistent")
	assert.NotContains(t, r.Params, "stale")
	assert.Equal(t, "t", r.Token)
	assert.Equal(t, 30*time.Second+30*time.Second/16, waitOf(r))
}

type captured struct {
	method string
	query  string
	token  string
	ctype  string
	body   string
}

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{
			method: r.Method,
			query:  r.URL.RawQuery,
			token:  r.Header.Get(TokenHeader),
			ctype:  r.Header.Get("Content-Type"),
			body:   string(b),
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestHTTPTransportDefaults(t *testing.T) {
	srv, got := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(IndexHeader, "3")
		_, _ = w.Write([]byte("true"))
	})
	tr := NewHTTPTransport(Config{Address: srv.URL, Datacenter: "dc1", Token: "default"}, nil)

	r := NewRequest(http.MethodPut, "/v1/kv/a")
	r.Body = []byte("{}")
	resp, err := tr.Do(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	ok, err := resp.DecodeBool()
	require.NoError(t, err)
	assert.True(t, ok)

	c := <-got
	assert.Equal(t, http.MethodPut, c.method)
	assert.Equal(t, "dc=dc1", c.query)
	assert.Equal(t, "default", c.token)
	assert.Equal(t, "application/json", c.ctype)
	assert.Equal(t, "{}", c.body)
	// the caller's parameters are left untouched
	assert.Empty(t, r.Params.Get("dc"))
}

func TestHTTPTransportRequestOverrides(t *testing.T) {
	srv, got := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	})
	tr := NewHTTPTransport(Config{Address: srv.URL, Datacenter: "dc1", Token: "default"}, nil)

	r := NewRequest(http.MethodGet, "/v1/kv/a")
	r.SetQueryOptions(&kvlock.QueryOptions{Datacenter: "dc9", Token: "mine"})
	resp, err := tr.Do(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, resp.OK())

	var ue *kvlock.UnexpectedResponseError
	require.ErrorAs(t, resp.UnexpectedError(), &ue)
	assert.Equal(t, http.StatusForbidden, ue.StatusCode)
	assert.ErrorIs(t, resp.UnexpectedError(), kvlock.ErrUnexpectedResponse)

	c := <-got
	assert.Equal(t, "dc=dc9", c.query)
	assert.Equal(t, "mine", c.token)
	assert.Empty(t, c.ctype)
}

func TestHTTPTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	tr := NewHTTPTransport(Config{Address: srv.URL, Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := tr.Do(context.Background(), NewRequest(http.MethodGet, "/v1/kv/slow"))
	assert.ErrorIs(t, err, kvlock.ErrRequestFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "GET /v1/kv/slow")
	assertStack(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPTransportUnreachable(t *testing.T) {
	tr := NewHTTPTransport(Config{Address: "127.0.0.1:1"}, nil)
	_, err := tr.Do(context.Background(), NewRequest(http.MethodGet, "/v1/kv/a"))
	assert.ErrorIs(t, err, kvlock.ErrRequestFailed)
	assertStack(t, err)
}

func TestDecodeJSON(t *testing.T) {
	var out map[string]string
	err := (&Response{Body: []byte("{")}).DecodeJSON(&out)
	assert.ErrorIs(t, err, kvlock.ErrDecodeFailed)
	assertStack(t, err)

	require.NoError(t, (&Response{Body: []byte(`{"a":"b"}`)}).DecodeJSON(&out))
	assert.Equal(t, map[string]string{"a": "b"}, out)
}

// assertStack checks that the cause was recorded with a stack trace.
func assertStack(t *testing.T, err error) {
	t.Helper()
	var st interface{ StackTrace() errors.StackTrace }
	assert.True(t, errors.As(err, &st), "no stack trace in %v", err)
}
