package store

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/transport"
	"github.com/yndd/ndd-runtime/pkg/logging"
)

const kvPath = "/v1/kv/"

type Config struct {
	// Prefix is prepended to every key handled by the store.
	Prefix string
	// Datacenter and Token apply to requests whose options leave them empty.
	Datacenter string
	Token      string
}

type httpKVStore struct {
	Config
	logger logging.Logger
	t      transport.Transport
}

func NewHTTPKVStore(t transport.Transport, c Config, l logging.Logger) Store {
	if l == nil {
		l = logging.NewNopLogger()
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return &httpKVStore{
		Config: c,
		logger: l,
		t:      t,
	}
}

func (s *httpKVStore) Get(ctx context.Context, key string, q *kvlock.QueryOptions) (*kvlock.KVPair, *kvlock.QueryMeta, error) {
	pairs, meta, err := s.read(ctx, key, nil, q)
	if err != nil {
		return nil, nil, err
	}
	if len(pairs) == 0 {
		return nil, meta, nil
	}
	return pairs[0], meta, nil
}

func (s *httpKVStore) List(ctx context.Context, prefix string, q *kvlock.QueryOptions) ([]*kvlock.KVPair, *kvlock.QueryMeta, error) {
	pairs, meta, err := s.read(ctx, prefix, url.Values{"recurse": {""}}, q)
	if err != nil {
		return nil, nil, err
	}
	if pairs == nil {
		pairs = []*kvlock.KVPair{}
	}
	return pairs, meta, nil
}

func (s *httpKVStore) Keys(ctx context.Context, prefix, separator string, q *kvlock.QueryOptions) ([]string, *kvlock.QueryMeta, error) {
	params := url.Values{"keys": {""}}
	if separator != "" {
		params.Set("separator", separator)
	}
	r := s.newRequest(http.MethodGet, prefix, params)
	r.SetQueryOptions(s.queryOptions(q))
	start := time.Now()
	resp, err := s.t.Do(ctx, r)
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
	keys := []string{}
	if resp.StatusCode == http.StatusNotFound {
		return keys, meta, nil
	}
	if err := resp.DecodeJSON(&keys); err != nil {
		return nil, nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	for i, k := range keys {
		keys[i] = s.unprefix(k)
	}
	return keys, meta, nil
}

func (s *httpKVStore) Put(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	return s.write(ctx, http.MethodPut, p.Key, p.Value, flagParams(p), w)
}

func (s *httpKVStore) CAS(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	params := flagParams(p)
	params.Set("cas", strconv.FormatUint(p.ModifyIndex, 10))
	return s.write(ctx, http.MethodPut, p.Key, p.Value, params, w)
}

func (s *httpKVStore) Delete(ctx context.Context, key string, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	return s.write(ctx, http.MethodDelete, key, nil, url.Values{}, w)
}

func (s *httpKVStore) DeleteCAS(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	params := url.Values{"cas": {strconv.FormatUint(p.ModifyIndex, 10)}}
	return s.write(ctx, http.MethodDelete, p.Key, nil, params, w)
}

func (s *httpKVStore) DeleteTree(ctx context.Context, prefix string, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	return s.write(ctx, http.MethodDelete, prefix, nil, url.Values{"recurse": {""}}, w)
}

func (s *httpKVStore) Acquire(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	if p.Session == "" {
		return false, nil, kvlock.ErrMissingSessionFlag
	}
	params := flagParams(p)
	params.Set("acquire", p.Session)
	return s.write(ctx, http.MethodPut, p.Key, p.Value, params, w)
}

func (s *httpKVStore) Release(ctx context.Context, p *kvlock.KVPair, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	if p.Session == "" {
		return false, nil, kvlock.ErrMissingSessionFlag
	}
	params := flagParams(p)
	params.Set("release", p.Session)
	return s.write(ctx, http.MethodPut, p.Key, p.Value, params, w)
}

// read performs a GET on key and decodes the pair array. 404 means absent.
func (s *httpKVStore) read(ctx context.Context, key string, params url.Values, q *kvlock.QueryOptions) ([]*kvlock.KVPair, *kvlock.QueryMeta, error) {
	r := s.newRequest(http.MethodGet, key, params)
	r.SetQueryOptions(s.queryOptions(q))
	start := time.Now()
	resp, err := s.t.Do(ctx, r)
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
	if resp.StatusCode == http.StatusNotFound {
		return nil, meta, nil
	}
	var pairs []*kvlock.KVPair
	if err := resp.DecodeJSON(&pairs); err != nil {
		return nil, nil, err
	}
	for _, p := range pairs {
		p.Key = s.unprefix(p.Key)
	}
	s.logger.Debug("kv read", "key", key, "pairs", len(pairs), "index", meta.LastIndex)
	return pairs, meta, nil
}

func (s *httpKVStore) write(ctx context.Context, method, key string, value []byte, params url.Values, w *kvlock.WriteOptions) (bool, *kvlock.WriteMeta, error) {
	r := s.newRequest(method, key, params)
	if method == http.MethodPut {
		// an empty body still has to be sent so the agent stores an empty value
		r.Body = value
		if r.Body == nil {
			r.Body = []byte{}
		}
	}
	r.SetWriteOptions(s.writeOptions(w))
	start := time.Now()
	resp, err := s.t.Do(ctx, r)
	if err != nil {
		return false, nil, err
	}
	if !resp.OK() {
		return false, nil, resp.UnexpectedError()
	}
	ok, err := resp.DecodeBool()
	if err != nil {
		return false, nil, err
	}
	s.logger.Debug("kv write", "method", method, "key", key, "params", params.Encode(), "ok", ok)
	return ok, &kvlock.WriteMeta{RequestTime: time.Since(start)}, nil
}

func (s *httpKVStore) newRequest(method, key string, params url.Values) *transport.Request {
	r := transport.NewRequest(method, kvPath+escapeKey(s.prefixed(key)))
	for k, v := range params {
		r.Params[k] = v
	}
	return r
}

func (s *httpKVStore) queryOptions(q *kvlock.QueryOptions) *kvlock.QueryOptions {
	out := kvlock.QueryOptions{Datacenter: s.Datacenter, Token: s.Token}
	if q != nil {
		out = *q
		if out.Datacenter == "" {
			out.Datacenter = s.Datacenter
		}
		if out.Token == "" {
			out.Token = s.Token
		}
	}
	return &out
}

func (s *httpKVStore) writeOptions(w *kvlock.WriteOptions) *kvlock.WriteOptions {
	out := kvlock.WriteOptions{Datacenter: s.Datacenter, Token: s.Token}
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

func (s *httpKVStore) prefixed(key string) string {
	if s.Prefix == "" {
		return key
	}
	return s.Prefix + "/" + strings.TrimLeft(key, "/")
}

func (s *httpKVStore) unprefix(key string) string {
	if s.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.Prefix), "/")
}

func flagParams(p *kvlock.KVPair) url.Values {
	params := url.Values{}
	if p.Flags != 0 {
		params.Set("flags", strconv.FormatUint(p.Flags, 10))
	}
	return params
}

// escapeKey escapes every path segment but keeps the separators.
func escapeKey(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
