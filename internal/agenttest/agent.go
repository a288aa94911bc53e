// Package agenttest runs an in-process agent that serves the KV and session
// endpoints, including blocking queries, for tests.
package agenttest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/yndd/kvlock"
)

const (
	defaultLockDelay = 15 * time.Second
	maxWait          = 10 * time.Minute
)

type session struct {
	entry kvlock.SessionEntry
	ttl   time.Duration
	timer *time.Timer
}

// Agent is a fake agent. All state is kept in memory.
type Agent struct {
	// Node is reported as the owner of created sessions.
	Node string

	mu         sync.Mutex
	token      string
	index      uint64
	changed    chan struct{}
	kv         map[string]*kvlock.KVPair
	sessions   map[string]*session
	delays     map[string]time.Time
	failRenew  int
	failStatus int
	requests   []string

	server *httptest.Server
}

// New starts an agent that is closed when the test ends.
func New(t testing.TB) *Agent {
	a := &Agent{
		Node:     "agenttest",
		index:    1,
		changed:  make(chan struct{}),
		kv:       map[string]*kvlock.KVPair{},
		sessions: map[string]*session{},
		delays:   map[string]time.Time{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/kv/", a.handleKV)
	mux.HandleFunc("/v1/session/", a.handleSession)
	a.server = httptest.NewServer(a.authorize(mux))
	t.Cleanup(a.Close)
	return a
}

// URL is the base URL of the agent.
func (a *Agent) URL() string {
	return a.server.URL
}

func (a *Agent) Close() {
	a.server.Close()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
}

// SetToken makes the agent require token on every request.
func (a *Agent) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// Index returns the current change index.
func (a *Agent) Index() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index
}

// ResetIndex moves the change index to idx, as after a snapshot restore.
func (a *Agent) ResetIndex(idx uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.index = idx
	a.notify()
}

// Expire invalidates the session as if its TTL ran out.
func (a *Agent) Expire(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidate(id)
}

// FailRenew makes the next n renew calls answer with status.
func (a *Agent) FailRenew(n, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failRenew = n
	a.failStatus = status
}

// Requests returns the method and request URI of every request served so far.
func (a *Agent) Requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

// Pair returns a copy of the stored pair, nil when absent.
func (a *Agent) Pair(key string) *kvlock.KVPair {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.kv[key]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (a *Agent) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.requests = append(a.requests, r.Method+" "+r.URL.RequestURI())
		token := a.token
		a.mu.Unlock()
		if token != "" && r.Header.Get("X-Consul-Token") != token {
			http.Error(w, "Permission denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// notify wakes blocked queries. Callers hold mu.
func (a *Agent) notify() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// bump advances the index and returns it. Callers hold mu.
func (a *Agent) bump() uint64 {
	a.index++
	a.notify()
	return a.index
}

// block waits until the index differs from the one in the request or the wait
// budget elapses. It returns with mu held.
func (a *Agent) block(r *http.Request) {
	q := r.URL.Query()
	a.mu.Lock()
	idx, err := strconv.ParseUint(q.Get("index"), 10, 64)
	if err != nil || idx == 0 {
		return
	}
	wait := maxWait
	if ws := q.Get("wait"); ws != "" {
		if d, err := time.ParseDuration(ws); err == nil && d > 0 && d < maxWait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for a.index == idx {
		ch := a.changed
		a.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			a.mu.Lock()
			return
		case <-r.Context().Done():
			a.mu.Lock()
			return
		}
		a.mu.Lock()
	}
}

func (a *Agent) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	switch r.Method {
	case http.MethodGet:
		a.kvGet(w, r, key)
	case http.MethodPut:
		a.kvPut(w, r, key)
	case http.MethodDelete:
		a.kvDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *Agent) kvGet(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	a.block(r)
	defer a.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(a.index, 10))
	w.Header().Set("X-Consul-KnownLeader", "true")

	if _, ok := q["keys"]; ok {
		keys := a.keys(key, q.Get("separator"))
		if len(keys) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, keys)
		return
	}
	var pairs []*kvlock.KVPair
	if _, ok := q["recurse"]; ok {
		for _, k := range a.sortedKeys() {
			if strings.HasPrefix(k, key) {
				pairs = append(pairs, a.kv[k])
			}
		}
	} else if p, ok := a.kv[key]; ok {
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, pairs)
}

func (a *Agent) keys(prefix, sep string) []string {
	var out []string
	seen := map[string]bool{}
	for _, k := range a.sortedKeys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if sep != "" {
			if i := strings.Index(k[len(prefix):], sep); i >= 0 {
				k = k[:len(prefix)+i+len(sep)]
			}
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func (a *Agent) sortedKeys() []string {
	keys := make([]string, 0, len(a.kv))
	for k := range a.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Agent) kvPut(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var flags uint64
	if fs := q.Get("flags"); fs != "" {
		if flags, err = strconv.ParseUint(fs, 10, 64); err != nil {
			http.Error(w, "invalid flags", http.StatusBadRequest)
			return
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	existing := a.kv[key]

	if cs := q.Get("cas"); cs != "" {
		cas, err := strconv.ParseUint(cs, 10, 64)
		if err != nil {
			http.Error(w, "invalid cas index", http.StatusBadRequest)
			return
		}
		if (cas == 0 && existing != nil) || (cas != 0 && (existing == nil || existing.ModifyIndex != cas)) {
			writeJSON(w, false)
			return
		}
	}

	switch {
	case q.Get("acquire") != "":
		id := q.Get("acquire")
		if _, ok := a.sessions[id]; !ok {
			http.Error(w, "invalid session \""+id+"\"", http.StatusInternalServerError)
			return
		}
		if existing != nil && existing.Session != "" && existing.Session != id {
			writeJSON(w, false)
			return
		}
		if until, ok := a.delays[key]; ok && time.Now().Before(until) && (existing == nil || existing.Session != id) {
			writeJSON(w, false)
			return
		}
		p := a.upsert(key, value, flags)
		if p.Session != id {
			p.Session = id
			p.LockIndex++
		}
	case q.Get("release") != "":
		id := q.Get("release")
		if existing == nil || existing.Session != id {
			writeJSON(w, false)
			return
		}
		p := a.upsert(key, value, flags)
		p.Session = ""
	default:
		a.upsert(key, value, flags)
	}
	writeJSON(w, true)
}

// upsert writes value and flags under key at a new index. Callers hold mu.
func (a *Agent) upsert(key string, value []byte, flags uint64) *kvlock.KVPair {
	idx := a.bump()
	p, ok := a.kv[key]
	if !ok {
		p = &kvlock.KVPair{Key: key, CreateIndex: idx}
		a.kv[key] = p
	}
	p.Value = value
	p.Flags = flags
	p.ModifyIndex = idx
	return p
}

func (a *Agent) kvDelete(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	a.mu.Lock()
	defer a.mu.Unlock()
	if cs := q.Get("cas"); cs != "" {
		cas, err := strconv.ParseUint(cs, 10, 64)
		if err != nil {
			http.Error(w, "invalid cas index", http.StatusBadRequest)
			return
		}
		p, ok := a.kv[key]
		if !ok || p.ModifyIndex != cas {
			writeJSON(w, false)
			return
		}
	}
	deleted := false
	if _, ok := q["recurse"]; ok {
		for k := range a.kv {
			if strings.HasPrefix(k, key) {
				delete(a.kv, k)
				deleted = true
			}
		}
	} else if _, ok := a.kv[key]; ok {
		delete(a.kv, key)
		deleted = true
	}
	if deleted {
		a.bump()
	}
	writeJSON(w, true)
}

type sessionRequest struct {
	Name      string
	TTL       string
	LockDelay json.RawMessage
	Behavior  kvlock.SessionBehavior
	Checks    []string
}

func (a *Agent) handleSession(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/v1/session/")
	arg := ""
	if i := strings.Index(op, "/"); i >= 0 {
		op, arg = op[:i], op[i+1:]
	}
	switch {
	case op == "create" && r.Method == http.MethodPut:
		a.sessionCreate(w, r)
	case op == "renew" && r.Method == http.MethodPut:
		a.sessionRenew(w, arg)
	case op == "destroy" && r.Method == http.MethodPut:
		a.mu.Lock()
		a.invalidate(arg)
		a.mu.Unlock()
		writeJSON(w, true)
	case op == "info" && r.Method == http.MethodGet:
		a.sessionQuery(w, func(e *kvlock.SessionEntry) bool { return e.ID == arg })
	case op == "list" && r.Method == http.MethodGet:
		a.sessionQuery(w, func(*kvlock.SessionEntry) bool { return true })
	case op == "node" && r.Method == http.MethodGet:
		a.sessionQuery(w, func(e *kvlock.SessionEntry) bool { return e.Node == arg })
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func (a *Agent) sessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "request decode failed: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	entry := kvlock.SessionEntry{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Node:      a.Node,
		TTL:       req.TTL,
		LockDelay: defaultLockDelay,
		Behavior:  req.Behavior,
		Checks:    req.Checks,
	}
	if entry.Behavior == "" {
		entry.Behavior = kvlock.SessionBehaviorRelease
	}
	if entry.Behavior != kvlock.SessionBehaviorRelease && entry.Behavior != kvlock.SessionBehaviorDelete {
		http.Error(w, "invalid Behavior setting", http.StatusBadRequest)
		return
	}
	if len(req.LockDelay) > 0 {
		d, err := parseLockDelay(req.LockDelay)
		if err != nil {
			http.Error(w, "invalid LockDelay: "+err.Error(), http.StatusBadRequest)
			return
		}
		entry.LockDelay = d
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
			http.Error(w, "invalid TTL", http.StatusBadRequest)
			return
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.bump()
	entry.CreateIndex, entry.ModifyIndex = idx, idx
	s := &session{entry: entry, ttl: ttl}
	if ttl > 0 {
		id := entry.ID
		s.timer = time.AfterFunc(ttl, func() { a.Expire(id) })
	}
	a.sessions[entry.ID] = s
	writeJSON(w, map[string]string{"ID": entry.ID})
}

func (a *Agent) sessionRenew(w http.ResponseWriter, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failRenew > 0 {
		a.failRenew--
		http.Error(w, "renew failed", a.failStatus)
		return
	}
	s, ok := a.sessions[id]
	if !ok {
		http.Error(w, "Session id '"+id+"' not found", http.StatusNotFound)
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.ttl)
	}
	w.Header().Set("X-Consul-Index", strconv.FormatUint(a.index, 10))
	writeJSON(w, []kvlock.SessionEntry{s.entry})
}

func (a *Agent) sessionQuery(w http.ResponseWriter, match func(*kvlock.SessionEntry) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []kvlock.SessionEntry{}
	for _, s := range a.sessions {
		if match(&s.entry) {
			out = append(out, s.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	w.Header().Set("X-Consul-Index", strconv.FormatUint(a.index, 10))
	writeJSON(w, out)
}

// invalidate destroys the session and applies its behavior to held keys.
// Callers hold mu.
func (a *Agent) invalidate(id string) {
	s, ok := a.sessions[id]
	if !ok {
		return
	}
	delete(a.sessions, id)
	if s.timer != nil {
		s.timer.Stop()
	}
	idx := a.bump()
	for k, p := range a.kv {
		if p.Session != id {
			continue
		}
		if s.entry.LockDelay > 0 {
			a.delays[k] = time.Now().Add(s.entry.LockDelay)
		}
		if s.entry.Behavior == kvlock.SessionBehaviorDelete {
			delete(a.kv, k)
			continue
		}
		p.Session = ""
		p.ModifyIndex = idx
	}
}

func parseLockDelay(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(s)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
