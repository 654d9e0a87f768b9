package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// testSite is a scriptable Site implementation.
type testSite struct {
	name     string
	endpoint string
	version  Version
	username string
	loggedIn bool
	oauth    bool

	mu          sync.Mutex
	tokens      map[string]string
	freshTokens map[string]string
	invalidated []string
	loginCalls  int
	loginErr    error
	loginFn     func(ctx context.Context) error
}

func newTestSite(endpoint string) *testSite {
	return &testSite{
		name:        "testwiki:en",
		endpoint:    endpoint,
		version:     Version{Major: 1, Minor: 31},
		tokens:      map[string]string{},
		freshTokens: map[string]string{},
	}
}

func (s *testSite) String() string      { return s.name }
func (s *testSite) APIEndpoint() string { return s.endpoint }
func (s *testSite) Encoding() string    { return "utf-8" }
func (s *testSite) Version() Version    { return s.version }
func (s *testSite) Username() string    { return s.username }
func (s *testSite) LoggedIn() bool      { return s.loggedIn }
func (s *testSite) UsesOAuth() bool     { return s.oauth }

func (s *testSite) GetToken(_ context.Context, kind string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[kind], nil
}

func (s *testSite) InvalidateToken(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, kind)
	if fresh, ok := s.freshTokens[kind]; ok {
		s.tokens[kind] = fresh
	} else {
		delete(s.tokens, kind)
	}
}

func (s *testSite) CachedTokens() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out
}

func (s *testSite) Login(ctx context.Context) error {
	s.mu.Lock()
	s.loginCalls++
	fn := s.loginFn
	err := s.loginErr
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (s *testSite) logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

// scriptedResponse is one canned HTTP exchange. A zero status means 200.
type scriptedResponse struct {
	status int
	body   string
}

// scriptedServer replays canned responses in order, repeating the last one,
// and records every request it saw.
type scriptedServer struct {
	*httptest.Server

	mu        sync.Mutex
	responses []scriptedResponse
	requests  []url.Values
	methods   []string
}

func newScriptedServer(t *testing.T, responses ...scriptedResponse) *scriptedServer {
	t.Helper()
	s := &scriptedServer{responses: responses}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		s.mu.Lock()
		form := make(url.Values, len(r.Form))
		for k, v := range r.Form {
			form[k] = v
		}
		s.requests = append(s.requests, form)
		s.methods = append(s.methods, r.Method)
		resp := scriptedResponse{body: "{}"}
		if len(s.responses) > 0 {
			resp = s.responses[0]
			if len(s.responses) > 1 {
				s.responses = s.responses[1:]
			}
		}
		s.mu.Unlock()

		if resp.status == 0 {
			resp.status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedServer) request(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return url.Values{}
	}
	return s.requests[i]
}

func (s *scriptedServer) method(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.methods) {
		return ""
	}
	return s.methods[i]
}

// newTestClient wires a client to the scripted server with fast retry
// timings and a throwaway cache directory.
func newTestClient(t *testing.T, site *testSite) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxLag = 0
	cfg.MaxRetries = 2
	cfg.RetryWait = time.Millisecond
	cfg.RetryMax = 20 * time.Millisecond
	cfg.CacheDir = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(site, cfg, logger)
	t.Cleanup(c.Close)
	return c
}

// primeParamInfo bypasses the paraminfo network bootstrap and seeds the
// cache with fixed module metadata.
func primeParamInfo(c *Client, modules map[string]map[string]any) {
	pi := c.ParamInfo()
	pi.initOnce.Do(func() {})
	pi.mu.Lock()
	for path, meta := range modules {
		pi.modules[path] = meta
	}
	pi.mu.Unlock()
}
