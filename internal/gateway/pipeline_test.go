package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wisbric/agentgate/internal/agentregistry"
	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/cryptobox"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/platform"
	"github.com/wisbric/agentgate/internal/ratelimit"
	"github.com/wisbric/agentgate/internal/servicecatalog"
	"github.com/wisbric/agentgate/internal/session"
	"github.com/wisbric/agentgate/internal/upstream"
	"github.com/wisbric/agentgate/internal/vault"
)

// fakeForwarder records every call it receives and returns a canned 200.
type fakeForwarder struct {
	mu    sync.Mutex
	calls []upstream.Request
}

func (f *fakeForwarder) Do(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return &upstream.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewBufferString("pong")),
	}, nil
}

type countingForwarder struct {
	n int
}

func (f *countingForwarder) Do(_ context.Context, _ upstream.Request) (*upstream.Response, error) {
	f.n++
	return &upstream.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

type fixtures struct {
	clock    *clockwork.Mock
	sessions *session.Registry
	agents   *agentregistry.Registry
	limiter  *ratelimit.Limiter
	catalog  *servicecatalog.Catalog
	vault    *vault.Vault
	forward  *fakeForwarder
	pipeline *Pipeline
}

func newFixtures(t *testing.T, refreshThreshold time.Duration) *fixtures {
	t.Helper()
	clock := clockwork.NewMock(time.Now())
	sessions := session.New(clock, time.Hour)
	agents := agentregistry.New(clock, platform.NewMemStore())

	limiter := ratelimit.New(clock)

	box, err := cryptobox.New(make([]byte, cryptobox.KeySize))
	if err != nil {
		t.Fatalf("cryptobox.New: %v", err)
	}
	refresher := vault.NewSimulatedRefresher(clock, time.Hour)
	v := vault.New(box, platform.NewMemStore(), clock, refresher, refreshThreshold)

	forward := &fakeForwarder{}

	return &fixtures{
		clock:    clock,
		sessions: sessions,
		agents:   agents,
		limiter:  limiter,
		vault:    v,
		forward:  forward,
	}
}

func loadCatalog(t *testing.T, services []servicecatalog.Service) *servicecatalog.Catalog {
	t.Helper()
	path := writeServicesJSON(t, services)
	cat, err := servicecatalog.Load(path)
	if err != nil {
		t.Fatalf("servicecatalog.Load: %v", err)
	}
	return cat
}

func writeServicesJSON(t *testing.T, services []servicecatalog.Service) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/services.json"
	data, err := json.Marshal(services)
	if err != nil {
		t.Fatalf("marshal services: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write services: %v", err)
	}
	return path
}

func TestPipeline_S1_HappyProxy(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})

	userID := uuid.New()
	agent, err := f.agents.Create(context.Background(), userID, "bot", "", []string{"payment"}, 30, catalog, nil)
	if err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	sessionID, err := f.sessions.Create(agent.AgentID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	expiry := f.clock.Now().Add(2 * time.Hour)
	if err := f.vault.Put(context.Background(), agent.AgentID.String(), "payment", vault.StoredCredential{
		AccessToken: "tok-123", TokenType: "Bearer", TokenExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("Put credential: %v", err)
	}

	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 200, time.Minute)

	result, err := p.Handle(context.Background(), ProxyRequest{
		SessionID: sessionID,
		Service:   "payment",
		Path:      "/ping",
		Method:    http.MethodGet,
		Header:    http.Header{"X-Session-Id": []string{sessionID}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", result.StatusCode)
	}
	if len(f.forward.calls) != 1 {
		t.Fatalf("forwarder called %d times, want 1", len(f.forward.calls))
	}
	if got := f.forward.calls[0].AccessToken; got != "tok-123" {
		t.Fatalf("AccessToken forwarded = %q, want tok-123", got)
	}
	if got := f.forward.calls[0].Header.Get("X-Session-Id"); got != "" {
		t.Fatalf("X-Session-Id forwarded upstream = %q, want empty", got)
	}
}

func TestPipeline_S2_WrongService(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{
		{ServiceID: "payment", BaseURL: "https://payments.internal"},
		{ServiceID: "bank", BaseURL: "https://bank.internal"},
	})

	agent, err := f.agents.Create(context.Background(), uuid.New(), "bot", "", []string{"payment"}, 30, catalog, nil)
	if err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	sessionID, err := f.sessions.Create(agent.AgentID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 200, time.Minute)
	_, err = p.Handle(context.Background(), ProxyRequest{SessionID: sessionID, Service: "bank", Path: "/x", Method: http.MethodGet})
	if err == nil {
		t.Fatal("Handle: want error for unauthorized service")
	}
	kind, ok := gwerr.As(err)
	if !ok || kind != gwerr.ServiceNotAllowed {
		t.Fatalf("kind = %v, ok=%v, want ServiceNotAllowed", kind, ok)
	}
	if len(f.forward.calls) != 0 {
		t.Fatal("forwarder must not be called for a rejected service")
	}
}

func TestPipeline_S3_ExpiredSession(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})

	agent, err := f.agents.Create(context.Background(), uuid.New(), "bot", "", []string{"payment"}, 30, catalog, nil)
	if err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	sessionID, err := f.sessions.Create(agent.AgentID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	f.clock.Advance(2 * time.Hour) // session TTL is 1h in newFixtures

	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 200, time.Minute)
	_, err = p.Handle(context.Background(), ProxyRequest{SessionID: sessionID, Service: "payment", Path: "/x", Method: http.MethodGet})
	if err == nil {
		t.Fatal("Handle: want error for expired session")
	}
	kind, ok := gwerr.As(err)
	if !ok || kind != gwerr.SessionExpired {
		t.Fatalf("kind = %v, ok=%v, want SessionExpired", kind, ok)
	}
}

func TestPipeline_S4_RateLimit(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})

	rl := &agentregistry.RateLimit{MaxRequests: 2, WindowSeconds: 60}
	agent, err := f.agents.Create(context.Background(), uuid.New(), "bot", "", []string{"payment"}, 30, catalog, rl)
	if err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	sessionID, err := f.sessions.Create(agent.AgentID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	expiry := f.clock.Now().Add(2 * time.Hour)
	if err := f.vault.Put(context.Background(), agent.AgentID.String(), "payment", vault.StoredCredential{
		AccessToken: "tok", TokenType: "Bearer", TokenExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The pipeline default (200/60s) is deliberately far looser than the
	// agent's own configured limit (2/60s), so this call only rejects if
	// checkRateLimits actually consults the agent's own RateLimit.
	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 200, 60*time.Second)
	call := func() error {
		_, err := p.Handle(context.Background(), ProxyRequest{SessionID: sessionID, Service: "payment", Path: "/x", Method: http.MethodGet})
		return err
	}

	if err := call(); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if err := call(); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	err = call()
	if err == nil {
		t.Fatal("call 3: want rate-limit error")
	}
	rlErr, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("call 3 error type = %T, want *RateLimitError", err)
	}
	if rlErr.RetryAfterSeconds < 1 {
		t.Fatalf("RetryAfterSeconds = %d, want >= 1", rlErr.RetryAfterSeconds)
	}
}

func TestPipeline_S4_RateLimit_UsesAgentOwnLimitNotPipelineDefault(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})

	// Agent's own limit (1/60s) is tighter than the pipeline-wide default
	// (500/60s) passed into New below. If checkRateLimits ignored the
	// agent's configured limit and fell through to the pipeline default,
	// this test's second call would wrongly succeed.
	rl := &agentregistry.RateLimit{MaxRequests: 1, WindowSeconds: 60}
	agent, err := f.agents.Create(context.Background(), uuid.New(), "bot", "", []string{"payment"}, 30, catalog, rl)
	if err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	sessionID, err := f.sessions.Create(agent.AgentID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	expiry := f.clock.Now().Add(2 * time.Hour)
	if err := f.vault.Put(context.Background(), agent.AgentID.String(), "payment", vault.StoredCredential{
		AccessToken: "tok", TokenType: "Bearer", TokenExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 500, 60*time.Second)
	call := func() error {
		_, err := p.Handle(context.Background(), ProxyRequest{SessionID: sessionID, Service: "payment", Path: "/x", Method: http.MethodGet})
		return err
	}

	if err := call(); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if err := call(); err == nil {
		t.Fatal("call 2: want rate-limit error from the agent's own 1/60s limit")
	}
}

func TestPipeline_S5_RefreshCoalescing(t *testing.T) {
	f := newFixtures(t, 60*time.Second) // refresh_threshold = 60s
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})

	agent, err := f.agents.Create(context.Background(), uuid.New(), "bot", "", []string{"payment"}, 30, catalog, nil)
	if err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	sessionID, err := f.sessions.Create(agent.AgentID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	expiry := f.clock.Now().Add(10 * time.Second) // within the 60s threshold
	if err := f.vault.Put(context.Background(), agent.AgentID.String(), "payment", vault.StoredCredential{
		AccessToken: "stale", RefreshToken: "refresh-it", TokenType: "Bearer", TokenExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 1000, time.Minute)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := p.Handle(context.Background(), ProxyRequest{SessionID: sessionID, Service: "payment", Path: "/x", Method: http.MethodGet})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent call %d: %v", i, err)
		}
	}
	if len(f.forward.calls) != n {
		t.Fatalf("forwarder called %d times, want %d", len(f.forward.calls), n)
	}

	// The refresh must have landed: the stored credential now expires well
	// past its original 10s. The exact refresh count is checked by the
	// vault's own TestGet_RefreshCoalesces.
	cred, err := f.vault.Get(context.Background(), agent.AgentID.String(), "payment")
	if err != nil {
		t.Fatalf("Get after concurrent calls: %v", err)
	}
	if cred.TokenExpiresAt == nil || !cred.TokenExpiresAt.After(expiry) {
		t.Fatalf("credential not refreshed: expires at %v, original %v", cred.TokenExpiresAt, expiry)
	}
}

func TestPipeline_MissingSessionHeader(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})
	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 200, time.Minute)

	_, err := p.Handle(context.Background(), ProxyRequest{Service: "payment", Path: "/x", Method: http.MethodGet})
	kind, ok := gwerr.As(err)
	if !ok || kind != gwerr.Unauthorized {
		t.Fatalf("kind = %v, ok=%v, want Unauthorized", kind, ok)
	}
}

func TestPipeline_UnknownService(t *testing.T) {
	f := newFixtures(t, 60*time.Second)
	catalog := loadCatalog(t, []servicecatalog.Service{{ServiceID: "payment", BaseURL: "https://payments.internal"}})
	p := New(f.sessions, f.agents, f.limiter, catalog, f.vault, f.forward, 200, time.Minute)

	_, err := p.Handle(context.Background(), ProxyRequest{SessionID: "whatever", Service: "nope", Path: "/x", Method: http.MethodGet})
	kind, ok := gwerr.As(err)
	if !ok || kind != gwerr.NotFound {
		t.Fatalf("kind = %v, ok=%v, want NotFound", kind, ok)
	}
}
