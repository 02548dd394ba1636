package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisbric/agentgate/internal/agentregistry"
	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/cryptobox"
	"github.com/wisbric/agentgate/internal/gateway"
	"github.com/wisbric/agentgate/internal/notify"
	"github.com/wisbric/agentgate/internal/platform"
	"github.com/wisbric/agentgate/internal/ratelimit"
	"github.com/wisbric/agentgate/internal/servicecatalog"
	"github.com/wisbric/agentgate/internal/session"
	"github.com/wisbric/agentgate/internal/upstream"
	"github.com/wisbric/agentgate/internal/userregistry"
	"github.com/wisbric/agentgate/internal/vault"
)

func testCatalog(t *testing.T, upstreamURL string) *servicecatalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "services.json")
	services := []servicecatalog.Service{
		{ServiceID: "github", Name: "GitHub", BaseURL: upstreamURL},
	}
	blob, err := json.Marshal(services)
	if err != nil {
		t.Fatalf("marshal services: %v", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write services: %v", err)
	}
	cat, err := servicecatalog.Load(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return cat
}

func newTestHandler(t *testing.T, upstreamURL string) *Handler {
	t.Helper()
	clock := clockwork.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	box, err := cryptobox.New(bytes.Repeat([]byte{0x42}, cryptobox.KeySize))
	if err != nil {
		t.Fatalf("cryptobox.New: %v", err)
	}

	users := userregistry.New(platform.NewMemStore())
	agents := agentregistry.New(clock, platform.NewMemStore())
	sessions := session.New(clock, time.Hour)
	catalog := testCatalog(t, upstreamURL)
	refresher := vault.NewSimulatedRefresher(clock, time.Hour)
	v := vault.New(box, platform.NewMemStore(), clock, refresher, time.Minute)
	limiter := ratelimit.New(clock)
	upstreamClient := upstream.New(5 * time.Second)

	pipeline := gateway.New(sessions, agents, limiter, catalog, v, upstreamClient, 200, time.Minute)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &Handler{
		Users:    users,
		Agents:   agents,
		Sessions: sessions,
		Catalog:  catalog,
		Vault:    v,
		Notifier: notify.New("", "", logger),
		Pipeline: pipeline,
		Clock:    clock,
		Logger:   logger,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		r = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndCreateAgent(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	router := h.Routes()

	rec := doJSON(t, router, http.MethodPost, "/auth/register", RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var reg RegisterResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/auth/agent", CreateAgentRequest{
		UserID:       reg.UserID,
		AgentName:    "ci-bot",
		Services:     []string{"github"},
		LifespanDays: 30,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created CreateAgentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create agent response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if len(created.AllowedServices) != 1 || created.AllowedServices[0] != "github" {
		t.Fatalf("unexpected allowed services: %v", created.AllowedServices)
	}

	rec = doJSON(t, router, http.MethodGet, "/auth/agent/"+created.AgentID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var info AgentInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal agent info: %v", err)
	}
	if info.IsExpired {
		t.Fatal("freshly created agent should not be expired")
	}
}

func TestProxy_HappyPath(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("upstream saw Authorization %q", got)
		}
		if got := r.Header.Get("X-Session-Id"); got != "" {
			t.Errorf("upstream saw X-Session-Id %q, want stripped", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from upstream"))
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)
	router := h.Routes()

	reg := doJSON(t, router, http.MethodPost, "/auth/register", RegisterRequest{Username: "bob", Email: "bob@example.com"})
	var regResp RegisterResponse
	json.Unmarshal(reg.Body.Bytes(), &regResp)

	createRec := doJSON(t, router, http.MethodPost, "/auth/agent", CreateAgentRequest{
		UserID:       regResp.UserID,
		AgentName:    "proxy-bot",
		Services:     []string{"github"},
		LifespanDays: 7,
	})
	var created CreateAgentResponse
	json.Unmarshal(createRec.Body.Bytes(), &created)

	if err := h.Vault.Put(t.Context(), created.AgentID, "github", vault.StoredCredential{
		AccessToken: "tok-123",
		TokenType:   "Bearer",
	}); err != nil {
		t.Fatalf("seeding credential: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/github/repos/octocat", nil)
	req.Header.Set("X-Session-Id", created.SessionID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("proxy status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello from upstream" {
		t.Fatalf("proxy body = %q", rec.Body.String())
	}
}

func TestProxy_MissingSession(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	router := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/github/anything", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRotateAgent_OldSessionStopsWorking(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	router := h.Routes()

	reg := doJSON(t, router, http.MethodPost, "/auth/register", RegisterRequest{Username: "carol", Email: "carol@example.com"})
	var regResp RegisterResponse
	json.Unmarshal(reg.Body.Bytes(), &regResp)

	createRec := doJSON(t, router, http.MethodPost, "/auth/agent", CreateAgentRequest{
		UserID:       regResp.UserID,
		AgentName:    "rotating-bot",
		Services:     []string{"github"},
		LifespanDays: 7,
	})
	var created CreateAgentResponse
	json.Unmarshal(createRec.Body.Bytes(), &created)

	rotateRec := doJSON(t, router, http.MethodPost, "/auth/agent/"+created.AgentID+"/rotate", nil)
	if rotateRec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body = %s", rotateRec.Code, rotateRec.Body.String())
	}
	var rotated RotateAgentResponse
	if err := json.Unmarshal(rotateRec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("unmarshal rotate response: %v", err)
	}
	if rotated.AgentID == created.AgentID {
		t.Fatal("rotate should mint a new agent id")
	}
	if rotated.NewSessionID == created.SessionID {
		t.Fatal("rotate should mint a new session id")
	}

	// The old session no longer resolves.
	oldReq := httptest.NewRequest(http.MethodGet, "/api/github/anything", nil)
	oldReq.Header.Set("X-Session-Id", created.SessionID)
	oldRec := httptest.NewRecorder()
	router.ServeHTTP(oldRec, oldReq)
	if oldRec.Code == http.StatusOK {
		t.Fatal("old session should no longer resolve after rotation")
	}

	getRec := doJSON(t, router, http.MethodGet, "/auth/agent/"+rotated.AgentID, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get rotated agent status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}
