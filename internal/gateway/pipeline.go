// Package gateway orchestrates session resolution, authorization, rate
// limiting, credential retrieval, and upstream forwarding into the fixed,
// ordered proxying state machine that is the reason this gateway exists.
// Session and authorization checks run before any rate-limit budget is
// consumed, and rate limiting runs before any credential is fetched.
package gateway

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wisbric/agentgate/internal/agentregistry"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/ratelimit"
	"github.com/wisbric/agentgate/internal/servicecatalog"
	"github.com/wisbric/agentgate/internal/session"
	"github.com/wisbric/agentgate/internal/upstream"
	"github.com/wisbric/agentgate/internal/vault"
)

// SessionResolver resolves an opaque session id to an agent id.
type SessionResolver interface {
	Resolve(sessionID string, agents session.AgentExpiryChecker) (uuid.UUID, error)
}

// AccessChecker decides whether an agent may call a service.
type AccessChecker interface {
	CheckAccess(agentID uuid.UUID, serviceID string) agentregistry.Access
	Exists(agentID uuid.UUID) (expired bool, ok bool)
	RateLimit(agentID uuid.UUID) (max, windowSecs int, ok bool)
}

// CredentialFetcher retrieves (and refreshes, if needed) a stored
// credential for (agentID, serviceID).
type CredentialFetcher interface {
	Get(ctx context.Context, agentID, serviceID string) (vault.StoredCredential, error)
}

// Forwarder executes the upstream call.
type Forwarder interface {
	Do(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// ProxyRequest is the inbound request as the pipeline needs it, already
// stripped of routing/server concerns by the HTTP layer.
type ProxyRequest struct {
	SessionID string
	Service   string
	Path      string
	Method    string
	RawQuery  string
	Header    http.Header
	Body      io.Reader
}

// ProxyResult is what the pipeline hands back for the HTTP layer to
// stream to the caller.
type ProxyResult struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Pipeline wires session resolution, authorization, rate limiting,
// credential retrieval, and upstream forwarding into one ordered request
// handler.
type Pipeline struct {
	sessions  SessionResolver
	agents    AccessChecker
	limiter   *ratelimit.Limiter
	catalog   *servicecatalog.Catalog
	creds     CredentialFetcher
	forwarder Forwarder

	defaultMax    int
	defaultWindow time.Duration
}

// New constructs a Pipeline. defaultMax/defaultWindow are the fallback
// rate-limit budget used when an agent carries no override; per-agent and
// per-service overrides still take precedence (see checkRateLimits).
func New(sessions SessionResolver, agents AccessChecker, limiter *ratelimit.Limiter, catalog *servicecatalog.Catalog, creds CredentialFetcher, forwarder Forwarder, defaultMax int, defaultWindow time.Duration) *Pipeline {
	return &Pipeline{
		sessions:      sessions,
		agents:        agents,
		limiter:       limiter,
		catalog:       catalog,
		creds:         creds,
		forwarder:     forwarder,
		defaultMax:    defaultMax,
		defaultWindow: defaultWindow,
	}
}

// Handle runs the fixed seven-step pipeline. Any step's error short-
// circuits the rest; the caller maps the returned gwerr.Kind to an HTTP
// status exactly once, at the edge.
func (p *Pipeline) Handle(ctx context.Context, req ProxyRequest) (*ProxyResult, error) {
	// 1. Extract.
	if req.SessionID == "" {
		return nil, gwerr.New(gwerr.Unauthorized, "missing X-Session-Id header")
	}
	svc, ok := p.catalog.Get(req.Service)
	if !ok {
		return nil, gwerr.New(gwerr.NotFound, "unknown service %q", req.Service)
	}

	// 2. Resolve session.
	agentID, err := p.sessions.Resolve(req.SessionID, p.agents)
	if err != nil {
		return nil, err
	}

	// 3. Authorize.
	switch p.agents.CheckAccess(agentID, svc.ServiceID) {
	case agentregistry.AccessExpired:
		return nil, gwerr.New(gwerr.Unauthorized, "agent key has expired")
	case agentregistry.AccessForbidden:
		return nil, gwerr.New(gwerr.ServiceNotAllowed, "agent is not authorized for service %q", svc.ServiceID)
	}

	// 4. Rate-limit: agent-scoped first, then service-scoped.
	if err := p.checkRateLimits(agentID, svc); err != nil {
		return nil, err
	}

	// 5. Fetch credential.
	cred, err := p.creds.Get(ctx, agentID.String(), svc.ServiceID)
	if err != nil {
		if _, ok := gwerr.As(err); ok {
			return nil, err
		}
		return nil, gwerr.New(gwerr.UpstreamError, "fetching credential: %v", err)
	}

	// 6. Forward. X-Session-Id is a gateway-internal credential; it must
	// never reach the upstream service, so it is stripped from a cloned
	// header map rather than the caller's original.
	outbound := req.Header.Clone()
	outbound.Del("X-Session-Id")

	resp, err := p.forwarder.Do(ctx, upstream.Request{
		Method:      req.Method,
		BaseURL:     svc.BaseURL,
		Path:        req.Path,
		RawQuery:    req.RawQuery,
		Header:      outbound,
		Body:        req.Body,
		TokenType:   cred.TokenType,
		AccessToken: cred.AccessToken,
	})
	if err != nil {
		return nil, err
	}

	// 7. Return upstream result.
	return &ProxyResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// checkRateLimits enforces the agent-scoped budget — the agent's own
// configured limit, falling back to the pipeline default only if the
// agent carries none — then the service-scoped budget (which may carry
// its own override). Neither is charged if an earlier pipeline step
// already rejected the request.
func (p *Pipeline) checkRateLimits(agentID uuid.UUID, svc servicecatalog.Service) error {
	max, window := p.defaultMax, p.defaultWindow
	if agentMax, agentWindowSecs, ok := p.agents.RateLimit(agentID); ok {
		max = agentMax
		window = time.Duration(agentWindowSecs) * time.Second
	}

	agentResult := p.limiter.Check(agentID.String(), "agent", max, window)
	if !agentResult.Allowed {
		return rateLimitError(agentResult)
	}

	svcMax, svcWindow := p.defaultMax, p.defaultWindow
	if svc.RateLimit != nil {
		svcMax = svc.RateLimit.MaxRequests
		svcWindow = time.Duration(svc.RateLimit.WindowSeconds) * time.Second
	}
	svcResult := p.limiter.Check(agentID.String()+"\x00"+svc.ServiceID, "service", svcMax, svcWindow)
	if !svcResult.Allowed {
		return rateLimitError(svcResult)
	}

	return nil
}

func rateLimitError(r ratelimit.Result) error {
	retryAfterSecs := int(math.Ceil(r.RetryAfter.Seconds()))
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	return &RateLimitError{
		Inner:             gwerr.New(gwerr.RateLimitExceeded, "rate limit exceeded, retry after %ds", retryAfterSecs),
		RetryAfterSeconds: retryAfterSecs,
	}
}

// RateLimitError carries the Retry-After value the HTTP layer must echo
// as a response header. It wraps a *gwerr.Error so gwerr.As still
// recovers gwerr.RateLimitExceeded from it.
type RateLimitError struct {
	Inner             *gwerr.Error
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string { return e.Inner.Error() }
func (e *RateLimitError) Unwrap() error { return e.Inner }
