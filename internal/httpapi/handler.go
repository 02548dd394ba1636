// Package httpapi implements the control-plane routes — registration,
// agent lifecycle, and service discovery — plus the catch-all
// credential-brokering passthrough that hands each request to the
// gateway pipeline. It is the only package that knows about chi's
// URL params and request/response JSON shapes; everything downstream of
// Handle deals in domain types.
package httpapi

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/agentgate/internal/agentregistry"
	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/gateway"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/httpserver"
	"github.com/wisbric/agentgate/internal/notify"
	"github.com/wisbric/agentgate/internal/servicecatalog"
	"github.com/wisbric/agentgate/internal/session"
	"github.com/wisbric/agentgate/internal/userregistry"
	"github.com/wisbric/agentgate/internal/vault"
)

// Handler wires the control-plane registries and the proxying pipeline
// into chi-mountable HTTP handlers.
type Handler struct {
	Users    *userregistry.Registry
	Agents   *agentregistry.Registry
	Sessions *session.Registry
	Catalog  *servicecatalog.Catalog
	Vault    *vault.Vault
	Notifier *notify.Notifier
	Pipeline *gateway.Pipeline
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// HandleRegister handles POST /auth/register.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	u, err := h.Users.Create(r.Context(), req.Username, req.Email)
	if err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, RegisterResponse{
		UserID:   u.UserID.String(),
		Username: u.Username,
		Email:    u.Email,
	})
}

// HandleCreateAgent handles POST /auth/agent.
func (h *Handler) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ownerID, err := uuid.Parse(req.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id must be a valid UUID")
		return
	}
	if _, ok := h.Users.Get(ownerID); !ok {
		httpserver.RespondPipelineError(w, h.Logger, gwerr.New(gwerr.NotFound, "user %s not found", ownerID))
		return
	}

	agent, err := h.Agents.Create(r.Context(), ownerID, req.AgentName, req.AgentDescription, req.Services, req.LifespanDays, h.Catalog, nil)
	if err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}

	if err := h.Users.AttachAgent(r.Context(), ownerID, agent.AgentID); err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}

	sessionID, err := h.Sessions.Create(agent.AgentID)
	if err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, CreateAgentResponse{
		AgentID:         agent.AgentID.String(),
		SessionID:       sessionID,
		AllowedServices: allowedServiceIDs(agent),
		ExpiresInSecs:   int64(agent.ExpiresAt.Sub(h.Clock.Now()).Seconds()),
		KeyExpiresAt:    agent.ExpiresAt,
		LifespanDays:    agent.LifespanDays,
	})
}

// HandleGetAgent handles GET /auth/agent/{id}.
func (h *Handler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.parseAgentID(w, r)
	if !ok {
		return
	}

	agent, ok := h.Agents.Get(agentID)
	if !ok {
		httpserver.RespondPipelineError(w, h.Logger, gwerr.New(gwerr.NotFound, "agent %s not found", agentID))
		return
	}

	now := h.Clock.Now()
	daysLeft := int(agent.ExpiresAt.Sub(now).Hours() / 24)
	if daysLeft < 0 {
		daysLeft = 0
	}

	httpserver.Respond(w, http.StatusOK, AgentInfoResponse{
		AgentID:         agent.AgentID.String(),
		OwnerUserID:     agent.OwnerUserID.String(),
		Name:            agent.Name,
		Description:     agent.Description,
		AllowedServices: allowedServiceIDs(agent),
		CreatedAt:       agent.CreatedAt,
		ExpiresAt:       agent.ExpiresAt,
		LifespanDays:    agent.LifespanDays,
		IsExpired:       !now.Before(agent.ExpiresAt),
		DaysUntilExpiry: daysLeft,
	})
}

// HandleRotateAgent handles POST /auth/agent/{id}/rotate.
func (h *Handler) HandleRotateAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.parseAgentID(w, r)
	if !ok {
		return
	}

	old, existed := h.Agents.Get(agentID)
	next, sessionID, err := h.Agents.Rotate(r.Context(), agentID, h.Vault, h.Sessions)
	if err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}

	if existed {
		if err := h.Users.DetachAgent(r.Context(), old.OwnerUserID, agentID); err != nil {
			h.Logger.Error("detaching rotated agent from owner", "error", err)
		}
		if err := h.Users.AttachAgent(r.Context(), old.OwnerUserID, next.AgentID); err != nil {
			h.Logger.Error("attaching rotated agent to owner", "error", err)
		}
	}

	h.Notifier.AgentRotated(r.Context(), agentID.String(), next.AgentID.String(), next.Name)

	httpserver.Respond(w, http.StatusOK, RotateAgentResponse{
		AgentID:      next.AgentID.String(),
		NewSessionID: sessionID,
		ExpiresAt:    next.ExpiresAt,
	})
}

// HandleGrantService handles POST /auth/agent/{id}/services.
func (h *Handler) HandleGrantService(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.parseAgentID(w, r)
	if !ok {
		return
	}

	var req GrantServiceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.Agents.GrantService(r.Context(), agentID, req.ServiceID, h.Catalog); err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}

	h.respondAllowedServices(w, agentID)
}

// HandleRevokeService handles DELETE /auth/agent/{id}/services/{svc}.
func (h *Handler) HandleRevokeService(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.parseAgentID(w, r)
	if !ok {
		return
	}
	serviceID := chi.URLParam(r, "svc")

	if err := h.Agents.RevokeService(r.Context(), agentID, serviceID); err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}
	if err := h.Vault.Delete(r.Context(), agentID.String(), serviceID); err != nil {
		h.Logger.Error("deleting revoked credential", "error", err)
	}

	h.respondAllowedServices(w, agentID)
}

// HandleListServices handles GET /auth/services.
func (h *Handler) HandleListServices(w http.ResponseWriter, r *http.Request) {
	catalog := h.Catalog.All()
	out := make([]ServiceDescriptorResponse, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, ServiceDescriptorResponse{ServiceID: s.ServiceID, Name: s.Name, Description: s.Description})
	}
	httpserver.Respond(w, http.StatusOK, ServicesResponse{Services: out})
}

// HandleProxy handles ANY /api/{service}/{path...}, the sole entry point
// into the gateway pipeline (component H).
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	result, err := h.Pipeline.Handle(r.Context(), gateway.ProxyRequest{
		SessionID: r.Header.Get("X-Session-Id"),
		Service:   chi.URLParam(r, "service"),
		Path:      chi.URLParam(r, "*"),
		Method:    r.Method,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      r.Body,
	})
	if err != nil {
		httpserver.RespondPipelineError(w, h.Logger, err)
		return
	}
	defer result.Body.Close()

	dst := w.Header()
	for k, vs := range result.Header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	if _, err := io.Copy(w, result.Body); err != nil {
		h.Logger.Error("streaming upstream response body", "error", err)
	}
}

func (h *Handler) parseAgentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "agent id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondAllowedServices(w http.ResponseWriter, agentID uuid.UUID) {
	agent, ok := h.Agents.Get(agentID)
	if !ok {
		httpserver.RespondPipelineError(w, h.Logger, gwerr.New(gwerr.NotFound, "agent %s not found", agentID))
		return
	}
	httpserver.Respond(w, http.StatusOK, AllowedServicesResponse{AllowedServices: allowedServiceIDs(agent)})
}

func allowedServiceIDs(a *agentregistry.Agent) []string {
	out := make([]string, 0, len(a.AllowedServices))
	for id := range a.AllowedServices {
		out = append(out, id)
	}
	return out
}
