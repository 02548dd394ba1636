package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes assembles the control-plane and passthrough routes onto a fresh
// chi.Router for the caller to Mount.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.HandleRegister)
	r.Post("/auth/agent", h.HandleCreateAgent)
	r.Get("/auth/agent/{id}", h.HandleGetAgent)
	r.Post("/auth/agent/{id}/rotate", h.HandleRotateAgent)
	r.Post("/auth/agent/{id}/services", h.HandleGrantService)
	r.Delete("/auth/agent/{id}/services/{svc}", h.HandleRevokeService)
	r.Get("/auth/services", h.HandleListServices)

	r.Handle("/api/{service}/*", http.HandlerFunc(h.HandleProxy))

	return r
}
