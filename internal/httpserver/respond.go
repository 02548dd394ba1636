package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wisbric/agentgate/internal/gateway"
	"github.com/wisbric/agentgate/internal/gwerr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errStr, message string) {
	Respond(w, status, ErrorResponse{Error: errStr, Message: message})
}

// kindStatus maps each gwerr.Kind to its HTTP status. This is the single
// place that mapping happens — handlers never choose a status code
// themselves.
var kindStatus = map[gwerr.Kind]int{
	gwerr.BadRequest:        http.StatusBadRequest,
	gwerr.Unauthorized:      http.StatusUnauthorized,
	gwerr.SessionExpired:    http.StatusUnauthorized,
	gwerr.ServiceNotAllowed: http.StatusForbidden,
	gwerr.NotFound:          http.StatusNotFound,
	gwerr.RateLimitExceeded: http.StatusTooManyRequests,
	gwerr.UpstreamError:     http.StatusBadGateway,
	gwerr.ConfigErrorKind:   http.StatusInternalServerError,
}

// RespondPipelineError maps a gateway pipeline error to its HTTP response,
// including the Retry-After header a *gateway.RateLimitError carries. An
// error that is not a recognized gwerr/gateway kind is an internal
// invariant violation — it is logged and reported as 500, never silently
// swallowed.
func RespondPipelineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if rlErr, ok := err.(*gateway.RateLimitError); ok {
		w.Header().Set("Retry-After", strconv.Itoa(rlErr.RetryAfterSeconds))
		RespondError(w, http.StatusTooManyRequests, string(gwerr.RateLimitExceeded), rlErr.Error())
		return
	}

	kind, ok := gwerr.As(err)
	if !ok {
		logger.Error("unclassified pipeline error", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}

	status, ok := kindStatus[kind]
	if !ok {
		logger.Error("unmapped error kind", "kind", kind)
		status = http.StatusInternalServerError
	}
	RespondError(w, status, string(kind), err.Error())
}
