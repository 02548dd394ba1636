package httpapi

import "time"

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
}

// RegisterResponse is the body of a successful POST /auth/register.
type RegisterResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// CreateAgentRequest is the body of POST /auth/agent.
type CreateAgentRequest struct {
	UserID           string   `json:"user_id" validate:"required,uuid"`
	AgentName        string   `json:"agent_name" validate:"required"`
	AgentDescription string   `json:"agent_description"`
	Services         []string `json:"services"`
	LifespanDays     int      `json:"lifespan_days" validate:"required,gte=1"`
}

// CreateAgentResponse is the body of a successful POST /auth/agent.
type CreateAgentResponse struct {
	AgentID         string    `json:"agent_id"`
	SessionID       string    `json:"session_id"`
	AllowedServices []string  `json:"allowed_services"`
	ExpiresInSecs   int64     `json:"expires_in_secs"`
	KeyExpiresAt    time.Time `json:"key_expires_at"`
	LifespanDays    int       `json:"lifespan_days"`
}

// AgentInfoResponse is the body of a successful GET /auth/agent/{id}.
type AgentInfoResponse struct {
	AgentID         string    `json:"agent_id"`
	OwnerUserID     string    `json:"owner_user_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	AllowedServices []string  `json:"allowed_services"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LifespanDays    int       `json:"lifespan_days"`
	IsExpired       bool      `json:"is_expired"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

// RotateAgentResponse is the body of a successful POST /auth/agent/{id}/rotate.
type RotateAgentResponse struct {
	AgentID      string    `json:"agent_id"`
	NewSessionID string    `json:"new_session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// GrantServiceRequest is the body of POST /auth/agent/{id}/services.
type GrantServiceRequest struct {
	ServiceID string `json:"service_id" validate:"required"`
}

// AllowedServicesResponse is the body returned after a grant/revoke.
type AllowedServicesResponse struct {
	AllowedServices []string `json:"allowed_services"`
}

// ServiceDescriptorResponse describes one catalog entry.
type ServiceDescriptorResponse struct {
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServicesResponse is the body of a successful GET /auth/services.
type ServicesResponse struct {
	Services []ServiceDescriptorResponse `json:"services"`
}
