// Package servicecatalog loads the static, startup-only list of upstream
// service descriptors. The catalog never changes after Load returns; it
// is treated as a process-wide read-only singleton.
package servicecatalog

import (
	"encoding/json"
	"fmt"
	"os"
)

// RateLimitOverride is a per-service rate-limit override. Nil means the
// service-scoped check uses the gateway pipeline's default budget.
type RateLimitOverride struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

// Service is a single upstream descriptor.
type Service struct {
	ServiceID   string             `json:"service_id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	BaseURL     string             `json:"base_url"`
	RateLimit   *RateLimitOverride `json:"rate_limit,omitempty"`
}

// Catalog is the immutable, process-wide set of known services.
type Catalog struct {
	byID map[string]Service
	all  []Service
}

// Load reads and parses the service descriptor list from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading services config %s: %w", path, err)
	}

	var services []Service
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("parsing services config %s: %w", path, err)
	}

	byID := make(map[string]Service, len(services))
	for _, s := range services {
		if s.ServiceID == "" {
			return nil, fmt.Errorf("service descriptor missing service_id")
		}
		if _, dup := byID[s.ServiceID]; dup {
			return nil, fmt.Errorf("duplicate service_id %q", s.ServiceID)
		}
		byID[s.ServiceID] = s
	}

	return &Catalog{byID: byID, all: services}, nil
}

// Get returns the descriptor for serviceID, and whether it exists.
func (c *Catalog) Get(serviceID string) (Service, bool) {
	s, ok := c.byID[serviceID]
	return s, ok
}

// Exists reports whether serviceID is a known service.
func (c *Catalog) Exists(serviceID string) bool {
	_, ok := c.byID[serviceID]
	return ok
}

// All returns every known service descriptor, in load order.
func (c *Catalog) All() []Service {
	out := make([]Service, len(c.all))
	copy(out, c.all)
	return out
}
