package models

import "time"

// Subscription tiers.
const (
	TierEntry      = "entry"
	TierStandard   = "standard"
	TierEnterprise = "enterprise"
)

// Integration states. An errored integration is flipped back to inactive by
// the operator's retry_integration remediation so the next use re-attempts.
const (
	IntegrationActive   = "active"
	IntegrationInactive = "inactive"
	IntegrationError    = "error"
)

// Tenant is an isolated customer workspace.
type Tenant struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Tier      string       `json:"tier"`
	Active    bool         `json:"active"`
	Config    TenantConfig `json:"config"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TenantConfig holds per-tenant overrides on top of tier defaults, plus
// operator bookkeeping. Stored as a JSONB column; absent fields mean
// "use the tier default".
type TenantConfig struct {
	Enabled       *bool                `json:"enabled,omitempty"`
	OveragePolicy string               `json:"overage_policy,omitempty"`
	Budgets       map[string]int       `json:"budgets,omitempty"`
	RateLimits    map[string]int       `json:"rate_limits,omitempty"`
	Features      map[string]bool      `json:"features,omitempty"`
	Restrictions  *Restrictions        `json:"restrictions,omitempty"`
	Maintenance   map[string]time.Time `json:"maintenance,omitempty"`
}

// Integration is an external connection owned by a tenant (chat gateway,
// payment provider, calendar and so on).
type Integration struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
