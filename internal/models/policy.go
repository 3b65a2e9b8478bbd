package models

// Consumable resources tracked by the budget tracker. Each has an
// independent daily ceiling; the hourly ceiling is derived as daily/20.
const (
	ResourceMessages = "messages"
	ResourceTokens   = "tokens"
	ResourceAPICalls = "api_calls"
	ResourceEvents   = "events"
	ResourceJobs     = "jobs"
)

// Resources lists every tracked resource in a stable order.
var Resources = []string{
	ResourceMessages,
	ResourceTokens,
	ResourceAPICalls,
	ResourceEvents,
	ResourceJobs,
}

// Overage policies decide what happens when a budget is exhausted.
const (
	OverageQueue   = "queue"   // allow, but caller must defer until queue_until
	OverageDrop    = "drop"    // deny outright
	OverageDegrade = "degrade" // allow, caller must take the cheaper path
)

// Restrictions bound per-tenant processing behavior.
type Restrictions struct {
	MaxRetries        int `json:"max_retries"`
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	MaxQueueDepth     int `json:"max_queue_depth"`
}

// Policy is the per-tenant operating view derived on every read from tier
// defaults overlaid with tenant overrides. It is never persisted as a row.
type Policy struct {
	Enabled       bool            `json:"enabled"`
	Tier          string          `json:"tier"`
	Budgets       map[string]int  `json:"budgets"`
	RateLimits    map[string]int  `json:"rate_limits"`
	Features      map[string]bool `json:"features"`
	Restrictions  Restrictions    `json:"restrictions"`
	OveragePolicy string          `json:"overage_policy"`
}

type tierDefaults struct {
	budgets       map[string]int
	rateLimits    map[string]int
	features      map[string]bool
	restrictions  Restrictions
	overagePolicy string
}

// Fixed defaults per subscription tier. Entry tenants queue on overage so
// work is delayed rather than lost; paid tiers degrade to a cheaper path.
var tierTable = map[string]tierDefaults{
	TierEntry: {
		budgets: map[string]int{
			ResourceMessages: 200,
			ResourceTokens:   50_000,
			ResourceAPICalls: 1_000,
			ResourceEvents:   500,
			ResourceJobs:     200,
		},
		rateLimits: map[string]int{
			ResourceMessages: 10,
			ResourceAPICalls: 60,
		},
		features: map[string]bool{
			FeatureAutoProvisioning: false,
			FeatureAutoHealing:      false,
			FeatureCoaching:         true,
			FeaturePayouts:          false,
		},
		restrictions:  Restrictions{MaxRetries: 3, MaxConcurrentJobs: 2, MaxQueueDepth: 100},
		overagePolicy: OverageQueue,
	},
	TierStandard: {
		budgets: map[string]int{
			ResourceMessages: 2_000,
			ResourceTokens:   500_000,
			ResourceAPICalls: 10_000,
			ResourceEvents:   5_000,
			ResourceJobs:     2_000,
		},
		rateLimits: map[string]int{
			ResourceMessages: 60,
			ResourceAPICalls: 300,
		},
		features: map[string]bool{
			FeatureAutoProvisioning: true,
			FeatureAutoHealing:      true,
			FeatureCoaching:         true,
			FeaturePayouts:          true,
		},
		restrictions:  Restrictions{MaxRetries: 3, MaxConcurrentJobs: 5, MaxQueueDepth: 1_000},
		overagePolicy: OverageDegrade,
	},
	TierEnterprise: {
		budgets: map[string]int{
			ResourceMessages: 20_000,
			ResourceTokens:   5_000_000,
			ResourceAPICalls: 100_000,
			ResourceEvents:   50_000,
			ResourceJobs:     20_000,
		},
		rateLimits: map[string]int{
			ResourceMessages: 300,
			ResourceAPICalls: 1_500,
		},
		features: map[string]bool{
			FeatureAutoProvisioning: true,
			FeatureAutoHealing:      true,
			FeatureCoaching:         true,
			FeaturePayouts:          true,
		},
		restrictions:  Restrictions{MaxRetries: 5, MaxConcurrentJobs: 20, MaxQueueDepth: 10_000},
		overagePolicy: OverageDegrade,
	},
}

// Feature flags gating automation behavior.
const (
	FeatureAutoProvisioning = "auto_provisioning"
	FeatureAutoHealing      = "auto_healing"
	FeatureCoaching         = "coaching"
	FeaturePayouts          = "payouts"
)

// ResolvePolicy computes the effective policy for a tenant: tier defaults
// overlaid with per-tenant overrides. Unknown tiers resolve as entry.
func ResolvePolicy(t Tenant) Policy {
	def, ok := tierTable[t.Tier]
	if !ok {
		def = tierTable[TierEntry]
	}

	p := Policy{
		Enabled:       t.Active,
		Tier:          t.Tier,
		Budgets:       copyInts(def.budgets),
		RateLimits:    copyInts(def.rateLimits),
		Features:      copyBools(def.features),
		Restrictions:  def.restrictions,
		OveragePolicy: def.overagePolicy,
	}

	cfg := t.Config
	if cfg.Enabled != nil {
		p.Enabled = p.Enabled && *cfg.Enabled
	}
	if cfg.OveragePolicy != "" {
		p.OveragePolicy = cfg.OveragePolicy
	}
	for k, v := range cfg.Budgets {
		p.Budgets[k] = v
	}
	for k, v := range cfg.RateLimits {
		p.RateLimits[k] = v
	}
	for k, v := range cfg.Features {
		p.Features[k] = v
	}
	if cfg.Restrictions != nil {
		p.Restrictions = *cfg.Restrictions
	}
	return p
}

func copyInts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBools(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
