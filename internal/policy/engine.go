// Package policy derives each tenant's operating policy from its
// subscription tier plus per-tenant overrides, gates actions against feature
// flags and budgets, and computes the composite health score.
package policy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"autopilot-core/internal/models"
	"autopilot-core/internal/ratelimit"
)

// Store is the read side the engine needs for policy and health inputs.
type Store interface {
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	CountFailedJobsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	CountFailedEventsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error)
}

// Engine is stateless per call; policies are computed on every read and
// never cached here.
type Engine struct {
	store   Store
	budgets *ratelimit.Tracker
	logger  *zap.Logger
}

// Decision is the outcome of CheckAction. The three-way overage branch
// (deny / queue / degrade) is the system's sole backpressure signal.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason,omitempty"`
	Degraded   bool       `json:"degraded,omitempty"`
	QueueUntil *time.Time `json:"queue_until,omitempty"`
}

// Issue is one detected health problem. AutoRemediable issues map to a fixed
// operator remediation action.
type Issue struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Detail         string `json:"detail"`
	AutoRemediable bool   `json:"auto_remediable"`
}

// Issue types. Remediable ones correspond one-to-one with operator actions.
const (
	IssueBudgetPressure    = "budget_pressure"
	IssueJobFailures       = "job_failures"
	IssueEventFailures     = "event_failures"
	IssueIntegrationErrors = "integration_errors"
)

// HealthReport is the scored view of one tenant.
type HealthReport struct {
	Score  int     `json:"score"`
	Issues []Issue `json:"issues"`
}

// Actions gated by feature flags.
var actionFeature = map[string]string{
	"provision": models.FeatureAutoProvisioning,
	"heal":      models.FeatureAutoHealing,
	"coach":     models.FeatureCoaching,
	"payout":    models.FeaturePayouts,
}

// Actions that consume a budgeted resource.
var actionResource = map[string]string{
	"message":    models.ResourceMessages,
	"coach":      models.ResourceMessages,
	"completion": models.ResourceTokens,
	"api_call":   models.ResourceAPICalls,
	"enqueue":    models.ResourceJobs,
	"emit":       models.ResourceEvents,
}

func NewEngine(s Store, budgets *ratelimit.Tracker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, budgets: budgets, logger: logger}
}

// GetPolicy computes the effective policy for a tenant on every call.
func (e *Engine) GetPolicy(ctx context.Context, tenantID string) (models.Policy, error) {
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return models.Policy{}, err
	}
	return models.ResolvePolicy(tenant), nil
}

// CheckAction decides whether an action may proceed: disabled tenants are
// denied, feature-gated actions respect their flag, and budgeted actions
// branch on the overage policy when the budget falls short. Amount is the
// units the action will consume; zero means one.
func (e *Engine) CheckAction(ctx context.Context, tenantID, action string, amount int) (Decision, error) {
	policy, err := e.GetPolicy(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	if !policy.Enabled {
		return Decision{Allowed: false, Reason: "tenant disabled"}, nil
	}
	if feature, ok := actionFeature[action]; ok && !policy.Features[feature] {
		return Decision{Allowed: false, Reason: "feature disabled: " + feature}, nil
	}

	resource, ok := actionResource[action]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	if amount <= 0 {
		amount = 1
	}
	within, err := e.budgets.CheckBudget(ctx, tenantID, resource, amount)
	if err != nil {
		return Decision{}, err
	}
	if within {
		return Decision{Allowed: true}, nil
	}

	switch policy.OveragePolicy {
	case models.OverageDrop:
		return Decision{Allowed: false, Reason: "budget exhausted: " + resource}, nil
	case models.OverageQueue:
		until := time.Now().UTC().Add(time.Hour)
		return Decision{Allowed: true, Reason: "budget exhausted, queued: " + resource, QueueUntil: &until}, nil
	default: // degrade
		return Decision{Allowed: true, Reason: "budget exhausted, degraded: " + resource, Degraded: true}, nil
	}
}

// EnforceAction consumes the budget after the guarded action actually ran.
// Callers must never enforce before executing. A post-hoc ceiling breach is
// logged, not failed; the action already happened.
func (e *Engine) EnforceAction(ctx context.Context, tenantID, action string, amount int) error {
	resource, ok := actionResource[action]
	if !ok {
		return nil
	}
	if amount <= 0 {
		amount = 1
	}
	granted, err := e.budgets.ConsumeBudget(ctx, tenantID, resource, amount)
	if err != nil {
		return err
	}
	if !granted {
		e.logger.Warn("action landed past the budget ceiling",
			zap.String("tenant", tenantID), zap.String("action", action), zap.String("resource", resource))
	}
	return nil
}

// GetHealthScore returns the 0-100 composite score.
func (e *Engine) GetHealthScore(ctx context.Context, tenantID string) (int, error) {
	report, err := e.CheckHealth(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return report.Score, nil
}

// CheckHealth builds the penalty-based health report. Penalties stack so
// simultaneous problems compound instead of averaging out; the score floors
// at zero.
func (e *Engine) CheckHealth(ctx context.Context, tenantID string) (HealthReport, error) {
	report := HealthReport{Score: 100}
	since := time.Now().UTC().Add(-24 * time.Hour)

	stats, err := e.budgets.GetStats(ctx, tenantID)
	if err != nil {
		return HealthReport{}, err
	}
	util := avgUtilization(stats,
		models.ResourceMessages, models.ResourceTokens, models.ResourceAPICalls)
	switch {
	case util > 0.9:
		report.Score -= 20
		report.Issues = append(report.Issues, Issue{
			Type: IssueBudgetPressure, Severity: "high",
			Detail: "budget utilization above 90%",
		})
	case util > 0.7:
		report.Score -= 10
		report.Issues = append(report.Issues, Issue{
			Type: IssueBudgetPressure, Severity: "medium",
			Detail: "budget utilization above 70%",
		})
	}

	failedJobs, err := e.store.CountFailedJobsSince(ctx, tenantID, since)
	if err != nil {
		return HealthReport{}, err
	}
	switch {
	case failedJobs > 10:
		report.Score -= 20
		report.Issues = append(report.Issues, Issue{
			Type: IssueJobFailures, Severity: "high",
			Detail: "more than 10 failed jobs in 24h", AutoRemediable: true,
		})
	case failedJobs > 5:
		report.Score -= 10
		report.Issues = append(report.Issues, Issue{
			Type: IssueJobFailures, Severity: "medium",
			Detail: "more than 5 failed jobs in 24h", AutoRemediable: true,
		})
	}

	failedEvents, err := e.store.CountFailedEventsSince(ctx, tenantID, since)
	if err != nil {
		return HealthReport{}, err
	}
	switch {
	case failedEvents > 10:
		report.Score -= 20
		report.Issues = append(report.Issues, Issue{
			Type: IssueEventFailures, Severity: "high",
			Detail: "more than 10 failed events in 24h", AutoRemediable: true,
		})
	case failedEvents > 5:
		report.Score -= 10
		report.Issues = append(report.Issues, Issue{
			Type: IssueEventFailures, Severity: "medium",
			Detail: "more than 5 failed events in 24h", AutoRemediable: true,
		})
	}

	integrations, err := e.store.ListIntegrations(ctx, tenantID)
	if err != nil {
		return HealthReport{}, err
	}
	if ratio := erroredRatio(integrations); ratio > 0.5 {
		report.Score -= 30
		report.Issues = append(report.Issues, Issue{
			Type: IssueIntegrationErrors, Severity: "high",
			Detail: "over half of integrations errored", AutoRemediable: true,
		})
	} else if ratio > 0.2 {
		report.Score -= 15
		report.Issues = append(report.Issues, Issue{
			Type: IssueIntegrationErrors, Severity: "medium",
			Detail: "over a fifth of integrations errored", AutoRemediable: true,
		})
	}

	if report.Score < 0 {
		report.Score = 0
	}
	return report, nil
}

func avgUtilization(stats ratelimit.Stats, resources ...string) float64 {
	var total float64
	var counted int
	for _, r := range resources {
		rs, ok := stats.Resources[r]
		if !ok || rs.Limit <= 0 {
			continue
		}
		total += float64(rs.Consumed) / float64(rs.Limit)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

func erroredRatio(integrations []models.Integration) float64 {
	if len(integrations) == 0 {
		return 0
	}
	var errored int
	for _, it := range integrations {
		if it.Status == models.IntegrationError {
			errored++
		}
	}
	return float64(errored) / float64(len(integrations))
}
