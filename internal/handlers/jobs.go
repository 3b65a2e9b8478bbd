package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autopilot-core/internal/lock"
	"autopilot-core/internal/models"
	"autopilot-core/internal/policy"
	"autopilot-core/internal/queue"
)

// Job types handled here.
const (
	TypeProvision        = "tenant.provision"
	TypeBillingReconcile = "billing.reconcile"
	TypePayout           = "payout.process"
	TypeCoachingFollowup = "coaching.followup"
	TypeHealthCheck      = "health.check"
)

// ProvisionHandler sets up workspace resources for a newly activated tenant.
type ProvisionHandler struct {
	Engine *policy.Engine
	Logger *zap.Logger
}

type provisionPayload struct {
	Resources []string `json:"resources"`
}

func (h *ProvisionHandler) CanHandle(jobType string) bool { return jobType == TypeProvision }

func (h *ProvisionHandler) Process(ctx context.Context, job models.Job) queue.Result {
	decision, err := h.Engine.CheckAction(ctx, job.TenantID, "provision", 0)
	if err != nil {
		return queue.Result{Err: err}
	}
	if !decision.Allowed {
		return queue.Result{Err: fmt.Errorf("provisioning denied: %s", decision.Reason)}
	}
	if decision.QueueUntil != nil {
		// Budget says later, not never. Cooperative reschedule, no retry burn.
		return queue.Result{RescheduleAt: decision.QueueUntil}
	}

	var p provisionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Result{Err: fmt.Errorf("decode provision payload: %w", err)}
	}
	if len(p.Resources) == 0 {
		p.Resources = []string{"workspace", "inbox"}
	}

	result, err := json.Marshal(map[string]any{"provisioned": p.Resources})
	if err != nil {
		return queue.Result{Err: err}
	}
	if err := h.Engine.EnforceAction(ctx, job.TenantID, "api_call", len(p.Resources)); err != nil {
		return queue.Result{Err: err}
	}
	return queue.Result{Success: true, Result: result}
}

// BillingReconcileHandler compares recorded usage against the invoice and
// enqueues a payout when a referral credit is due. Re-running it is safe:
// the payout enqueue is idempotent by content.
type BillingReconcileHandler struct {
	Engine *policy.Engine
	Jobs   *queue.Queue
	Logger *zap.Logger
}

type billingPayload struct {
	InvoiceID    string `json:"invoice_id"`
	AffiliateID  string `json:"affiliate_id,omitempty"`
	CreditCents  int64  `json:"credit_cents,omitempty"`
	PeriodStart  string `json:"period_start"`
	PeriodEnd    string `json:"period_end"`
}

func (h *BillingReconcileHandler) CanHandle(jobType string) bool {
	return jobType == TypeBillingReconcile
}

func (h *BillingReconcileHandler) Process(ctx context.Context, job models.Job) queue.Result {
	var p billingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Result{Err: fmt.Errorf("decode billing payload: %w", err)}
	}
	if p.InvoiceID == "" {
		return queue.Result{Err: fmt.Errorf("billing payload missing invoice_id")}
	}

	if p.AffiliateID != "" && p.CreditCents > 0 {
		payoutPayload, err := json.Marshal(map[string]any{
			"affiliate_id": p.AffiliateID,
			"cents":        p.CreditCents,
			"invoice_id":   p.InvoiceID,
		})
		if err != nil {
			return queue.Result{Err: err}
		}
		if _, err := h.Jobs.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       job.TenantID,
			Type:           TypePayout,
			Payload:        payoutPayload,
			IdempotencyKey: "payout:" + p.InvoiceID + ":" + p.AffiliateID,
		}); err != nil {
			return queue.Result{Err: fmt.Errorf("enqueue payout: %w", err)}
		}
	}

	if err := h.Engine.EnforceAction(ctx, job.TenantID, "api_call", 1); err != nil {
		return queue.Result{Err: err}
	}
	result, _ := json.Marshal(map[string]string{"invoice_id": p.InvoiceID, "state": "reconciled"})
	return queue.Result{Success: true, Result: result}
}

// PayoutHandler transfers an affiliate's referral credit. The affiliate lock
// guarantees at most one transfer in flight per affiliate across all
// workers; on contention the job politely comes back later.
type PayoutHandler struct {
	Engine  *policy.Engine
	Locks   *lock.Manager
	Gateway PayoutGateway
	Logger  *zap.Logger
}

type payoutPayload struct {
	AffiliateID string `json:"affiliate_id"`
	Cents       int64  `json:"cents"`
	InvoiceID   string `json:"invoice_id"`
}

func (h *PayoutHandler) CanHandle(jobType string) bool { return jobType == TypePayout }

func (h *PayoutHandler) Process(ctx context.Context, job models.Job) queue.Result {
	decision, err := h.Engine.CheckAction(ctx, job.TenantID, "payout", 0)
	if err != nil {
		return queue.Result{Err: err}
	}
	if !decision.Allowed {
		return queue.Result{Err: fmt.Errorf("payout denied: %s", decision.Reason)}
	}

	var p payoutPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Result{Err: fmt.Errorf("decode payout payload: %w", err)}
	}
	if p.AffiliateID == "" || p.Cents <= 0 {
		return queue.Result{Err: fmt.Errorf("payout payload invalid")}
	}

	var transferID string
	ran, err := h.Locks.WithLock(ctx, "affiliate:"+p.AffiliateID, 30*time.Second, func(ctx context.Context) error {
		var terr error
		transferID, terr = h.Gateway.Transfer(ctx, job.IdempotencyKey, p.AffiliateID, p.Cents)
		return terr
	})
	if err != nil {
		return queue.Result{Err: err}
	}
	if !ran {
		later := time.Now().UTC().Add(time.Minute)
		return queue.Result{RescheduleAt: &later}
	}

	if err := h.Engine.EnforceAction(ctx, job.TenantID, "api_call", 1); err != nil {
		return queue.Result{Err: err}
	}
	result, _ := json.Marshal(map[string]string{"transfer_id": transferID})
	return queue.Result{Success: true, Result: result}
}

// CoachingFollowupHandler generates a follow-up message for a member and
// delivers it over the tenant's channel. Under a degraded overage decision
// it skips the completion provider and sends a canned template.
type CoachingFollowupHandler struct {
	Engine    *policy.Engine
	Completer Completer
	Messenger Messenger
	Logger    *zap.Logger
}

type coachingPayload struct {
	MemberID string `json:"member_id"`
	To       string `json:"to"`
	Prompt   string `json:"prompt"`
}

const coachingFallback = "Quick check-in: how did this week go? Reply here and your coach will follow up."

func (h *CoachingFollowupHandler) CanHandle(jobType string) bool {
	return jobType == TypeCoachingFollowup
}

func (h *CoachingFollowupHandler) Process(ctx context.Context, job models.Job) queue.Result {
	decision, err := h.Engine.CheckAction(ctx, job.TenantID, "coach", 0)
	if err != nil {
		return queue.Result{Err: err}
	}
	if !decision.Allowed {
		return queue.Result{Err: fmt.Errorf("coaching denied: %s", decision.Reason)}
	}
	if decision.QueueUntil != nil {
		return queue.Result{RescheduleAt: decision.QueueUntil}
	}

	var p coachingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Result{Err: fmt.Errorf("decode coaching payload: %w", err)}
	}
	if p.To == "" {
		return queue.Result{Err: fmt.Errorf("coaching payload missing destination")}
	}

	content := coachingFallback
	tokens := 0
	if !decision.Degraded && p.Prompt != "" {
		completion, err := h.Completer.Complete(ctx, p.Prompt)
		if err != nil {
			return queue.Result{Err: fmt.Errorf("completion provider: %w", err)}
		}
		content = completion.Text
		tokens = completion.Tokens
	}

	outcome, err := h.Messenger.Send(ctx, p.To, content)
	if err != nil {
		return queue.Result{Err: fmt.Errorf("send followup: %w", err)}
	}

	if err := h.Engine.EnforceAction(ctx, job.TenantID, "coach", 1); err != nil {
		return queue.Result{Err: err}
	}
	if tokens > 0 {
		if err := h.Engine.EnforceAction(ctx, job.TenantID, "completion", tokens); err != nil {
			return queue.Result{Err: err}
		}
	}
	result, _ := json.Marshal(map[string]any{
		"message_id": outcome.MessageID,
		"delivered":  outcome.Delivered,
		"degraded":   decision.Degraded,
	})
	return queue.Result{Success: true, Result: result}
}

// HealthCheckHandler is the 24h maintenance job: score the workspace and
// record the report as the job result.
type HealthCheckHandler struct {
	Engine *policy.Engine
	Logger *zap.Logger
}

func (h *HealthCheckHandler) CanHandle(jobType string) bool { return jobType == TypeHealthCheck }

func (h *HealthCheckHandler) Process(ctx context.Context, job models.Job) queue.Result {
	report, err := h.Engine.CheckHealth(ctx, job.TenantID)
	if err != nil {
		return queue.Result{Err: err}
	}
	result, err := json.Marshal(report)
	if err != nil {
		return queue.Result{Err: err}
	}
	return queue.Result{Success: true, Result: result}
}
