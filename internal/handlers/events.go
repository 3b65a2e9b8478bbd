package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"autopilot-core/internal/models"
)

// Event types processed here.
const (
	TypeWebhookCheck = "health.webhook_check"
)

// WebhookProcessor forwards the operator's cycle summary to the tenant's
// webhook. The notifier dedupes on the key, so a whole-event retry after a
// sibling processor's failure does not double-post.
type WebhookProcessor struct {
	Notifier Notifier
	Logger   *zap.Logger
}

func (p *WebhookProcessor) Name() string { return "webhook_notifier" }

func (p *WebhookProcessor) CanHandle(eventType string) bool {
	return eventType == TypeWebhookCheck
}

func (p *WebhookProcessor) Process(ctx context.Context, evt models.Event) error {
	key := evt.ID + ":" + p.Name()
	if err := p.Notifier.Notify(ctx, key, evt.TenantID, evt.Payload); err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	return nil
}

// AlertProcessor pages the workspace owner when the health score collapses.
// It shares the event with WebhookProcessor; the two are independent and
// logically concurrent.
type AlertProcessor struct {
	Messenger Messenger
	Threshold int // alert below this score; default 40
	Logger    *zap.Logger
}

type healthSummary struct {
	TenantID    string `json:"tenant_id"`
	HealthScore int    `json:"health_score"`
}

func (p *AlertProcessor) Name() string { return "health_alert" }

func (p *AlertProcessor) CanHandle(eventType string) bool {
	return eventType == TypeWebhookCheck
}

func (p *AlertProcessor) Process(ctx context.Context, evt models.Event) error {
	threshold := p.Threshold
	if threshold == 0 {
		threshold = 40
	}

	var summary healthSummary
	if err := json.Unmarshal(evt.Payload, &summary); err != nil {
		return fmt.Errorf("decode health summary: %w", err)
	}
	if summary.HealthScore >= threshold {
		return nil
	}

	content := fmt.Sprintf("Workspace health dropped to %d. The autopilot is remediating; check the dashboard for details.", summary.HealthScore)
	if _, err := p.Messenger.Send(ctx, "owner:"+evt.TenantID, content); err != nil {
		return fmt.Errorf("send health alert: %w", err)
	}
	if p.Logger != nil {
		p.Logger.Info("health alert sent",
			zap.String("tenant", evt.TenantID), zap.Int("score", summary.HealthScore))
	}
	return nil
}
