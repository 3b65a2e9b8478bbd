package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookNotifier posts payloads to <base>/<tenantID>. The idempotency key
// travels in a header so the receiving side can dedupe retried deliveries.
type WebhookNotifier struct {
	base   string
	client *http.Client
}

func NewWebhookNotifier(base string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{base: base, client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, key, tenantID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.base+"/"+tenantID, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", key)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// The gateways below are local stand-ins used until the real channel, AI
// and payment adapters are wired. They log what they would have done and
// report success, which keeps the pipeline exercisable end to end.

type LogMessenger struct {
	Logger *zap.Logger
}

func (m *LogMessenger) Send(_ context.Context, to, content string) (SendOutcome, error) {
	m.Logger.Info("message send (stub)", zap.String("to", to), zap.Int("content_len", len(content)))
	return SendOutcome{MessageID: uuid.NewString(), Delivered: true}, nil
}

type StaticCompleter struct {
	Reply string
}

func (c *StaticCompleter) Complete(_ context.Context, prompt string) (Completion, error) {
	reply := c.Reply
	if reply == "" {
		reply = "Thanks for the update. Keep at it and check in again next week."
	}
	return Completion{Text: reply, Tokens: (len(prompt) + len(reply)) / 4}, nil
}

type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, key, tenantID string, payload []byte) error {
	n.Logger.Info("webhook post (stub)",
		zap.String("idempotency_key", key),
		zap.String("tenant", tenantID),
		zap.Int("payload_len", len(payload)))
	return nil
}

type LogPayoutGateway struct {
	Logger *zap.Logger
}

func (g *LogPayoutGateway) Transfer(_ context.Context, key, affiliateID string, cents int64) (string, error) {
	g.Logger.Info("payout transfer (stub)",
		zap.String("idempotency_key", key),
		zap.String("affiliate", affiliateID),
		zap.Int64("cents", cents))
	return "transfer-" + uuid.NewString(), nil
}
