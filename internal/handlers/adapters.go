// Package handlers holds the thin job and event handlers wired into the
// queue and bus, plus the narrow interfaces they use to reach external
// collaborators. Channel gateways and AI providers live behind these
// interfaces and are assumed reliable enough to retry, not reliable always;
// every handler is idempotent so a whole-event or whole-job retry is safe.
package handlers

import "context"

// SendOutcome is what a channel gateway reports for one delivery attempt.
type SendOutcome struct {
	MessageID string
	Delivered bool
}

// Messenger delivers a message over a chat/SMS/email gateway.
type Messenger interface {
	Send(ctx context.Context, to, content string) (SendOutcome, error)
}

// Completion is an AI provider's response and its token cost.
type Completion struct {
	Text   string
	Tokens int
}

// Completer generates text through an AI completion provider.
type Completer interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// Notifier posts a payload to a tenant's registered webhook endpoint. The
// key is the caller's idempotency fingerprint; implementations dedupe on it.
type Notifier interface {
	Notify(ctx context.Context, key, tenantID string, payload []byte) error
}

// PayoutGateway transfers funds to an affiliate and returns a transfer id.
type PayoutGateway interface {
	Transfer(ctx context.Context, key, affiliateID string, cents int64) (string, error)
}
