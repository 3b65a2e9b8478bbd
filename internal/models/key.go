package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ContentKey derives the idempotency fingerprint of a job or event from its
// defining fields. Two enqueues of the same work collapse into one row.
func ContentKey(tenantID, typ string, payload json.RawMessage, scheduledAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(scheduledAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
