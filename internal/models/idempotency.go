package models

import (
	"encoding/json"
	"time"
)

// StoredResponse is a handler response kept for replay when a client retries
// a request under the same Idempotency-Key. Pending marks a request that is
// still executing.
type StoredResponse struct {
	Pending  bool            `json:"pending"`
	Status   int             `json:"status"`
	Body     json.RawMessage `json:"body,omitempty"`
	StoredAt time.Time       `json:"stored_at"`
}
