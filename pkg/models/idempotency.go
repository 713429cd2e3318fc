package models

import "time"

// IdempotencyEntry is the stored response for one (key, principal, action)
// triple. The first execution stores it; repeat calls return it verbatim.
// Entries are never overwritten once stored.
type IdempotencyEntry struct {
	Key         string    `json:"key"`
	PrincipalID string    `json:"principal_id"`
	Action      string    `json:"action"`
	StatusCode  int       `json:"status_code"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}
