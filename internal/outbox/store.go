// Package outbox records facts durably before any delivery attempt and
// tracks per-fact delivery state, so a slow or failing webhook never stalls
// indexing and no fact is ever silently dropped.
package outbox

import (
	"time"

	"ticketflow/internal/model"
)

// Status is the delivery state of one outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

// Entry is one fact awaiting (or having completed) webhook delivery.
type Entry struct {
	Fact        model.Fact `json:"fact"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	NextAttempt time.Time  `json:"next_attempt"`
	AppendedAt  time.Time  `json:"appended_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Store persists outbox entries. Append must be durable before it returns;
// appending an already-known fact key is a no-op, never a second entry.
type Store interface {
	Append(facts []model.Fact) error
	// Due returns pending entries whose NextAttempt is not after now, in
	// append order, up to limit (0 means no limit).
	Due(now time.Time, limit int) ([]Entry, error)
	MarkDelivered(key model.FactKey, at time.Time) error
	MarkFailed(key model.FactKey, lastError string, nextAttempt time.Time) error
	// Pending reports how many entries still await delivery.
	Pending() (int, error)
}
