// Package storage defines the repositories behind the reconciliation
// service. Implementations must enforce two uniqueness rules themselves, so
// concurrent fact deliveries serialize on the data instead of on locks: a
// payment reference belongs to at most one ticket, and at most one settled
// ticket exists per (event, buyer).
package storage

import (
	"context"
	"errors"
	"time"

	"ticketflow/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTransaction is returned when a payment reference is
	// already attached to a different ticket.
	ErrDuplicateTransaction = errors.New("payment reference already attached to another ticket")
	// ErrConflict is returned when a conditional state transition matched no
	// row: the record moved on concurrently or the rule would be violated.
	ErrConflict = errors.New("conflicting ticket state")
)

// TicketRepository persists tickets.
type TicketRepository interface {
	Insert(ctx context.Context, t *model.TicketRecord) error
	GetByID(ctx context.Context, id string) (*model.TicketRecord, error)
	// FindOpenIntent returns the most recent intent ticket for the pair,
	// or ErrNotFound.
	FindOpenIntent(ctx context.Context, eventID uint64, buyer string) (*model.TicketRecord, error)
	// FindSettled returns the paid or granted ticket for the pair, or
	// ErrNotFound. At most one can exist.
	FindSettled(ctx context.Context, eventID uint64, buyer string) (*model.TicketRecord, error)
	FindByPaymentRef(ctx context.Context, ref string) (*model.TicketRecord, error)
	// AttachPaymentRef transitions intent -> paid, attaching the reference.
	// Fails with ErrDuplicateTransaction when the reference is taken by
	// another ticket, ErrConflict when the ticket is not in intent state.
	AttachPaymentRef(ctx context.Context, id, ref string, at time.Time) error
	// MarkGranted transitions paid -> granted. ErrConflict when the ticket
	// is not in paid state.
	MarkGranted(ctx context.Context, id string, at time.Time) error
	// ListPendingGrants returns paid tickets that have a contact and can be
	// retried by the backfill pass.
	ListPendingGrants(ctx context.Context, limit int) ([]model.TicketRecord, error)
	// ListGaps returns settled tickets without a contact: purchases made
	// directly against the ledger, needing manual follow-up.
	ListGaps(ctx context.Context, limit int) ([]model.TicketRecord, error)
}

// EventRepository persists the off-chain event projection.
type EventRepository interface {
	// Upsert writes the on-chain fields of the projection, preserving the
	// off-chain ones (meeting id, sold counter, withdrawn flag) if present.
	Upsert(ctx context.Context, ev model.EventRecord) error
	Get(ctx context.Context, id uint64) (*model.EventRecord, error)
	SetWithdrawn(ctx context.Context, id uint64) error
	IncrementSold(ctx context.Context, id uint64) error
	// SetMeeting attaches the private meeting resource id used for access
	// grants.
	SetMeeting(ctx context.Context, id uint64, meetingID string) error
}

// FactRepository tracks which facts have been processed, keyed by
// (chainId, blockNumber, logIndex).
type FactRepository interface {
	Seen(ctx context.Context, key model.FactKey) (bool, error)
	// MarkProcessed records the fact with its outcome; re-marking the same
	// key is a no-op.
	MarkProcessed(ctx context.Context, key model.FactKey, outcome string) error
}
