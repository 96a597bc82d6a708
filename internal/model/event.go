package model

import (
	"time"

	"ticketflow/internal/money"
)

// EventRecord is the off-chain projection of one ledger event plus the
// metadata the ledger does not hold (the private meeting resource id).
type EventRecord struct {
	ID           uint64       `json:"id"`
	Organizer    string       `json:"organizer"`
	Price        money.Amount `json:"price"`
	MaxAttendees uint64       `json:"max_attendees"`
	EventTime    uint64       `json:"event_time"`
	TicketsSold  uint64       `json:"tickets_sold"`
	HasWithdrawn bool         `json:"has_withdrawn"`
	MeetingID    string       `json:"meeting_id,omitempty"`
}

// Started reports whether the event has begun at the given instant.
func (e EventRecord) Started(at time.Time) bool {
	return uint64(at.Unix()) >= e.EventTime
}

// SoldOut reports whether capacity is exhausted.
func (e EventRecord) SoldOut() bool {
	return e.TicketsSold >= e.MaxAttendees
}
