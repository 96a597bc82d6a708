package model

import (
	"fmt"
	"time"

	"ticketflow/internal/money"
)

// TicketStatus is the closed set of ticket states. Transitions only move
// forward: intent -> paid -> granted.
type TicketStatus string

const (
	// StatusIntent: the buyer declared the purchase through the storefront;
	// no on-chain confirmation yet.
	StatusIntent TicketStatus = "intent"
	// StatusPaid: a ticket-purchased fact matched; the payment reference is
	// attached. A valid, billable terminal state when the access grant cannot
	// be completed.
	StatusPaid TicketStatus = "paid"
	// StatusGranted: the buyer's contact was added to the meeting resource.
	StatusGranted TicketStatus = "granted"
)

// Valid reports whether the status is a known state.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusIntent, StatusPaid, StatusGranted:
		return true
	}
	return false
}

// Settled reports whether the on-chain payment has been matched.
func (s TicketStatus) Settled() bool {
	return s == StatusPaid || s == StatusGranted
}

// TicketRecord is the off-chain projection of one ticket. At most one settled
// ticket may exist per (EventID, Buyer); PaymentRef is unique across all
// tickets once set.
type TicketRecord struct {
	ID              string       `json:"id"`
	EventID         uint64       `json:"event_id"`
	Buyer           string       `json:"buyer"`
	BuyerContact    string       `json:"buyer_contact,omitempty"`
	PriceAtPurchase money.Amount `json:"price_at_purchase"`
	PaymentRef      string       `json:"payment_ref,omitempty"`
	Status          TicketStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IsGap reports whether this is a reconciliation gap: a settled ticket with
// no off-chain contact, so access cannot be auto-granted.
func (t TicketRecord) IsGap() bool {
	return t.Status.Settled() && t.BuyerContact == ""
}

// Validate checks structural invariants on the record.
func (t TicketRecord) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("ticket id required")
	}
	if t.Buyer == "" {
		return fmt.Errorf("ticket buyer required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid ticket status: %q", t.Status)
	}
	if t.Status.Settled() && t.PaymentRef == "" {
		return fmt.Errorf("settled ticket missing payment reference")
	}
	if t.Status == StatusIntent && t.PaymentRef != "" {
		return fmt.Errorf("intent ticket carries payment reference")
	}
	return nil
}
