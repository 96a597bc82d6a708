package model

import (
	"fmt"

	"ticketflow/internal/money"
)

// FactKind identifies the ledger log a fact was derived from.
type FactKind string

const (
	KindEventCreated          FactKind = "event-created"
	KindTicketPurchased       FactKind = "ticket-purchased"
	KindRevenueWithdrawn      FactKind = "revenue-withdrawn"
	KindPlatformFeesWithdrawn FactKind = "platform-fees-withdrawn"
)

// Valid reports whether the kind is one of the four ledger log kinds.
func (k FactKind) Valid() bool {
	switch k {
	case KindEventCreated, KindTicketPurchased, KindRevenueWithdrawn, KindPlatformFeesWithdrawn:
		return true
	}
	return false
}

// FactKey is the globally unique identity of a fact and the idempotency key
// for all downstream processing.
type FactKey struct {
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint64 `json:"log_index"`
}

// String returns the canonical chainID_blockNumber_logIndex form.
func (k FactKey) String() string {
	return fmt.Sprintf("%d_%d_%d", k.ChainID, k.BlockNumber, k.LogIndex)
}

// Fact is the immutable record derived from one ledger log entry. Exactly one
// payload pointer is set, matching Kind.
type Fact struct {
	FactKey
	Kind      FactKind `json:"kind"`
	TxHash    string   `json:"tx_hash"`
	Address   string   `json:"address"`
	Timestamp uint64   `json:"timestamp"`

	EventCreated          *EventCreatedFact          `json:"event_created,omitempty"`
	TicketPurchased       *TicketPurchasedFact       `json:"ticket_purchased,omitempty"`
	RevenueWithdrawn      *RevenueWithdrawnFact      `json:"revenue_withdrawn,omitempty"`
	PlatformFeesWithdrawn *PlatformFeesWithdrawnFact `json:"platform_fees_withdrawn,omitempty"`
}

// EventCreatedFact mirrors the EventCreated ledger log.
type EventCreatedFact struct {
	EventID      uint64       `json:"event_id"`
	Organizer    string       `json:"organizer"`
	Price        money.Amount `json:"price"`
	MaxAttendees uint64       `json:"max_attendees"`
	EventTime    uint64       `json:"event_time"`
}

// TicketPurchasedFact mirrors the TicketPurchased ledger log. The transaction
// hash on the envelope doubles as the payment reference downstream.
type TicketPurchasedFact struct {
	EventID   uint64       `json:"event_id"`
	Buyer     string       `json:"buyer"`
	Price     money.Amount `json:"price"`
	Timestamp uint64       `json:"timestamp"`
}

// RevenueWithdrawnFact mirrors the RevenueWithdrawn ledger log.
type RevenueWithdrawnFact struct {
	EventID   uint64       `json:"event_id"`
	Organizer string       `json:"organizer"`
	Amount    money.Amount `json:"amount"`
}

// PlatformFeesWithdrawnFact mirrors the PlatformFeesWithdrawn ledger log.
type PlatformFeesWithdrawnFact struct {
	Owner  string       `json:"owner"`
	Amount money.Amount `json:"amount"`
}

// Validate checks that the payload matches the declared kind.
func (f Fact) Validate() error {
	if !f.Kind.Valid() {
		return fmt.Errorf("unknown fact kind: %q", f.Kind)
	}
	ok := false
	switch f.Kind {
	case KindEventCreated:
		ok = f.EventCreated != nil
	case KindTicketPurchased:
		ok = f.TicketPurchased != nil
	case KindRevenueWithdrawn:
		ok = f.RevenueWithdrawn != nil
	case KindPlatformFeesWithdrawn:
		ok = f.PlatformFeesWithdrawn != nil
	}
	if !ok {
		return fmt.Errorf("fact %s missing %s payload", f.FactKey, f.Kind)
	}
	return nil
}
