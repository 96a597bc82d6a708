// Package ledger implements the escrow contract state machine in-process:
// capacity-limited ticket sales paid from a 6-decimal token balance, a
// platform fee accumulator, and per-event revenue withdrawal. Every
// successful operation appends facts to an append-only log keyed exactly
// like chain logs, so the off-chain projection can be rebuilt from it.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ticketflow/internal/model"
	"ticketflow/internal/money"
)

// Validation errors: rejected before any state change.
var (
	ErrInvalidPrice    = errors.New("price must be greater than zero")
	ErrInvalidCapacity = errors.New("max attendees must be greater than zero")
	ErrInvalidTime     = errors.New("event time must be in the future")
)

// Business-rule errors: the operation aborts with no partial effect.
var (
	ErrEventNotFound         = errors.New("event not found")
	ErrEventStarted          = errors.New("event has already started")
	ErrSoldOut               = errors.New("event is sold out")
	ErrAlreadyPurchased      = errors.New("buyer already holds a ticket for this event")
	ErrInsufficientFunds     = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
	ErrNotOrganizer          = errors.New("caller is not the event organizer")
	ErrNoSalesYet            = errors.New("no tickets sold")
	ErrAlreadyWithdrawn      = errors.New("revenue already withdrawn")
	ErrNoFeesToWithdraw      = errors.New("no platform fees to withdraw")
	ErrNotOwner              = errors.New("caller is not the platform owner")
)

// Event is the ledger's view of one event.
type Event struct {
	ID           uint64
	Organizer    common.Address
	Price        money.Amount
	MaxAttendees uint64
	EventTime    uint64
	TicketsSold  uint64
	HasWithdrawn bool
}

// Ledger is the authoritative escrow state. Operations execute sequentially
// under one mutex; a failed precondition leaves no partial state.
type Ledger struct {
	mu sync.Mutex

	chainID uint64
	owner   common.Address
	now     func() uint64

	balances   map[common.Address]money.Amount
	allowances map[common.Address]money.Amount

	contractBalance money.Amount
	platformFees    money.Amount

	events    []*Event
	purchased map[uint64]map[common.Address]bool

	facts  []model.Fact
	height uint64
}

// New builds an empty ledger. now supplies the current ledger time in unix
// seconds and is evaluated at each time-gated operation.
func New(chainID uint64, owner common.Address, now func() uint64) *Ledger {
	return &Ledger{
		chainID:    chainID,
		owner:      owner,
		now:        now,
		balances:   make(map[common.Address]money.Amount),
		allowances: make(map[common.Address]money.Amount),
		purchased:  make(map[uint64]map[common.Address]bool),
	}
}

// Mint credits a holder's token balance.
func (l *Ledger) Mint(holder common.Address, amount money.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holder] += amount
}

// Approve sets the allowance the holder grants to the ledger.
func (l *Ledger) Approve(holder common.Address, amount money.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[holder] = amount
}

// BalanceOf returns the holder's token balance.
func (l *Ledger) BalanceOf(holder common.Address) money.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holder]
}

// Allowance returns the allowance the holder granted to the ledger.
func (l *Ledger) Allowance(holder common.Address) money.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[holder]
}

// CreateEvent registers a new event and returns its sequential id. Ids start
// at 0, increment by exactly one per call and are never reused.
func (l *Ledger) CreateEvent(organizer common.Address, price money.Amount, maxAttendees uint64, eventTime uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if price <= 0 {
		return 0, ErrInvalidPrice
	}
	if maxAttendees == 0 {
		return 0, ErrInvalidCapacity
	}
	if eventTime <= l.now() {
		return 0, ErrInvalidTime
	}

	id := uint64(len(l.events))
	ev := &Event{
		ID:           id,
		Organizer:    organizer,
		Price:        price,
		MaxAttendees: maxAttendees,
		EventTime:    eventTime,
	}
	l.events = append(l.events, ev)
	l.purchased[id] = make(map[common.Address]bool)

	l.emit(model.KindEventCreated, &model.Fact{
		EventCreated: &model.EventCreatedFact{
			EventID:      id,
			Organizer:    lower(organizer),
			Price:        price,
			MaxAttendees: maxAttendees,
			EventTime:    eventTime,
		},
	})
	return id, nil
}

// PurchaseTicket sells one ticket to buyer, paid from the buyer's
// pre-approved allowance for exactly the event price.
func (l *Ledger) PurchaseTicket(buyer common.Address, eventID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, err := l.eventByID(eventID)
	if err != nil {
		return err
	}
	ts := l.now()
	if ts >= ev.EventTime {
		return ErrEventStarted
	}
	if ev.TicketsSold >= ev.MaxAttendees {
		return ErrSoldOut
	}
	if l.purchased[eventID][buyer] {
		return ErrAlreadyPurchased
	}
	if l.balances[buyer] < ev.Price {
		return ErrInsufficientFunds
	}
	if l.allowances[buyer] < ev.Price {
		return ErrInsufficientAllowance
	}

	l.balances[buyer] -= ev.Price
	l.allowances[buyer] -= ev.Price
	l.contractBalance += ev.Price
	ev.TicketsSold++
	l.purchased[eventID][buyer] = true
	l.platformFees += money.PlatformFee(ev.Price)

	l.emit(model.KindTicketPurchased, &model.Fact{
		TicketPurchased: &model.TicketPurchasedFact{
			EventID:   eventID,
			Buyer:     lower(buyer),
			Price:     ev.Price,
			Timestamp: ts,
		},
	})
	return nil
}

// WithdrawRevenue transfers the organizer's share of all sales to the
// organizer. Callable once per event, only after at least one sale.
func (l *Ledger) WithdrawRevenue(caller common.Address, eventID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, err := l.eventByID(eventID)
	if err != nil {
		return err
	}
	if caller != ev.Organizer {
		return ErrNotOrganizer
	}
	if ev.TicketsSold == 0 {
		return ErrNoSalesYet
	}
	if ev.HasWithdrawn {
		return ErrAlreadyWithdrawn
	}

	amount := l.revenueOf(ev)
	ev.HasWithdrawn = true
	l.contractBalance -= amount
	l.balances[caller] += amount

	l.emit(model.KindRevenueWithdrawn, &model.Fact{
		RevenueWithdrawn: &model.RevenueWithdrawnFact{
			EventID:   eventID,
			Organizer: lower(caller),
			Amount:    amount,
		},
	})
	return nil
}

// WithdrawPlatformFees transfers the full fee accumulator to the platform
// owner and resets it to zero atomically.
func (l *Ledger) WithdrawPlatformFees(caller common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	if l.platformFees == 0 {
		return ErrNoFeesToWithdraw
	}

	amount := l.platformFees
	l.platformFees = 0
	l.contractBalance -= amount
	l.balances[caller] += amount

	l.emit(model.KindPlatformFeesWithdrawn, &model.Fact{
		PlatformFeesWithdrawn: &model.PlatformFeesWithdrawnFact{
			Owner:  lower(caller),
			Amount: amount,
		},
	})
	return nil
}

// GetEvent returns a copy of the event.
func (l *Ledger) GetEvent(eventID uint64) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, err := l.eventByID(eventID)
	if err != nil {
		return Event{}, err
	}
	return *ev, nil
}

// GetEventRevenue returns the organizer's withdrawable share: zero once
// withdrawn, otherwise ticketsSold times the per-sale organizer share.
func (l *Ledger) GetEventRevenue(eventID uint64) (money.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, err := l.eventByID(eventID)
	if err != nil {
		return 0, err
	}
	if ev.HasWithdrawn {
		return 0, nil
	}
	return l.revenueOf(ev), nil
}

// HasUserPurchasedTicket reports whether buyer holds a ticket for the event.
func (l *Ledger) HasUserPurchasedTicket(eventID uint64, buyer common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.purchased[eventID][buyer]
}

// EventCounter returns the number of events created so far.
func (l *Ledger) EventCounter() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.events))
}

// PlatformFeesAccumulated returns the current fee accumulator.
func (l *Ledger) PlatformFeesAccumulated() money.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.platformFees
}

// ContractBalance returns the tokens held in escrow.
func (l *Ledger) ContractBalance() money.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contractBalance
}

// Facts returns a copy of the append-only fact log.
func (l *Ledger) Facts() []model.Fact {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Fact, len(l.facts))
	copy(out, l.facts)
	return out
}

func (l *Ledger) eventByID(id uint64) (*Event, error) {
	if id >= uint64(len(l.events)) {
		return nil, ErrEventNotFound
	}
	return l.events[id], nil
}

// revenueOf recomputes the organizer share per ticket rather than
// subtracting the accumulated fee, so truncation never drifts.
func (l *Ledger) revenueOf(ev *Event) money.Amount {
	return money.OrganizerShare(ev.Price) * money.Amount(ev.TicketsSold)
}

// emit appends a fact, assigning the next block height under the ledger's
// chain id. Each operation occupies its own block with log index 0.
func (l *Ledger) emit(kind model.FactKind, f *model.Fact) {
	l.height++
	f.FactKey = model.FactKey{ChainID: l.chainID, BlockNumber: l.height, LogIndex: 0}
	f.Kind = kind
	f.TxHash = fmt.Sprintf("0x%064x", l.height)
	f.Timestamp = l.now()
	l.facts = append(l.facts, *f)
}

func lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
