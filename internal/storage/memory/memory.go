// Package memory is the in-memory storage implementation, used by tests and
// replay runs. It enforces the same uniqueness rules as the postgres
// implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ticketflow/internal/model"
	"ticketflow/internal/storage"
)

// Store implements every storage repository over mutex-guarded maps.
type Store struct {
	mu      sync.Mutex
	tickets map[string]*model.TicketRecord
	order   []string
	events  map[uint64]*model.EventRecord
	facts   map[model.FactKey]string
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		tickets: make(map[string]*model.TicketRecord),
		events:  make(map[uint64]*model.EventRecord),
		facts:   make(map[model.FactKey]string),
	}
}

// Insert adds a ticket, enforcing ref uniqueness and the one-settled-ticket
// rule.
func (s *Store) Insert(_ context.Context, t *model.TicketRecord) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[t.ID]; ok {
		return fmt.Errorf("ticket %s: %w", t.ID, storage.ErrConflict)
	}
	if t.PaymentRef != "" {
		if other := s.byRefLocked(t.PaymentRef); other != nil {
			return storage.ErrDuplicateTransaction
		}
	}
	if t.Status.Settled() {
		if other := s.settledLocked(t.EventID, t.Buyer); other != nil {
			return storage.ErrConflict
		}
	}

	copied := *t
	s.tickets[t.ID] = &copied
	s.order = append(s.order, t.ID)
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*model.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *Store) FindOpenIntent(_ context.Context, eventID uint64, buyer string) (*model.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.TicketRecord
	for _, id := range s.order {
		t := s.tickets[id]
		if t.EventID == eventID && t.Buyer == buyer && t.Status == model.StatusIntent {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	copied := *candidates[0]
	return &copied, nil
}

func (s *Store) FindSettled(_ context.Context, eventID uint64, buyer string) (*model.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.settledLocked(eventID, buyer); t != nil {
		copied := *t
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) FindByPaymentRef(_ context.Context, ref string) (*model.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.byRefLocked(ref); t != nil {
		copied := *t
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) AttachPaymentRef(_ context.Context, id, ref string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return storage.ErrNotFound
	}
	if other := s.byRefLocked(ref); other != nil && other.ID != id {
		return storage.ErrDuplicateTransaction
	}
	if t.Status != model.StatusIntent {
		return storage.ErrConflict
	}
	if other := s.settledLocked(t.EventID, t.Buyer); other != nil {
		return storage.ErrConflict
	}

	t.PaymentRef = ref
	t.Status = model.StatusPaid
	t.UpdatedAt = at.UTC()
	return nil
}

func (s *Store) MarkGranted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != model.StatusPaid {
		return storage.ErrConflict
	}
	t.Status = model.StatusGranted
	t.UpdatedAt = at.UTC()
	return nil
}

func (s *Store) ListPendingGrants(_ context.Context, limit int) ([]model.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TicketRecord
	for _, id := range s.order {
		t := s.tickets[id]
		if t.Status == model.StatusPaid && t.BuyerContact != "" {
			out = append(out, *t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListGaps(_ context.Context, limit int) ([]model.TicketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TicketRecord
	for _, id := range s.order {
		t := s.tickets[id]
		if t.IsGap() {
			out = append(out, *t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) Upsert(_ context.Context, ev model.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[ev.ID]; ok {
		existing.Organizer = ev.Organizer
		existing.Price = ev.Price
		existing.MaxAttendees = ev.MaxAttendees
		existing.EventTime = ev.EventTime
		return nil
	}
	copied := ev
	s.events[ev.ID] = &copied
	return nil
}

func (s *Store) Get(_ context.Context, id uint64) (*model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *ev
	return &copied, nil
}

func (s *Store) SetWithdrawn(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	ev.HasWithdrawn = true
	return nil
}

func (s *Store) IncrementSold(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	ev.TicketsSold++
	return nil
}

func (s *Store) SetMeeting(_ context.Context, id uint64, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	ev.MeetingID = meetingID
	return nil
}

func (s *Store) Seen(_ context.Context, key model.FactKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.facts[key]
	return ok, nil
}

func (s *Store) MarkProcessed(_ context.Context, key model.FactKey, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[key]; ok {
		return nil
	}
	s.facts[key] = outcome
	return nil
}

func (s *Store) byRefLocked(ref string) *model.TicketRecord {
	if ref == "" {
		return nil
	}
	for _, t := range s.tickets {
		if t.PaymentRef == ref {
			return t
		}
	}
	return nil
}

func (s *Store) settledLocked(eventID uint64, buyer string) *model.TicketRecord {
	for _, t := range s.tickets {
		if t.EventID == eventID && t.Buyer == buyer && t.Status.Settled() {
			return t
		}
	}
	return nil
}
