package outbox

import (
	"fmt"
	"sync"
	"time"

	"ticketflow/internal/model"
)

// MemoryStore is an in-memory outbox for tests and replay runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[model.FactKey]*Entry
	order   []model.FactKey
	now     func() time.Time
}

// NewMemoryStore builds an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[model.FactKey]*Entry),
		now:     time.Now,
	}
}

// Append records facts as pending. Duplicate keys are ignored.
func (s *MemoryStore) Append(facts []model.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facts {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, ok := s.entries[f.FactKey]; ok {
			continue
		}
		s.entries[f.FactKey] = &Entry{
			Fact:       f,
			Status:     StatusPending,
			AppendedAt: s.now().UTC(),
		}
		s.order = append(s.order, f.FactKey)
	}
	return nil
}

// Due returns pending entries ready for a delivery attempt.
func (s *MemoryStore) Due(now time.Time, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, key := range s.order {
		e := s.entries[key]
		if e.Status != StatusPending || e.NextAttempt.After(now) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered moves an entry to delivered.
func (s *MemoryStore) MarkDelivered(key model.FactKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("unknown outbox entry: %s", key)
	}
	e.Status = StatusDelivered
	e.Attempts++
	e.LastError = ""
	at = at.UTC()
	e.DeliveredAt = &at
	return nil
}

// MarkFailed records a failed attempt and schedules the next one.
func (s *MemoryStore) MarkFailed(key model.FactKey, lastError string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("unknown outbox entry: %s", key)
	}
	e.Attempts++
	e.LastError = lastError
	e.NextAttempt = nextAttempt
	return nil
}

// Pending returns the number of undelivered entries.
func (s *MemoryStore) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// Entry returns a copy of one entry, for tests and inspection.
func (s *MemoryStore) Entry(key model.FactKey) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
