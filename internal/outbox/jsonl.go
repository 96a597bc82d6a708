package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ticketflow/internal/model"
)

// JsonlStore is a file-backed outbox: an append-only journal of entry
// snapshots, one JSON object per line. The last line for a fact key wins, so
// the full delivery history stays on disk and the live state is rebuilt by
// replaying the file on open.
type JsonlStore struct {
	mu      sync.Mutex
	path    string
	entries map[model.FactKey]*Entry
	order   []model.FactKey
}

// OpenJsonlStore opens (or creates) the journal at path and replays it.
func OpenJsonlStore(path string) (*JsonlStore, error) {
	s := &JsonlStore{
		path:    path,
		entries: make(map[model.FactKey]*Entry),
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open outbox journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse outbox journal line %d: %w", line, err)
		}
		key := e.Fact.FactKey
		if _, ok := s.entries[key]; !ok {
			s.order = append(s.order, key)
		}
		copied := e
		s.entries[key] = &copied
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read outbox journal: %w", err)
	}
	return s, nil
}

// Append durably records facts as pending before returning.
func (s *JsonlStore) Append(facts []model.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []*Entry
	for _, f := range facts {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, ok := s.entries[f.FactKey]; ok {
			continue
		}
		e := &Entry{
			Fact:       f,
			Status:     StatusPending,
			AppendedAt: time.Now().UTC(),
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := s.writeLines(fresh); err != nil {
		return err
	}
	for _, e := range fresh {
		s.entries[e.Fact.FactKey] = e
		s.order = append(s.order, e.Fact.FactKey)
	}
	return nil
}

// Due returns pending entries ready for a delivery attempt.
func (s *JsonlStore) Due(now time.Time, limit int) ([]Entry, error) {
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

// MarkDelivered journals the delivered state of an entry.
func (s *JsonlStore) MarkDelivered(key model.FactKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("unknown outbox entry: %s", key)
	}
	updated := *e
	updated.Status = StatusDelivered
	updated.Attempts++
	updated.LastError = ""
	at = at.UTC()
	updated.DeliveredAt = &at
	if err := s.writeLines([]*Entry{&updated}); err != nil {
		return err
	}
	*e = updated
	return nil
}

// MarkFailed journals a failed attempt and its retry schedule.
func (s *JsonlStore) MarkFailed(key model.FactKey, lastError string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("unknown outbox entry: %s", key)
	}
	updated := *e
	updated.Attempts++
	updated.LastError = lastError
	updated.NextAttempt = nextAttempt
	if err := s.writeLines([]*Entry{&updated}); err != nil {
		return err
	}
	*e = updated
	return nil
}

// Pending returns the number of undelivered entries.
func (s *JsonlStore) Pending() (int, error) {
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

// Facts returns every recorded fact in append order, for replay.
func (s *JsonlStore) Facts() []model.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Fact, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.entries[key].Fact)
	}
	return out
}

func (s *JsonlStore) writeLines(entries []*Entry) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create outbox dir: %w", err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox journal: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal outbox entry: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write outbox entry: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush outbox journal: %w", err)
	}
	return file.Sync()
}
