// Package postgres is the pgx-backed storage implementation. The unique
// indexes carry the concurrency rules: payment_ref is unique across tickets,
// and a partial unique index allows one settled ticket per (event, buyer).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticketflow/internal/model"
	"ticketflow/internal/money"
	"ticketflow/internal/storage"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id                 text PRIMARY KEY,
	event_id           bigint NOT NULL,
	buyer              text NOT NULL,
	buyer_contact      text NOT NULL DEFAULT '',
	price_at_purchase  bigint NOT NULL,
	payment_ref        text,
	status             text NOT NULL,
	created_at         timestamptz NOT NULL,
	updated_at         timestamptz NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS tickets_payment_ref_key
	ON tickets (payment_ref) WHERE payment_ref IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS tickets_settled_pair_key
	ON tickets (event_id, buyer) WHERE status IN ('paid', 'granted');
CREATE INDEX IF NOT EXISTS tickets_pair_idx ON tickets (event_id, buyer, created_at DESC);
CREATE INDEX IF NOT EXISTS tickets_status_idx ON tickets (status, created_at);

CREATE TABLE IF NOT EXISTS events (
	id             bigint PRIMARY KEY,
	organizer      text NOT NULL,
	price          bigint NOT NULL,
	max_attendees  bigint NOT NULL,
	event_time     bigint NOT NULL,
	tickets_sold   bigint NOT NULL DEFAULT 0,
	has_withdrawn  boolean NOT NULL DEFAULT false,
	meeting_id     text NOT NULL DEFAULT '',
	updated_at     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processed_facts (
	chain_id      bigint NOT NULL,
	block_number  bigint NOT NULL,
	log_index     bigint NOT NULL,
	outcome       text NOT NULL,
	processed_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, block_number, log_index)
);
`

// Store provides postgres persistence for tickets, event projections, and
// processed facts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to postgres.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates tables and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const ticketColumns = `id, event_id, buyer, buyer_contact, price_at_purchase, COALESCE(payment_ref, ''), status, created_at, updated_at`

func scanTicket(row pgx.Row) (*model.TicketRecord, error) {
	var t model.TicketRecord
	var price int64
	err := row.Scan(&t.ID, &t.EventID, &t.Buyer, &t.BuyerContact, &price, &t.PaymentRef, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	t.PriceAtPurchase = money.FromUnits(price)
	return &t, nil
}

// Insert adds a ticket. Unique-index violations map to the storage sentinel
// errors.
func (s *Store) Insert(ctx context.Context, t *model.TicketRecord) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets (id, event_id, buyer, buyer_contact, price_at_purchase, payment_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`,
		t.ID, int64(t.EventID), t.Buyer, t.BuyerContact, t.PriceAtPurchase.Units(),
		t.PaymentRef, string(t.Status), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		if constraint := uniqueConstraint(err); constraint != "" {
			if constraint == "tickets_payment_ref_key" {
				return storage.ErrDuplicateTransaction
			}
			return storage.ErrConflict
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.TicketRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (s *Store) FindOpenIntent(ctx context.Context, eventID uint64, buyer string) (*model.TicketRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE event_id = $1 AND buyer = $2 AND status = 'intent'
		ORDER BY created_at DESC LIMIT 1
	`, int64(eventID), buyer)
	return scanTicket(row)
}

func (s *Store) FindSettled(ctx context.Context, eventID uint64, buyer string) (*model.TicketRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE event_id = $1 AND buyer = $2 AND status IN ('paid', 'granted')
		LIMIT 1
	`, int64(eventID), buyer)
	return scanTicket(row)
}

func (s *Store) FindByPaymentRef(ctx context.Context, ref string) (*model.TicketRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE payment_ref = $1`, ref)
	return scanTicket(row)
}

// AttachPaymentRef performs the intent -> paid transition as one conditional
// update; the partial unique indexes reject lost-update interleavings.
func (s *Store) AttachPaymentRef(ctx context.Context, id, ref string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET payment_ref = $2, status = 'paid', updated_at = $3
		WHERE id = $1 AND status = 'intent'
	`, id, ref, at.UTC())
	if err != nil {
		if uniqueConstraint(err) != "" {
			return storage.ErrDuplicateTransaction
		}
		return fmt.Errorf("attach payment ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) MarkGranted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET status = 'granted', updated_at = $2
		WHERE id = $1 AND status = 'paid'
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark granted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) ListPendingGrants(ctx context.Context, limit int) ([]model.TicketRecord, error) {
	return s.listTickets(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = 'paid' AND buyer_contact <> ''
		ORDER BY created_at
		LIMIT $1
	`, normalizeLimit(limit))
}

func (s *Store) ListGaps(ctx context.Context, limit int) ([]model.TicketRecord, error) {
	return s.listTickets(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status IN ('paid', 'granted') AND buyer_contact = ''
		ORDER BY created_at
		LIMIT $1
	`, normalizeLimit(limit))
}

func (s *Store) listTickets(ctx context.Context, query string, limit int) ([]model.TicketRecord, error) {
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []model.TicketRecord
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Upsert writes the on-chain projection fields, preserving meeting id, sold
// counter, and withdrawn flag on conflict.
func (s *Store) Upsert(ctx context.Context, ev model.EventRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, organizer, price, max_attendees, event_time, tickets_sold, has_withdrawn, meeting_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			organizer = EXCLUDED.organizer,
			price = EXCLUDED.price,
			max_attendees = EXCLUDED.max_attendees,
			event_time = EXCLUDED.event_time,
			updated_at = now()
	`,
		int64(ev.ID), ev.Organizer, ev.Price.Units(), int64(ev.MaxAttendees),
		int64(ev.EventTime), int64(ev.TicketsSold), ev.HasWithdrawn, ev.MeetingID,
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*model.EventRecord, error) {
	var ev model.EventRecord
	var price int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, organizer, price, max_attendees, event_time, tickets_sold, has_withdrawn, meeting_id
		FROM events WHERE id = $1
	`, int64(id)).Scan(&ev.ID, &ev.Organizer, &price, &ev.MaxAttendees, &ev.EventTime, &ev.TicketsSold, &ev.HasWithdrawn, &ev.MeetingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev.Price = money.FromUnits(price)
	return &ev, nil
}

func (s *Store) SetWithdrawn(ctx context.Context, id uint64) error {
	return s.updateEvent(ctx, `UPDATE events SET has_withdrawn = true, updated_at = now() WHERE id = $1`, id)
}

func (s *Store) IncrementSold(ctx context.Context, id uint64) error {
	return s.updateEvent(ctx, `UPDATE events SET tickets_sold = tickets_sold + 1, updated_at = now() WHERE id = $1`, id)
}

func (s *Store) SetMeeting(ctx context.Context, id uint64, meetingID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET meeting_id = $2, updated_at = now() WHERE id = $1`, int64(id), meetingID)
	if err != nil {
		return fmt.Errorf("set meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) updateEvent(ctx context.Context, query string, id uint64) error {
	tag, err := s.pool.Exec(ctx, query, int64(id))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Seen(ctx context.Context, key model.FactKey) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM processed_facts WHERE chain_id = $1 AND block_number = $2 AND log_index = $3
	`, int64(key.ChainID), int64(key.BlockNumber), int64(key.LogIndex)).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check fact: %w", err)
	}
	return true, nil
}

func (s *Store) MarkProcessed(ctx context.Context, key model.FactKey, outcome string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_facts (chain_id, block_number, log_index, outcome)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, block_number, log_index) DO NOTHING
	`, int64(key.ChainID), int64(key.BlockNumber), int64(key.LogIndex), outcome)
	if err != nil {
		return fmt.Errorf("mark fact processed: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}
