// Package reconcile advances the per-ticket state machine
// (intent -> paid -> granted) from at-least-once fact deliveries. Every step
// is idempotent: replays are absorbed, conflicting payment references are
// rejected without touching the winning ticket, and a failed access grant
// leaves the ticket paid for later retry.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ticketflow/internal/calendar"
	"ticketflow/internal/model"
	"ticketflow/internal/storage"
)

// Intent precondition failures, mirroring the ledger's own checks.
var (
	ErrEventNotFound    = errors.New("event not found")
	ErrEventStarted     = errors.New("event has already started")
	ErrSoldOut          = errors.New("event is sold out")
	ErrAlreadyPurchased = errors.New("buyer already holds a ticket for this event")
	ErrValidation       = errors.New("invalid input")
)

// Processed-fact outcomes recorded for audit.
const (
	outcomeApplied   = "applied"
	outcomeReplayed  = "replayed"
	outcomeGap       = "gap"
	outcomeDuplicate = "duplicate-transaction"
	outcomeProjected = "projected"
	outcomeRecorded  = "recorded"
)

// Config holds service tuning.
type Config struct {
	// GrantTimeout bounds each access-grant call; a timeout is a failure
	// and the ticket stays paid.
	GrantTimeout time.Duration
}

// Service is the reconciliation core.
type Service struct {
	tickets storage.TicketRepository
	events  storage.EventRepository
	facts   storage.FactRepository
	granter calendar.Granter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewService wires the service over its repositories and the access-grant
// collaborator.
func NewService(tickets storage.TicketRepository, events storage.EventRepository, facts storage.FactRepository, granter calendar.Granter, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GrantTimeout <= 0 {
		cfg.GrantTimeout = 10 * time.Second
	}
	return &Service{
		tickets: tickets,
		events:  events,
		facts:   facts,
		granter: granter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// FactResult describes what processing one fact did.
type FactResult struct {
	// AlreadyProcessed: the fact key was seen before; nothing changed.
	AlreadyProcessed bool
	// Duplicate: the payment reference conflicts with another ticket; the
	// fact was recorded and dropped, the original ticket untouched.
	Duplicate bool
	// Gap: a paid ticket was created from on-chain data only (no contact).
	Gap bool
	// Granted: the ticket reached granted during this call.
	Granted bool
	TicketID string
}

// HandleFact applies one fact. Safe to call any number of times with the
// same fact.
func (s *Service) HandleFact(ctx context.Context, fact model.Fact) (FactResult, error) {
	var res FactResult

	if err := fact.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	seen, err := s.facts.Seen(ctx, fact.FactKey)
	if err != nil {
		return res, fmt.Errorf("check processed fact: %w", err)
	}
	if seen {
		res.AlreadyProcessed = true
		return res, nil
	}

	switch fact.Kind {
	case model.KindTicketPurchased:
		return s.handleTicketPurchased(ctx, fact)
	case model.KindEventCreated:
		return s.handleEventCreated(ctx, fact)
	case model.KindRevenueWithdrawn:
		return s.handleRevenueWithdrawn(ctx, fact)
	case model.KindPlatformFeesWithdrawn:
		s.logger.Info("platform fees withdrawn",
			zap.String("fact", fact.FactKey.String()),
			zap.String("owner", fact.PlatformFeesWithdrawn.Owner),
			zap.String("amount", fact.PlatformFeesWithdrawn.Amount.String()),
		)
		return res, s.markProcessed(ctx, fact, outcomeRecorded)
	default:
		return res, fmt.Errorf("%w: unhandled fact kind %s", ErrValidation, fact.Kind)
	}
}

func (s *Service) handleEventCreated(ctx context.Context, fact model.Fact) (FactResult, error) {
	var res FactResult
	ec := fact.EventCreated

	err := s.events.Upsert(ctx, model.EventRecord{
		ID:           ec.EventID,
		Organizer:    strings.ToLower(ec.Organizer),
		Price:        ec.Price,
		MaxAttendees: ec.MaxAttendees,
		EventTime:    ec.EventTime,
	})
	if err != nil {
		return res, fmt.Errorf("project event %d: %w", ec.EventID, err)
	}

	s.logger.Info("event projected",
		zap.String("fact", fact.FactKey.String()),
		zap.Uint64("event_id", ec.EventID),
		zap.String("organizer", ec.Organizer),
	)
	return res, s.markProcessed(ctx, fact, outcomeProjected)
}

func (s *Service) handleRevenueWithdrawn(ctx context.Context, fact model.Fact) (FactResult, error) {
	var res FactResult
	rw := fact.RevenueWithdrawn

	if err := s.events.SetWithdrawn(ctx, rw.EventID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("mark event %d withdrawn: %w", rw.EventID, err)
	}

	s.logger.Info("revenue withdrawn",
		zap.String("fact", fact.FactKey.String()),
		zap.Uint64("event_id", rw.EventID),
		zap.String("amount", rw.Amount.String()),
	)
	return res, s.markProcessed(ctx, fact, outcomeProjected)
}

func (s *Service) handleTicketPurchased(ctx context.Context, fact model.Fact) (FactResult, error) {
	var res FactResult
	tp := fact.TicketPurchased
	buyer := strings.ToLower(tp.Buyer)
	ref := strings.ToLower(fact.TxHash)
	if ref == "" {
		return res, fmt.Errorf("%w: purchase fact without transaction hash", ErrValidation)
	}

	// Replay of a reference we already attached: success, no new effects
	// beyond retrying a still-pending grant.
	holder, err := s.tickets.FindByPaymentRef(ctx, ref)
	switch {
	case err == nil:
		if holder.EventID == tp.EventID && holder.Buyer == buyer {
			res.TicketID = holder.ID
			if holder.Status == model.StatusPaid {
				res.Granted = s.tryGrant(ctx, holder)
			}
			return res, s.markProcessed(ctx, fact, outcomeReplayed)
		}
		// The hash is claimed by a different (event, buyer) pair.
		return s.rejectDuplicate(ctx, fact, holder, &res)
	case errors.Is(err, storage.ErrNotFound):
		// fall through
	default:
		return res, fmt.Errorf("lookup payment ref: %w", err)
	}

	// Tie-break: the pair already settled under another reference. The first
	// attached reference wins; this fact is dropped.
	settled, err := s.tickets.FindSettled(ctx, tp.EventID, buyer)
	switch {
	case err == nil:
		return s.rejectDuplicate(ctx, fact, settled, &res)
	case errors.Is(err, storage.ErrNotFound):
		// fall through
	default:
		return res, fmt.Errorf("lookup settled ticket: %w", err)
	}

	ticket, err := s.tickets.FindOpenIntent(ctx, tp.EventID, buyer)
	switch {
	case err == nil:
		if err := s.tickets.AttachPaymentRef(ctx, ticket.ID, ref, s.now()); err != nil {
			switch {
			case errors.Is(err, storage.ErrDuplicateTransaction):
				return s.rejectDuplicate(ctx, fact, nil, &res)
			case errors.Is(err, storage.ErrConflict):
				// Lost the race to a concurrent delivery of the same pair.
				return s.resolveRace(ctx, fact, ref, &res)
			default:
				return res, fmt.Errorf("attach payment ref: %w", err)
			}
		}
		ticket.Status = model.StatusPaid
		ticket.PaymentRef = ref

	case errors.Is(err, storage.ErrNotFound):
		// Purchase made directly against the ledger, bypassing the
		// storefront. Record it from on-chain data; without a contact the
		// grant cannot be automated, which is a reconciliation gap, not an
		// error.
		now := s.now().UTC()
		ticket = &model.TicketRecord{
			ID:              uuid.NewString(),
			EventID:         tp.EventID,
			Buyer:           buyer,
			PriceAtPurchase: tp.Price,
			PaymentRef:      ref,
			Status:          model.StatusPaid,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.tickets.Insert(ctx, ticket); err != nil {
			switch {
			case errors.Is(err, storage.ErrDuplicateTransaction):
				return s.rejectDuplicate(ctx, fact, nil, &res)
			case errors.Is(err, storage.ErrConflict):
				return s.resolveRace(ctx, fact, ref, &res)
			default:
				return res, fmt.Errorf("record gap ticket: %w", err)
			}
		}
		res.Gap = true
		s.logger.Warn("purchase without storefront intent; recorded as gap",
			zap.String("fact", fact.FactKey.String()),
			zap.Uint64("event_id", tp.EventID),
			zap.String("buyer", buyer),
		)

	default:
		return res, fmt.Errorf("lookup open intent: %w", err)
	}

	if err := s.events.IncrementSold(ctx, tp.EventID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("increment sold counter: %w", err)
	}

	res.TicketID = ticket.ID
	res.Granted = s.tryGrant(ctx, ticket)

	outcome := outcomeApplied
	if res.Gap {
		outcome = outcomeGap
	}
	return res, s.markProcessed(ctx, fact, outcome)
}

// rejectDuplicate records the fact as a consistency conflict and drops it.
// Retrying cannot change the outcome, so the fact is marked processed and
// the caller reports success to the delivery layer.
func (s *Service) rejectDuplicate(ctx context.Context, fact model.Fact, winner *model.TicketRecord, res *FactResult) (FactResult, error) {
	res.Duplicate = true
	fields := []zap.Field{
		zap.String("fact", fact.FactKey.String()),
		zap.String("tx_hash", fact.TxHash),
		zap.Uint64("event_id", fact.TicketPurchased.EventID),
		zap.String("buyer", fact.TicketPurchased.Buyer),
	}
	if winner != nil {
		fields = append(fields, zap.String("winning_ticket", winner.ID))
	}
	s.logger.Warn("duplicate transaction; fact dropped", fields...)
	return *res, s.markProcessed(ctx, fact, outcomeDuplicate)
}

// resolveRace re-reads the pair after a conditional update lost; if the same
// reference won concurrently this is a replay, otherwise a duplicate.
func (s *Service) resolveRace(ctx context.Context, fact model.Fact, ref string, res *FactResult) (FactResult, error) {
	settled, err := s.tickets.FindSettled(ctx, fact.TicketPurchased.EventID, strings.ToLower(fact.TicketPurchased.Buyer))
	if err != nil {
		return *res, fmt.Errorf("resolve settle race: %w", err)
	}
	if settled.PaymentRef == ref {
		res.TicketID = settled.ID
		return *res, s.markProcessed(ctx, fact, outcomeReplayed)
	}
	return s.rejectDuplicate(ctx, fact, settled, res)
}

// tryGrant attempts the access grant for a paid ticket. Failure is reported
// for retry, never returned as an error: paid without granted is a valid
// state.
func (s *Service) tryGrant(ctx context.Context, ticket *model.TicketRecord) bool {
	if ticket.BuyerContact == "" {
		return false
	}

	ev, err := s.events.Get(ctx, ticket.EventID)
	if err != nil {
		s.logger.Warn("grant deferred: event projection missing",
			zap.String("ticket", ticket.ID), zap.Uint64("event_id", ticket.EventID), zap.Error(err))
		return false
	}
	if ev.MeetingID == "" {
		s.logger.Warn("grant deferred: event has no meeting resource",
			zap.String("ticket", ticket.ID), zap.Uint64("event_id", ticket.EventID))
		return false
	}

	grantCtx, cancel := context.WithTimeout(ctx, s.cfg.GrantTimeout)
	defer cancel()
	if err := s.granter.AddAttendee(grantCtx, ev.MeetingID, ticket.BuyerContact); err != nil {
		s.logger.Warn("access grant failed; ticket stays paid",
			zap.String("ticket", ticket.ID),
			zap.Uint64("event_id", ticket.EventID),
			zap.String("contact", ticket.BuyerContact),
			zap.Error(err),
		)
		return false
	}

	if err := s.tickets.MarkGranted(ctx, ticket.ID, s.now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another delivery granted it first; same effect.
			return true
		}
		s.logger.Error("grant succeeded but status update failed; backfill will retry",
			zap.String("ticket", ticket.ID), zap.Error(err))
		return false
	}
	ticket.Status = model.StatusGranted

	s.logger.Info("access granted",
		zap.String("ticket", ticket.ID),
		zap.Uint64("event_id", ticket.EventID),
		zap.String("contact", ticket.BuyerContact),
	)
	return true
}

// IntentRequest is the storefront's declaration of an upcoming purchase.
type IntentRequest struct {
	EventID      uint64 `json:"event_id"`
	Buyer        string `json:"buyer"`
	BuyerContact string `json:"buyer_contact"`
}

// CreateIntent records an intent ticket after mirroring the ledger's own
// purchase preconditions against the projection.
func (s *Service) CreateIntent(ctx context.Context, req IntentRequest) (*model.TicketRecord, error) {
	if !common.IsHexAddress(req.Buyer) {
		return nil, fmt.Errorf("%w: invalid buyer address %q", ErrValidation, req.Buyer)
	}
	if req.BuyerContact == "" || !strings.Contains(req.BuyerContact, "@") {
		return nil, fmt.Errorf("%w: invalid buyer contact %q", ErrValidation, req.BuyerContact)
	}
	buyer := strings.ToLower(common.HexToAddress(req.Buyer).Hex())
	contact := strings.ToLower(strings.TrimSpace(req.BuyerContact))

	ev, err := s.events.Get(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev.Started(s.now()) {
		return nil, ErrEventStarted
	}
	if ev.SoldOut() {
		return nil, ErrSoldOut
	}

	if _, err := s.tickets.FindSettled(ctx, req.EventID, buyer); err == nil {
		return nil, ErrAlreadyPurchased
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup settled ticket: %w", err)
	}

	now := s.now().UTC()
	ticket := &model.TicketRecord{
		ID:              uuid.NewString(),
		EventID:         req.EventID,
		Buyer:           buyer,
		BuyerContact:    contact,
		PriceAtPurchase: ev.Price,
		Status:          model.StatusIntent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.tickets.Insert(ctx, ticket); err != nil {
		return nil, fmt.Errorf("insert intent: %w", err)
	}

	s.logger.Info("intent created",
		zap.String("ticket", ticket.ID),
		zap.Uint64("event_id", req.EventID),
		zap.String("buyer", buyer),
	)
	return ticket, nil
}

// RegisterMeeting attaches the meeting resource id to an event projection.
func (s *Service) RegisterMeeting(ctx context.Context, eventID uint64, meetingID string) error {
	if meetingID == "" {
		return fmt.Errorf("%w: meeting id is required", ErrValidation)
	}
	if err := s.events.SetMeeting(ctx, eventID, meetingID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrEventNotFound
		}
		return fmt.Errorf("set meeting: %w", err)
	}
	return nil
}

// RetryPendingGrants re-attempts the access grant for paid tickets that have
// a contact. Returns how many reached granted.
func (s *Service) RetryPendingGrants(ctx context.Context, limit int) (int, error) {
	pending, err := s.tickets.ListPendingGrants(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending grants: %w", err)
	}

	granted := 0
	for i := range pending {
		select {
		case <-ctx.Done():
			return granted, ctx.Err()
		default:
		}
		ticket := pending[i]
		if s.tryGrant(ctx, &ticket) {
			granted++
		}
	}
	return granted, nil
}

// ListGaps returns settled tickets that need manual follow-up.
func (s *Service) ListGaps(ctx context.Context, limit int) ([]model.TicketRecord, error) {
	return s.tickets.ListGaps(ctx, limit)
}

// RebuildSummary reports a projection rebuild.
type RebuildSummary struct {
	Processed        int
	AlreadyProcessed int
	Duplicates       int
	Gaps             int
	Failed           int
}

// Rebuild replays a fact log through the state machine. Because every step
// is idempotent, replaying over existing state converges to the same
// projection; over empty storage it reconstructs it.
func (s *Service) Rebuild(ctx context.Context, log []model.Fact) (RebuildSummary, error) {
	var sum RebuildSummary
	for _, fact := range log {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		default:
		}

		res, err := s.HandleFact(ctx, fact)
		if err != nil {
			sum.Failed++
			s.logger.Error("rebuild: fact failed", zap.String("fact", fact.FactKey.String()), zap.Error(err))
			continue
		}
		sum.Processed++
		if res.AlreadyProcessed {
			sum.AlreadyProcessed++
		}
		if res.Duplicate {
			sum.Duplicates++
		}
		if res.Gap {
			sum.Gaps++
		}
	}
	return sum, nil
}

func (s *Service) markProcessed(ctx context.Context, fact model.Fact, outcome string) error {
	if err := s.facts.MarkProcessed(ctx, fact.FactKey, outcome); err != nil {
		return fmt.Errorf("mark fact processed: %w", err)
	}
	return nil
}
