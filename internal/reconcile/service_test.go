package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketflow/internal/calendar"
	"ticketflow/internal/model"
	"ticketflow/internal/money"
	"ticketflow/internal/storage"
	"ticketflow/internal/storage/memory"
)

const (
	buyerAddr     = "0x1111111111111111111111111111111111111111"
	organizerAddr = "0x2222222222222222222222222222222222222222"
	buyerContact  = "buyer@example.com"
)

type fakeGranter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *fakeGranter) AddAttendee(_ context.Context, meetingID, contact string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.calls = append(g.calls, meetingID+"/"+contact)
	return nil
}

func (g *fakeGranter) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fixture struct {
	store   *memory.Store
	granter *fakeGranter
	svc     *Service
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		granter: &fakeGranter{},
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.store, f.store, f.granter, Config{GrantTimeout: time.Second}, zap.NewNop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

// seedEvent projects an event with a meeting resource attached, starting one
// hour after the fixture clock.
func (f *fixture) seedEvent(t *testing.T, id uint64, price string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Upsert(ctx, model.EventRecord{
		ID:           id,
		Organizer:    organizerAddr,
		Price:        money.MustParse(price),
		MaxAttendees: 10,
		EventTime:    uint64(f.clock.Add(time.Hour).Unix()),
	}))
	require.NoError(t, f.store.SetMeeting(ctx, id, "meet-42"))
}

func purchaseFact(block uint64, eventID uint64, buyer, txHash, price string) model.Fact {
	return model.Fact{
		FactKey: model.FactKey{ChainID: 97, BlockNumber: block, LogIndex: 0},
		Kind:    model.KindTicketPurchased,
		TxHash:  txHash,
		TicketPurchased: &model.TicketPurchasedFact{
			EventID: eventID,
			Buyer:   buyer,
			Price:   money.MustParse(price),
		},
	}
}

func TestCreateIntentPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")

	_, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: "not-an-address", BuyerContact: buyerContact})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: "no-at-sign"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{EventID: 99, Buyer: buyerAddr, BuyerContact: buyerContact})
	assert.ErrorIs(t, err, ErrEventNotFound)

	f.clock = f.clock.Add(2 * time.Hour)
	_, err = f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	assert.ErrorIs(t, err, ErrEventStarted)
	f.clock = f.clock.Add(-2 * time.Hour)

	ticket, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)
	assert.Equal(t, model.StatusIntent, ticket.Status)
	assert.Equal(t, money.MustParse("10.00"), ticket.PriceAtPurchase)
}

func TestCreateIntentSoldOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Upsert(ctx, model.EventRecord{
		ID: 0, Organizer: organizerAddr, Price: money.MustParse("1.00"),
		MaxAttendees: 1, EventTime: uint64(f.clock.Add(time.Hour).Unix()),
	}))
	require.NoError(t, f.store.IncrementSold(ctx, 0))

	_, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	assert.ErrorIs(t, err, ErrSoldOut)
}

func TestHappyPathIntentToGranted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")

	intent, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	res, err := f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xabc", "10.00"))
	require.NoError(t, err)
	assert.Equal(t, intent.ID, res.TicketID)
	assert.True(t, res.Granted)
	assert.False(t, res.Gap)

	got, err := f.store.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGranted, got.Status)
	assert.Equal(t, "0xabc", got.PaymentRef)
	assert.Equal(t, 1, f.granter.callCount())

	ev, err := f.store.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.TicketsSold)
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")
	_, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	fact := purchaseFact(5, 0, buyerAddr, "0xabc", "10.00")
	_, err = f.svc.HandleFact(ctx, fact)
	require.NoError(t, err)

	res, err := f.svc.HandleFact(ctx, fact)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	assert.Equal(t, 1, f.granter.callCount())
	ev, err := f.store.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.TicketsSold)
}

func TestGrantFailureStaysPaidThenBackfillGrantsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	f.granter.err = calendar.ErrUnavailable
	res, err := f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xabc", "10.00"))
	require.NoError(t, err)
	assert.False(t, res.Granted)

	got, err := f.store.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Status)

	f.granter.err = nil
	granted, err := f.svc.RetryPendingGrants(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)

	// Second pass finds nothing pending.
	granted, err = f.svc.RetryPendingGrants(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)
	assert.Equal(t, 1, f.granter.callCount())
}

func TestDirectPurchaseRecordedAsGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")

	res, err := f.svc.HandleFact(ctx, purchaseFact(7, 0, buyerAddr, "0xdef", "10.00"))
	require.NoError(t, err)
	assert.True(t, res.Gap)
	assert.False(t, res.Granted)
	assert.Equal(t, 0, f.granter.callCount())

	gaps, err := f.svc.ListGaps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, model.StatusPaid, gaps[0].Status)
	assert.Empty(t, gaps[0].BuyerContact)
	assert.Equal(t, money.MustParse("10.00"), gaps[0].PriceAtPurchase)

	// Gaps without a contact never enter the backfill pass.
	granted, err := f.svc.RetryPendingGrants(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)
}

func TestDuplicateTransactionDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	_, err = f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xabc", "10.00"))
	require.NoError(t, err)

	// Second fact for the same pair carries a different hash. The first
	// attached reference wins; the fact is dropped and never retried.
	res, err := f.svc.HandleFact(ctx, purchaseFact(6, 0, buyerAddr, "0xother", "10.00"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	got, err := f.store.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.PaymentRef)
	assert.Equal(t, model.StatusGranted, got.Status)

	seen, err := f.store.Seen(ctx, model.FactKey{ChainID: 97, BlockNumber: 6, LogIndex: 0})
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSameHashDifferentPairRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")

	_, err := f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xabc", "10.00"))
	require.NoError(t, err)

	other := "0x3333333333333333333333333333333333333333"
	res, err := f.svc.HandleFact(ctx, purchaseFact(6, 0, other, "0xabc", "10.00"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	_, err = f.store.FindSettled(ctx, 0, other)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// raceTickets simulates a concurrent delivery winning a conditional update:
// the hook runs the winner's write, then the caller's own update reports the
// lost race.
type raceTickets struct {
	storage.TicketRepository
	onAttach func(id string)
	onGrant  func(id string)
}

func (r *raceTickets) AttachPaymentRef(ctx context.Context, id, ref string, at time.Time) error {
	if r.onAttach != nil {
		fn := r.onAttach
		r.onAttach = nil
		fn(id)
		return storage.ErrConflict
	}
	return r.TicketRepository.AttachPaymentRef(ctx, id, ref, at)
}

func (r *raceTickets) MarkGranted(ctx context.Context, id string, at time.Time) error {
	if r.onGrant != nil {
		fn := r.onGrant
		r.onGrant = nil
		fn(id)
		return storage.ErrConflict
	}
	return r.TicketRepository.MarkGranted(ctx, id, at)
}

func newRaceFixture(t *testing.T) (*fixture, *raceTickets) {
	t.Helper()
	f := newFixture(t)
	race := &raceTickets{TicketRepository: f.store}
	f.svc = NewService(race, f.store, f.store, f.granter, Config{GrantTimeout: time.Second}, zap.NewNop())
	f.svc.now = func() time.Time { return f.clock }
	return f, race
}

func TestLostSettleRaceSameRefIsReplay(t *testing.T) {
	f, race := newRaceFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	// The concurrent delivery of the same fact attaches the same reference
	// before this one's conditional update lands.
	race.onAttach = func(id string) {
		require.NoError(t, f.store.AttachPaymentRef(ctx, id, "0xabc", f.clock))
	}

	res, err := f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xabc", "10.00"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, intent.ID, res.TicketID)

	got, err := f.store.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Status)
	assert.Equal(t, "0xabc", got.PaymentRef)

	seen, err := f.store.Seen(ctx, model.FactKey{ChainID: 97, BlockNumber: 5, LogIndex: 0})
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestLostSettleRaceDifferentRefIsDuplicate(t *testing.T) {
	f, race := newRaceFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	// A different transaction for the same pair settles first; the first
	// attached reference wins.
	race.onAttach = func(id string) {
		require.NoError(t, f.store.AttachPaymentRef(ctx, id, "0xwinner", f.clock))
	}

	res, err := f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xloser", "10.00"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	got, err := f.store.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xwinner", got.PaymentRef)
	assert.Equal(t, model.StatusPaid, got.Status)
}

func TestLostGrantRaceCountsAsGranted(t *testing.T) {
	f, race := newRaceFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{EventID: 0, Buyer: buyerAddr, BuyerContact: buyerContact})
	require.NoError(t, err)

	// Another delivery flips paid -> granted between this one's grant call
	// and its status update.
	race.onGrant = func(id string) {
		require.NoError(t, f.store.MarkGranted(ctx, id, f.clock))
	}

	res, err := f.svc.HandleFact(ctx, purchaseFact(5, 0, buyerAddr, "0xabc", "10.00"))
	require.NoError(t, err)
	assert.True(t, res.Granted)

	got, err := f.store.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGranted, got.Status)
}

func TestEventCreatedProjectsAndPreservesMeeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fact := model.Fact{
		FactKey: model.FactKey{ChainID: 97, BlockNumber: 1, LogIndex: 0},
		Kind:    model.KindEventCreated,
		TxHash:  "0x01",
		EventCreated: &model.EventCreatedFact{
			EventID:      3,
			Organizer:    organizerAddr,
			Price:        money.MustParse("25.00"),
			MaxAttendees: 50,
			EventTime:    uint64(f.clock.Add(time.Hour).Unix()),
		},
	}
	_, err := f.svc.HandleFact(ctx, fact)
	require.NoError(t, err)

	require.NoError(t, f.svc.RegisterMeeting(ctx, 3, "meet-7"))

	// Replaying the projection with a new key keeps the meeting id.
	fact.BlockNumber = 2
	_, err = f.svc.HandleFact(ctx, fact)
	require.NoError(t, err)

	ev, err := f.store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "meet-7", ev.MeetingID)
	assert.Equal(t, money.MustParse("25.00"), ev.Price)
}

func TestRevenueWithdrawnMarksEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, 0, "10.00")

	fact := model.Fact{
		FactKey:          model.FactKey{ChainID: 97, BlockNumber: 9, LogIndex: 0},
		Kind:             model.KindRevenueWithdrawn,
		TxHash:           "0x09",
		RevenueWithdrawn: &model.RevenueWithdrawnFact{EventID: 0, Organizer: organizerAddr, Amount: money.MustParse("9.75")},
	}
	_, err := f.svc.HandleFact(ctx, fact)
	require.NoError(t, err)

	ev, err := f.store.Get(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ev.HasWithdrawn)
}

func TestHandleFactRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleFact(ctx, model.Fact{
		FactKey: model.FactKey{ChainID: 97, BlockNumber: 1},
		Kind:    model.KindTicketPurchased,
		TxHash:  "0x01",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.HandleFact(ctx, model.Fact{
		FactKey: model.FactKey{ChainID: 97, BlockNumber: 2},
		Kind:    model.FactKind("bogus"),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRebuildReconstructsProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eventTime := uint64(f.clock.Add(time.Hour).Unix())
	log := []model.Fact{
		{
			FactKey: model.FactKey{ChainID: 97, BlockNumber: 1, LogIndex: 0},
			Kind:    model.KindEventCreated,
			TxHash:  "0x01",
			EventCreated: &model.EventCreatedFact{
				EventID: 0, Organizer: organizerAddr,
				Price: money.MustParse("10.00"), MaxAttendees: 10, EventTime: eventTime,
			},
		},
		purchaseFact(2, 0, buyerAddr, "0xabc", "10.00"),
		purchaseFact(2, 0, buyerAddr, "0xabc", "10.00"), // same key, replay
		{
			FactKey:          model.FactKey{ChainID: 97, BlockNumber: 3, LogIndex: 0},
			Kind:             model.KindRevenueWithdrawn,
			TxHash:           "0x03",
			RevenueWithdrawn: &model.RevenueWithdrawnFact{EventID: 0, Organizer: organizerAddr, Amount: money.MustParse("9.75")},
		},
	}

	sum, err := f.svc.Rebuild(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Processed)
	assert.Equal(t, 1, sum.AlreadyProcessed)
	assert.Equal(t, 1, sum.Gaps)
	assert.Equal(t, 0, sum.Failed)

	ev, err := f.store.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.TicketsSold)
	assert.True(t, ev.HasWithdrawn)

	ticket, err := f.store.FindByPaymentRef(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, ticket.Status)

	// Replaying the whole log again changes nothing.
	sum, err = f.svc.Rebuild(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.AlreadyProcessed)
}
