package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpia/internal/cluster"
	"tpia/internal/commodity"
	"tpia/internal/events"
	"tpia/internal/exit"
	"tpia/internal/ledger"
	"tpia/internal/repository"
	"tpia/internal/repository/memory"
	"tpia/pkg/config"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

var start = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

// flakyStore loses the first n transactions to a concurrent writer.
type flakyStore struct {
	*memory.Store
	conflicts int
	attempts  int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.attempts++
	if s.conflicts > 0 {
		s.conflicts--
		return errors.ErrConcurrentUpdate
	}
	return s.Store.WithTx(ctx, fn)
}

type fixture struct {
	svc       *Service
	allocator *cluster.Allocator
	ledger    *ledger.Service
	store     *flakyStore
	clock     *clockwork.FakeClock
	events    *events.Recorder
	gold      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &flakyStore{Store: memory.NewStore()}
	clock := clockwork.NewFakeClockAt(start)
	rec := events.NewRecorder()
	cfg := config.DefaultEngine()
	log := logger.NewNop()

	gold := uuid.New()
	require.NoError(t, store.Commodities().Upsert(context.Background(), &domain.Commodity{
		ID: gold, Code: "XAU", Name: "Gold", NavPrice: decimal.RequireFromString("2315.40"), UpdatedAt: start,
	}))

	led := ledger.NewService(store, clock, log, nil)
	alloc := cluster.NewAllocator(store, cfg, clock, rec, log, nil)
	exits := exit.NewEngine(store, cfg, led, clock, rec, log, nil)
	catalog := commodity.NewStoreCatalog(store.Commodities())
	return &fixture{
		svc:       NewService(store, cfg, led, alloc, exits, catalog, clock, rec, log, nil),
		allocator: alloc,
		ledger:    led,
		store:     store,
		clock:     clock,
		events:    rec,
		gold:      gold,
	}
}

func (f *fixture) funded(t *testing.T, amount string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	userID := uuid.New()
	_, err := f.ledger.CreateWallet(ctx, userID)
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, userID, decimal.RequireFromString(amount), "")
	require.NoError(t, err)
	return userID
}

func (f *fixture) request(userID uuid.UUID, mode domain.CycleStartMode) PurchaseRequest {
	return PurchaseRequest{
		UserID:         userID,
		CommodityID:    f.gold,
		UserMode:       domain.UserModeEPS,
		CycleStartMode: mode,
	}
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.funded(t, "1000000")

	req := f.request(userID, domain.CycleStartCluster)
	req.UserMode = "HODL"
	_, err := f.svc.Purchase(ctx, req)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "user_mode")

	req = f.request(userID, domain.CycleStartCluster)
	req.CommodityID = uuid.New()
	_, err = f.svc.Purchase(ctx, req)
	assert.ErrorIs(t, err, errors.ErrCommodityNotFound)
}

func TestPurchaseDebitsWalletAndJoinsCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.funded(t, "1500000")

	tp, err := f.svc.Purchase(ctx, f.request(userID, domain.CycleStartCluster))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tp.TPIANumber)
	assert.Equal(t, 10, tp.GDCNumber)
	assert.Equal(t, domain.TPIAStatusPendingApproval, tp.Status)
	assert.Equal(t, domain.PhaseCore, tp.InvestmentPhase)
	assert.Equal(t, "50000", tp.ProfitAmount.String())

	w, err := f.ledger.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "500000", w.Balance.String())

	gdc, err := f.store.GDCs().FindByID(ctx, tp.GDCID)
	require.NoError(t, err)
	assert.Equal(t, 1, gdc.CurrentFill)
	assert.Equal(t, f.gold, gdc.CommodityID)
	assert.Len(t, f.events.OfType(events.TPIAPurchased), 1)
}

func TestPurchaseWithoutFundsChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.funded(t, "999999")

	_, err := f.svc.Purchase(ctx, f.request(userID, domain.CycleStartCluster))
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	highest, err := f.store.GDCs().MaxNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, highest)
	assert.Empty(t, f.events.Events())
}

func TestPurchaseRetriesLostRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.funded(t, "2000000")

	f.store.conflicts, f.store.attempts = 2, 0
	_, err := f.svc.Purchase(ctx, f.request(userID, domain.CycleStartCluster))
	require.NoError(t, err)
	assert.Equal(t, 3, f.store.attempts)

	f.store.conflicts, f.store.attempts = maxPurchaseAttempts, 0
	_, err = f.svc.Purchase(ctx, f.request(userID, domain.CycleStartCluster))
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, maxPurchaseAttempts, f.store.attempts)

	w, _ := f.ledger.GetWallet(ctx, userID)
	assert.Equal(t, "1000000", w.Balance.String())
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.funded(t, "1000000")
	tp, err := f.svc.Purchase(ctx, f.request(userID, domain.CycleStartImmediate))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	admin := uuid.New()
	got, err := f.svc.Approve(ctx, tp.ID, &admin)
	require.NoError(t, err)

	now := f.clock.Now()
	assert.Equal(t, domain.TPIAStatusActive, got.Status)
	assert.False(t, got.AutoApproved)
	assert.Equal(t, admin, *got.ApprovedBy)
	require.NotNil(t, got.InsurancePolicyID)
	assert.Contains(t, *got.InsurancePolicyID, "INS-")
	assert.True(t, got.ApprovalDate.Equal(now))
	assert.True(t, got.FinalMaturityDate.Equal(now.Add(24*37*24*time.Hour)))
	assert.True(t, got.MaturityDate.Equal(now.Add(37*24*time.Hour)))

	gdc, err := f.store.GDCs().FindByID(ctx, tp.GDCID)
	require.NoError(t, err)
	require.NotNil(t, gdc.Members[0].ApprovalDate)

	_, err = f.svc.Approve(ctx, tp.ID, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Len(t, f.events.OfType(events.TPIAApproved), 1)
}

func TestRejectRefundsAndFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last *domain.TPIA
	for i := 0; i < 10; i++ {
		tp, err := f.svc.Purchase(ctx, f.request(f.funded(t, "1000000"), domain.CycleStartCluster))
		require.NoError(t, err)
		last = tp
	}
	gdc, _ := f.store.GDCs().FindByID(ctx, last.GDCID)
	require.Equal(t, domain.GDCStatusFull, gdc.Status)

	_, err := f.svc.Reject(ctx, last.ID, uuid.New(), "   ")
	assert.ErrorIs(t, err, errors.ErrRejectReasonRequired)

	got, err := f.svc.Reject(ctx, last.ID, uuid.New(), "KYC <mismatch>")
	require.NoError(t, err)
	assert.Equal(t, domain.TPIAStatusCancelled, got.Status)
	assert.Equal(t, "KYC &lt;mismatch&gt;", *got.RejectionReason)
	require.NotNil(t, got.ApprovalDate)

	gdc, _ = f.store.GDCs().FindByID(ctx, last.GDCID)
	assert.Equal(t, domain.GDCStatusFilling, gdc.Status)
	assert.Equal(t, 9, gdc.CurrentFill)

	w, _ := f.ledger.GetWallet(ctx, last.UserID)
	assert.Equal(t, "1000000", w.Balance.String())

	_, err = f.svc.Reject(ctx, last.ID, uuid.New(), "again")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	next, err := f.svc.Purchase(ctx, f.request(f.funded(t, "1000000"), domain.CycleStartCluster))
	require.NoError(t, err)
	assert.Equal(t, 10, next.GDCNumber)
}

func TestAutoApproveAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp, err := f.svc.Purchase(ctx, f.request(f.funded(t, "1000000"), domain.CycleStartCluster))
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	res, err := f.svc.AutoApprove(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)

	f.clock.Advance(31 * time.Minute)
	res, err = f.svc.AutoApprove(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	got, err := f.svc.Get(ctx, tp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TPIAStatusActive, got.Status)
	assert.True(t, got.AutoApproved)
	assert.Nil(t, got.ApprovedBy)
	assert.Nil(t, got.MaturityDate)
}

func TestClusterActivationAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		tp, err := f.svc.Purchase(ctx, f.request(f.funded(t, "1000000"), domain.CycleStartCluster))
		require.NoError(t, err)
		ids = append(ids, tp.ID)
	}
	f.clock.Advance(time.Hour + time.Minute)
	res, err := f.svc.AutoApprove(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Processed)

	act, err := f.allocator.ActivateReady(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, act.Processed)

	sum, err := f.svc.Summary(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, 888, sum.DaysUntilMaturity)
	assert.Equal(t, 24, sum.CyclesRemaining)
	assert.Equal(t, 0, sum.GDCAvailableSlots)
	assert.False(t, sum.Exit.Eligible)
	require.NotNil(t, sum.NavPrice)
	assert.Equal(t, "2315.4", sum.NavPrice.String())
	require.NotNil(t, sum.TPIA.MaturityDate)
	assert.True(t, sum.TPIA.MaturityDate.Equal(f.clock.Now().Add(37*24*time.Hour)))
}
