package cycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpia/internal/events"
	"tpia/internal/exit"
	"tpia/internal/ledger"
	"tpia/internal/repository/memory"
	"tpia/pkg/config"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

var start = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

const cycleLength = 37 * 24 * time.Hour

type fixture struct {
	proc   *Processor
	exits  *exit.Engine
	ledger *ledger.Service
	store  *memory.Store
	clock  *clockwork.FakeClock
	events *events.Recorder
	seq    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(start)
	rec := events.NewRecorder()
	cfg := config.DefaultEngine()
	led := ledger.NewService(store, clock, logger.NewNop(), nil)
	exits := exit.NewEngine(store, cfg, led, clock, rec, logger.NewNop(), nil)
	return &fixture{
		proc:   NewProcessor(store, cfg, led, exits, clock, rec, logger.NewNop(), nil),
		exits:  exits,
		ledger: led,
		store:  store,
		clock:  clock,
		events: rec,
	}
}

func (f *fixture) seed(t *testing.T, mode domain.UserMode, startMode domain.CycleStartMode, gdcID uuid.UUID, withWallet bool) *domain.TPIA {
	t.Helper()
	ctx := context.Background()
	f.seq++
	userID := uuid.New()
	if withWallet {
		_, err := f.ledger.CreateWallet(ctx, userID)
		require.NoError(t, err)
	}
	due := start.Add(cycleLength)
	tp := &domain.TPIA{
		ID:              uuid.New(),
		TPIANumber:      f.seq,
		GDCID:           gdcID,
		GDCNumber:       10,
		UserID:          userID,
		Amount:          decimal.NewFromInt(1_000_000),
		CurrentValue:    decimal.NewFromInt(1_000_000),
		ProfitAmount:    decimal.NewFromInt(50_000),
		Status:          domain.TPIAStatusActive,
		UserMode:        mode,
		CycleStartMode:  startMode,
		TotalCycles:     24,
		InvestmentPhase: domain.PhaseCore,
		MaturityDate:    &due,
	}
	require.NoError(t, f.store.TPIAs().Create(ctx, tp))
	return tp
}

// tick moves the clock one cycle forward and runs the immediate sweep.
func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.clock.Advance(cycleLength)
	res, err := f.proc.SweepImmediate(context.Background(), 100)
	require.NoError(t, err)
	require.Zero(t, res.Failed, "sweep errors: %v", res.Errors)
}

func (f *fixture) load(t *testing.T, id uuid.UUID) *domain.TPIA {
	t.Helper()
	tp, err := f.store.TPIAs().FindByID(context.Background(), id)
	require.NoError(t, err)
	return tp
}

func TestExitScenarios(t *testing.T) {
	tests := []struct {
		name         string
		requestAfter int
		boundary     int
		refund       string
		penalty      string
		profits      string
		takeHome     string
	}{
		{"exit at 15", 0, 15, "600000", "400000", "750000", "1350000"},
		{"exit at 18", 16, 18, "700000", "300000", "900000", "1600000"},
		{"exit at 21", 19, 21, "800000", "200000", "1050000", "1850000"},
		{"full maturity", -1, 24, "1000000", "0", "1200000", "2200000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tp := f.seed(t, domain.UserModeEPS, domain.CycleStartImmediate, uuid.Nil, true)

			for cycle := 0; f.load(t, tp.ID).Status == domain.TPIAStatusActive; cycle++ {
				require.Less(t, cycle, 24)
				if cycle == tt.requestAfter {
					_, err := f.exits.RequestWithdrawal(ctx, tp.ID)
					require.NoError(t, err)
				}
				f.tick(t)
			}

			got := f.load(t, tp.ID)
			assert.Equal(t, domain.TPIAStatusCompleted, got.Status)
			assert.Equal(t, domain.PhaseCompleted, got.InvestmentPhase)
			assert.Equal(t, tt.boundary, got.CurrentCycle)
			assert.Equal(t, tt.refund, got.ReturnedPrincipal.String())
			assert.Equal(t, tt.penalty, got.PenaltyAmount.String())
			assert.True(t, got.ReturnedPrincipal.Add(got.PenaltyAmount).Equal(got.Amount))
			assert.Equal(t, tt.profits, got.TotalProfit().String())

			w, err := f.ledger.GetWallet(ctx, tp.UserID)
			require.NoError(t, err)
			assert.Equal(t, tt.refund, w.Balance.String())
			assert.Equal(t, tt.profits, w.EarningsBalance.String())
			assert.Equal(t, tt.takeHome, w.Balance.Add(w.EarningsBalance).String())

			assert.Len(t, f.events.OfType(events.CycleCompleted), tt.boundary)
			assert.Len(t, f.events.OfType(events.ExitSettled), 1)

			ok, err := f.ledger.VerifyChain(ctx, tp.UserID)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestTPMCreditsBalanceEachCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := f.seed(t, domain.UserModeTPM, domain.CycleStartImmediate, uuid.Nil, true)

	f.tick(t)
	f.tick(t)

	w, err := f.ledger.GetWallet(ctx, tp.UserID)
	require.NoError(t, err)
	assert.Equal(t, "100000", w.Balance.String())
	assert.True(t, w.EarningsBalance.IsZero())

	got := f.load(t, tp.ID)
	assert.Equal(t, "1100000", got.CurrentValue.String())
	require.Len(t, got.ProfitHistory, 2)
	assert.Equal(t, domain.BucketBalance, got.ProfitHistory[1].Bucket)
	assert.Equal(t, "CYCLE-1-2", got.ProfitHistory[1].Reference)
}

func TestPhaseAndExitWindow(t *testing.T) {
	f := newFixture(t)
	tp := f.seed(t, domain.UserModeEPS, domain.CycleStartImmediate, uuid.Nil, true)

	for i := 0; i < 11; i++ {
		f.tick(t)
	}
	assert.Equal(t, domain.PhaseCore, f.load(t, tp.ID).InvestmentPhase)

	f.tick(t)
	got := f.load(t, tp.ID)
	assert.Equal(t, domain.PhaseExtended, got.InvestmentPhase)
	assert.Nil(t, got.NextExitWindowStart)

	for i := 0; i < 3; i++ {
		f.tick(t)
	}
	got = f.load(t, tp.ID)
	now := f.clock.Now()
	require.NotNil(t, got.NextExitWindowStart)
	assert.True(t, got.NextExitWindowStart.Equal(now))
	assert.True(t, got.NextExitWindowEnd.Equal(now.Add(7*24*time.Hour)))
	assert.True(t, f.exits.Eligibility(got, now.Add(24*time.Hour)).Eligible)
	assert.True(t, got.MaturityDate.Equal(start.Add(16*cycleLength)))

	f.tick(t)
	got = f.load(t, tp.ID)
	assert.False(t, f.exits.Eligibility(got, f.clock.Now()).Eligible)
}

func TestProcessCycleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := f.seed(t, domain.UserModeEPS, domain.CycleStartImmediate, uuid.Nil, true)
	f.clock.Advance(cycleLength)

	require.NoError(t, f.proc.ProcessCycle(ctx, tp.ID, 1))
	before := f.load(t, tp.ID)
	walletBefore, _ := f.ledger.GetWallet(ctx, tp.UserID)

	err := f.proc.ProcessCycle(ctx, tp.ID, 1)
	assert.ErrorIs(t, err, errors.ErrCycleAlreadyProcessed)
	assert.True(t, errors.IsConflict(err))

	assert.Equal(t, before, f.load(t, tp.ID))
	walletAfter, _ := f.ledger.GetWallet(ctx, tp.UserID)
	assert.Equal(t, walletBefore, walletAfter)
	history, _ := f.ledger.History(ctx, tp.UserID)
	assert.Len(t, history, 1)

	c, err := f.store.Cycles().Find(ctx, tp.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusCompleted, c.Status)
	assert.Equal(t, "0.05", c.ProfitRate.String())
	assert.True(t, c.EndDate.Equal(start.Add(cycleLength)))
}

func TestConcurrentProcessCyclePaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := f.seed(t, domain.UserModeTPM, domain.CycleStartImmediate, uuid.Nil, true)
	f.clock.Advance(cycleLength)

	const runs = 2
	errs := make([]error, runs)
	ready := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			errs[i] = f.proc.ProcessCycle(ctx, tp.ID, 1)
		}(i)
	}
	close(ready)
	wg.Wait()

	var committed, skipped int
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.IsConflict(err):
			skipped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, skipped)

	history, err := f.ledger.History(ctx, tp.UserID)
	require.NoError(t, err)
	profits := 0
	for _, e := range history {
		if e.Type == domain.LedgerCycleProfit {
			profits++
		}
	}
	assert.Equal(t, 1, profits)

	w, err := f.ledger.GetWallet(ctx, tp.UserID)
	require.NoError(t, err)
	assert.Equal(t, "50000", w.Balance.String())
	assert.Equal(t, 1, f.load(t, tp.ID).CurrentCycle)
}

func TestProcessCycleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := f.seed(t, domain.UserModeEPS, domain.CycleStartImmediate, uuid.Nil, true)

	assert.ErrorIs(t, f.proc.ProcessCycle(ctx, tp.ID, 1), errors.ErrCycleNotDue)
	assert.ErrorIs(t, f.proc.ProcessCycle(ctx, tp.ID, 3), errors.ErrCycleOutOfOrder)
	assert.ErrorIs(t, f.proc.ProcessCycle(ctx, uuid.New(), 1), errors.ErrTPIANotFound)

	pending := f.seed(t, domain.UserModeEPS, domain.CycleStartCluster, uuid.Nil, true)
	pending.MaturityDate = nil
	require.NoError(t, f.store.TPIAs().Update(ctx, pending))
	assert.ErrorIs(t, f.proc.ProcessCycle(ctx, pending.ID, 1), errors.ErrClusterNotReady)

	_, err := f.store.Cycles().Find(ctx, tp.ID, 1)
	assert.ErrorIs(t, err, errors.ErrCycleNotFound)
}

func TestFailedCycleLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := f.seed(t, domain.UserModeEPS, domain.CycleStartImmediate, uuid.Nil, false)
	f.clock.Advance(cycleLength)

	res, err := f.proc.SweepImmediate(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], errors.ErrWalletNotFound)

	got := f.load(t, tp.ID)
	assert.Equal(t, 0, got.CurrentCycle)
	assert.Empty(t, got.ProfitHistory)
	c, err := f.store.Cycles().Find(ctx, tp.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusFailed, c.Status)
	require.NotNil(t, c.FailureReason)

	_, err = f.ledger.CreateWallet(ctx, tp.UserID)
	require.NoError(t, err)
	res, err = f.proc.SweepImmediate(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	c, err = f.store.Cycles().Find(ctx, tp.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusCompleted, c.Status)
	assert.Equal(t, 1, f.load(t, tp.ID).CurrentCycle)
}
