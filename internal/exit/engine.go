// Package exit decides when a TPIA may leave early and settles the
// penalty/refund split through the wallet ledger.
package exit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"tpia/internal/events"
	"tpia/internal/ledger"
	"tpia/internal/metrics"
	"tpia/internal/repository"
	"tpia/pkg/config"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

type Engine struct {
	store     repository.Store
	cfg       config.EngineConfig
	ledger    *ledger.Service
	clock     clockwork.Clock
	publisher events.Publisher
	logger    logger.Logger
	metrics   *metrics.Metrics
}

func NewEngine(store repository.Store, cfg config.EngineConfig, ledgerSvc *ledger.Service, clock clockwork.Clock, pub events.Publisher, log logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:     store,
		cfg:       cfg.Clone(),
		ledger:    ledgerSvc,
		clock:     clock,
		publisher: pub,
		logger:    log,
		metrics:   m,
	}
}

// Quote splits amount at rate. penalty + returned == amount always holds.
func Quote(amount, rate decimal.Decimal) (penalty, returned decimal.Decimal) {
	penalty = amount.Mul(rate)
	returned = amount.Sub(penalty)
	return penalty, returned
}

type Eligibility struct {
	Eligible    bool            `json:"eligible"`
	Boundary    int             `json:"boundary,omitempty"`
	PenaltyRate decimal.Decimal `json:"penalty_rate"`
	WindowStart *time.Time      `json:"window_start,omitempty"`
	WindowEnd   *time.Time      `json:"window_end,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Eligibility evaluates t at now without touching state.
func (e *Engine) Eligibility(t *domain.TPIA, now time.Time) Eligibility {
	out := Eligibility{WindowStart: t.NextExitWindowStart, WindowEnd: t.NextExitWindowEnd}
	switch {
	case t.Status != domain.TPIAStatusActive:
		out.Reason = "tpia is " + string(t.Status)
	case t.CurrentCycle >= e.cfg.TotalCycles:
		out.Eligible = true
		out.Boundary = e.cfg.TotalCycles
		out.PenaltyRate = decimal.Zero
	case t.InvestmentPhase != domain.PhaseExtended:
		out.Reason = "principal is locked until cycle " + strconv.Itoa(e.cfg.CoreCycles)
	case !t.ExitWindowOpen(now):
		out.Reason = "no exit window is open"
	default:
		boundary := e.cfg.BoundaryFor(t.CurrentCycle)
		rate, ok := e.cfg.PenaltyRate(boundary)
		if !ok {
			out.Reason = fmt.Sprintf("no penalty configured for cycle %d", boundary)
			return out
		}
		out.Eligible = true
		out.Boundary = boundary
		out.PenaltyRate = rate
	}
	return out
}

// RequestWithdrawal flags t for exit. Inside an open window it settles at once;
// otherwise settlement waits for the next boundary cycle.
func (e *Engine) RequestWithdrawal(ctx context.Context, tpiaID uuid.UUID) (*domain.TPIA, error) {
	var (
		out  *domain.TPIA
		evts []events.Event
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := tx.TPIAs().FindByIDForUpdate(ctx, tpiaID)
		if err != nil {
			return err
		}
		if t.Status != domain.TPIAStatusActive {
			return errors.ErrTPIANotActive
		}
		if t.WithdrawalRequested {
			return errors.ErrWithdrawalAlreadyRequested
		}

		now := e.clock.Now().UTC()
		t.WithdrawalRequested = true
		t.WithdrawalRequestedAt = &now
		t.UpdatedAt = now
		evts = append(evts, events.New(events.ExitRequested, t.ID, now, map[string]interface{}{
			"tpia_number":   t.TPIANumber,
			"current_cycle": t.CurrentCycle,
		}).ForUser(t.UserID))

		if el := e.Eligibility(t, now); el.Eligible {
			settled, err := e.Settle(ctx, tx, t, el.Boundary)
			if err != nil {
				return err
			}
			evts = append(evts, settled...)
		}

		if err := tx.TPIAs().Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Withdrawal requested", map[string]interface{}{
		"tpia_id":       tpiaID,
		"tpia_number":   out.TPIANumber,
		"current_cycle": out.CurrentCycle,
		"settled":       out.Status == domain.TPIAStatusCompleted,
	})
	events.Emit(ctx, e.publisher, e.logger, e.metrics, evts)
	return out, nil
}

// CancelWithdrawal clears a request that has not been settled yet.
func (e *Engine) CancelWithdrawal(ctx context.Context, tpiaID uuid.UUID) (*domain.TPIA, error) {
	var out *domain.TPIA
	err := e.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := tx.TPIAs().FindByIDForUpdate(ctx, tpiaID)
		if err != nil {
			return err
		}
		if t.Status != domain.TPIAStatusActive {
			return errors.ErrTPIANotActive
		}
		if !t.WithdrawalRequested {
			return errors.ErrNoWithdrawalRequested
		}
		t.WithdrawalRequested = false
		t.WithdrawalRequestedAt = nil
		t.UpdatedAt = e.clock.Now().UTC()
		if err := tx.TPIAs().Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Withdrawal cancelled", map[string]interface{}{"tpia_id": tpiaID})
	return out, nil
}

// Settle completes t at boundary inside tx: it credits the returned principal
// as a REFUND and marks t COMPLETED. The penalty stays with the platform.
// The caller persists t.
func (e *Engine) Settle(ctx context.Context, tx repository.Tx, t *domain.TPIA, boundary int) ([]events.Event, error) {
	rate, ok := e.cfg.PenaltyRate(boundary)
	if !ok {
		return nil, errors.ErrPenaltyNotConfigured
	}
	penalty, returned := Quote(t.Amount, rate)

	if returned.IsPositive() {
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      t.UserID,
			Bucket:      domain.BucketBalance,
			Amount:      returned,
			Type:        domain.LedgerRefund,
			Reference:   fmt.Sprintf("EXIT-%d", t.TPIANumber),
			TPIAID:      &t.ID,
			Description: fmt.Sprintf("Principal returned at cycle %d", boundary),
		}); err != nil {
			return nil, err
		}
	}

	if err := t.TransitionTo(domain.TPIAStatusCompleted); err != nil {
		return nil, err
	}
	if err := t.AdvancePhase(domain.PhaseCompleted); err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	t.PenaltyAmount = penalty
	t.ReturnedPrincipal = returned
	t.ExitPenaltyApplied = rate.IsPositive()
	t.CompletedAt = &now
	t.MaturityDate = nil
	t.UpdatedAt = now

	e.metrics.ExitSettled(strconv.Itoa(boundary))
	e.metrics.Transition(string(domain.TPIAStatusCompleted))
	return []events.Event{
		events.New(events.ExitSettled, t.ID, now, map[string]interface{}{
			"tpia_number":        t.TPIANumber,
			"boundary":           boundary,
			"penalty_rate":       rate.String(),
			"penalty_amount":     penalty.String(),
			"returned_principal": returned.String(),
			"total_profit":       t.TotalProfit().String(),
		}).ForUser(t.UserID),
	}, nil
}

// Mature runs terminal completion: MATURED, then settled at zero penalty
// regardless of any pending request.
func (e *Engine) Mature(ctx context.Context, tx repository.Tx, t *domain.TPIA) ([]events.Event, error) {
	if err := t.TransitionTo(domain.TPIAStatusMatured); err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	t.MaturedAt = &now
	return e.Settle(ctx, tx, t, e.cfg.TotalCycles)
}
