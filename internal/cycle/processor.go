// Package cycle advances due TPIAs one cycle at a time, posting profit and
// driving phase, exit window and maturity effects.
package cycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tpia/internal/events"
	"tpia/internal/exit"
	"tpia/internal/ledger"
	"tpia/internal/metrics"
	"tpia/internal/repository"
	"tpia/pkg/config"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

type Processor struct {
	store     repository.Store
	cfg       config.EngineConfig
	ledger    *ledger.Service
	exits     *exit.Engine
	clock     clockwork.Clock
	publisher events.Publisher
	logger    logger.Logger
	metrics   *metrics.Metrics
}

func NewProcessor(store repository.Store, cfg config.EngineConfig, ledgerSvc *ledger.Service, exits *exit.Engine, clock clockwork.Clock, pub events.Publisher, log logger.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		store:     store,
		cfg:       cfg.Clone(),
		ledger:    ledgerSvc,
		exits:     exits,
		clock:     clock,
		publisher: pub,
		logger:    log,
		metrics:   m,
	}
}

// ProcessCycle advances tpiaID to cycleNumber. Everything it writes commits
// together; a repeated call for a completed cycle returns ErrCycleAlreadyProcessed
// and changes nothing.
func (p *Processor) ProcessCycle(ctx context.Context, tpiaID uuid.UUID, cycleNumber int) error {
	var (
		evts   []events.Event
		mode   domain.CycleStartMode
		gdcID  uuid.UUID
		loaded bool
	)
	err := p.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := tx.TPIAs().FindByIDForUpdate(ctx, tpiaID)
		if err != nil {
			return err
		}
		mode, gdcID, loaded = t.CycleStartMode, t.GDCID, true

		evts, err = p.advance(ctx, tx, t, cycleNumber)
		return err
	})

	switch {
	case err == nil:
		p.metrics.CycleProcessed(string(mode), outcomeCompleted)
		events.Emit(ctx, p.publisher, p.logger, p.metrics, evts)
		return nil
	case errors.IsConflict(err):
		p.metrics.CycleProcessed(string(mode), outcomeSkipped)
		return err
	case errors.IsValidation(err) || !loaded:
		return err
	}

	p.metrics.CycleProcessed(string(mode), outcomeFailed)
	p.recordFailure(ctx, gdcID, tpiaID, cycleNumber, err)
	return err
}

func (p *Processor) advance(ctx context.Context, tx repository.Tx, t *domain.TPIA, cycleNumber int) ([]events.Event, error) {
	if cycleNumber <= t.CurrentCycle {
		return nil, errors.ErrCycleAlreadyProcessed
	}
	if cycleNumber != t.CurrentCycle+1 {
		return nil, errors.ErrCycleOutOfOrder
	}
	if t.Status != domain.TPIAStatusActive {
		return nil, errors.ErrTPIANotActive
	}
	if t.MaturityDate == nil {
		return nil, errors.ErrClusterNotReady
	}
	now := p.clock.Now().UTC()
	if now.Before(*t.MaturityDate) {
		return nil, errors.ErrCycleNotDue
	}

	due := *t.MaturityDate
	if err := tx.Cycles().Claim(ctx, &domain.Cycle{
		ID:                     uuid.New(),
		GDCID:                  t.GDCID,
		TPIAID:                 t.ID,
		CycleNumber:            cycleNumber,
		StartDate:              due.Add(-p.cfg.CycleDuration()),
		EndDate:                due,
		Status:                 domain.CycleStatusCompleted,
		ProfitRate:             p.cfg.ProfitRate(),
		TotalProfitDistributed: t.ProfitAmount,
		CreatedAt:              now,
	}); err != nil {
		return nil, err
	}

	t.CurrentCycle = cycleNumber
	if cycleNumber == p.cfg.CoreCycles {
		if err := t.AdvancePhase(domain.PhaseExtended); err != nil {
			return nil, err
		}
	}

	if t.ProfitAmount.IsPositive() {
		bucket := domain.BucketBalance
		if t.UserMode == domain.UserModeEPS {
			bucket = domain.BucketEarnings
		}
		entry, err := p.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      t.UserID,
			Bucket:      bucket,
			Amount:      t.ProfitAmount,
			Type:        domain.LedgerCycleProfit,
			Reference:   fmt.Sprintf("CYCLE-%d-%d", t.TPIANumber, cycleNumber),
			TPIAID:      &t.ID,
			Description: fmt.Sprintf("Cycle %d profit", cycleNumber),
		})
		if err != nil {
			return nil, err
		}
		t.ProfitHistory = append(t.ProfitHistory, domain.ProfitRecord{
			Cycle:     cycleNumber,
			Amount:    t.ProfitAmount,
			Bucket:    bucket,
			Reference: entry.Reference,
			PostedAt:  now,
		})
	}
	t.CurrentValue = t.Amount.Add(t.TotalProfit())
	t.UpdatedAt = now

	evts := []events.Event{
		events.New(events.CycleCompleted, t.ID, now, map[string]interface{}{
			"tpia_number":      t.TPIANumber,
			"gdc_number":       t.GDCNumber,
			"cycle":            cycleNumber,
			"profit":           t.ProfitAmount.String(),
			"user_mode":        string(t.UserMode),
			"investment_phase": string(t.InvestmentPhase),
		}).ForUser(t.UserID),
	}

	switch {
	case cycleNumber >= p.cfg.TotalCycles:
		settled, err := p.exits.Mature(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		evts = append(evts, settled...)
	case p.cfg.IsExitBoundary(cycleNumber) && t.WithdrawalRequested:
		settled, err := p.exits.Settle(ctx, tx, t, cycleNumber)
		if err != nil {
			return nil, err
		}
		evts = append(evts, settled...)
	default:
		if p.cfg.IsExitBoundary(cycleNumber) {
			end := now.Add(p.cfg.ExitWindowDuration())
			t.NextExitWindowStart = &now
			t.NextExitWindowEnd = &end
		}
		next := due.Add(p.cfg.CycleDuration())
		t.MaturityDate = &next
	}

	if err := tx.TPIAs().Update(ctx, t); err != nil {
		return nil, err
	}

	p.logger.Info("Cycle processed", map[string]interface{}{
		"tpia_id":     t.ID,
		"tpia_number": t.TPIANumber,
		"cycle":       cycleNumber,
		"status":      string(t.Status),
		"phase":       string(t.InvestmentPhase),
	})
	return evts, nil
}

// recordFailure leaves a failed cycle row for operators. The next successful
// attempt replaces it.
func (p *Processor) recordFailure(ctx context.Context, gdcID, tpiaID uuid.UUID, cycleNumber int, cause error) {
	reason := cause.Error()
	now := p.clock.Now().UTC()
	err := p.store.Cycles().RecordFailure(ctx, &domain.Cycle{
		ID:            uuid.New(),
		GDCID:         gdcID,
		TPIAID:        tpiaID,
		CycleNumber:   cycleNumber,
		StartDate:     now,
		EndDate:       now,
		Status:        domain.CycleStatusFailed,
		ProfitRate:    p.cfg.ProfitRate(),
		FailureReason: &reason,
		CreatedAt:     now,
	})
	if err != nil {
		p.logger.Warn("Failed to record cycle failure", map[string]interface{}{
			"tpia_id": tpiaID,
			"cycle":   cycleNumber,
			"error":   err.Error(),
		})
	}
}
