// Package lifecycle owns the TPIA state machine from purchase through
// approval or rejection.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"tpia/internal/cluster"
	"tpia/internal/commodity"
	"tpia/internal/events"
	"tpia/internal/exit"
	"tpia/internal/ledger"
	"tpia/internal/metrics"
	"tpia/internal/repository"
	"tpia/internal/sweep"
	"tpia/pkg/config"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
	"tpia/pkg/validator"
)

const (
	AutoApprovalSweep   = "auto_approval"
	maxPurchaseAttempts = 5
)

type PurchaseRequest struct {
	UserID         uuid.UUID             `json:"user_id" validate:"required"`
	CommodityID    uuid.UUID             `json:"commodity_id" validate:"required"`
	UserMode       domain.UserMode       `json:"user_mode" validate:"required,user_mode"`
	CycleStartMode domain.CycleStartMode `json:"cycle_start_mode" validate:"required,cycle_start_mode"`
}

// Summary carries the read-only figures derived from a TPIA at query time.
type Summary struct {
	TPIA              *domain.TPIA     `json:"tpia"`
	DaysUntilMaturity int              `json:"days_until_maturity"`
	CyclesRemaining   int              `json:"cycles_remaining"`
	Exit              exit.Eligibility `json:"exit"`
	GDCAvailableSlots int              `json:"gdc_available_slots"`
	NavPrice          *decimal.Decimal `json:"nav_price,omitempty"`
}

type Service struct {
	store     repository.Store
	cfg       config.EngineConfig
	ledger    *ledger.Service
	allocator *cluster.Allocator
	exits     *exit.Engine
	catalog   commodity.Catalog
	validator *validator.Validator
	clock     clockwork.Clock
	publisher events.Publisher
	logger    logger.Logger
	metrics   *metrics.Metrics
}

func NewService(
	store repository.Store,
	cfg config.EngineConfig,
	ledgerSvc *ledger.Service,
	allocator *cluster.Allocator,
	exits *exit.Engine,
	catalog commodity.Catalog,
	clock clockwork.Clock,
	pub events.Publisher,
	log logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		store:     store,
		cfg:       cfg.Clone(),
		ledger:    ledgerSvc,
		allocator: allocator,
		exits:     exits,
		catalog:   catalog,
		validator: validator.New(),
		clock:     clock,
		publisher: pub,
		logger:    log,
		metrics:   m,
	}
}

// Purchase debits the fixed investment amount, mints the next TPIA number and
// places the unit in its commodity's filling cluster. A lost race for a
// cluster slot is retried with fresh state.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*domain.TPIA, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, &errors.ValidationError{Reason: err.Error()}
	}
	if _, err := s.catalog.Get(ctx, req.CommodityID); err != nil {
		return nil, err
	}

	var (
		t   *domain.TPIA
		err error
	)
	for attempt := 1; attempt <= maxPurchaseAttempts; attempt++ {
		t, err = s.purchase(ctx, req)
		if err == nil || !errors.IsConflict(err) {
			break
		}
		s.logger.Warn("Purchase lost a concurrent update, retrying", map[string]interface{}{
			"user_id":      req.UserID,
			"commodity_id": req.CommodityID,
			"attempt":      attempt,
		})
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(domain.TPIAStatusPendingApproval))
	s.logger.Info("TPIA purchased", map[string]interface{}{
		"tpia_id":     t.ID,
		"tpia_number": t.TPIANumber,
		"gdc_number":  t.GDCNumber,
		"user_id":     t.UserID,
	})
	events.Emit(ctx, s.publisher, s.logger, s.metrics, []events.Event{
		events.New(events.TPIAPurchased, t.ID, t.PurchaseDate, map[string]interface{}{
			"tpia_number":      t.TPIANumber,
			"gdc_number":       t.GDCNumber,
			"commodity_id":     t.CommodityID.String(),
			"amount":           t.Amount.String(),
			"user_mode":        string(t.UserMode),
			"cycle_start_mode": string(t.CycleStartMode),
		}).ForUser(t.UserID),
	})
	return t, nil
}

func (s *Service) purchase(ctx context.Context, req PurchaseRequest) (*domain.TPIA, error) {
	var out *domain.TPIA
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		number, err := tx.TPIAs().NextNumber(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to allocate tpia number")
		}

		now := s.clock.Now().UTC()
		t := &domain.TPIA{
			ID:              uuid.New(),
			TPIANumber:      number,
			CommodityID:     req.CommodityID,
			UserID:          req.UserID,
			Amount:          s.cfg.InvestmentAmount,
			CurrentValue:    s.cfg.InvestmentAmount,
			PurchaseDate:    now,
			Status:          domain.TPIAStatusPendingApproval,
			ProfitAmount:    s.cfg.ProfitPerCycle,
			UserMode:        req.UserMode,
			CycleStartMode:  req.CycleStartMode,
			TotalCycles:     s.cfg.TotalCycles,
			InvestmentPhase: domain.PhaseCore,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if _, err := s.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      req.UserID,
			Bucket:      domain.BucketBalance,
			Amount:      t.Amount.Neg(),
			Type:        domain.LedgerTPIAPurchase,
			Reference:   fmt.Sprintf("PUR-%d", number),
			TPIAID:      &t.ID,
			Description: fmt.Sprintf("Purchase of TPIA-%d", number),
		}); err != nil {
			return err
		}

		gdc, err := s.allocator.Assign(ctx, tx, req.CommodityID, domain.GDCMember{
			TPIAID:       t.ID,
			TPIANumber:   number,
			UserID:       req.UserID,
			PurchaseDate: now,
		})
		if err != nil {
			return err
		}
		t.GDCID = gdc.ID
		t.GDCNumber = gdc.GDCNumber

		if err := tx.TPIAs().Create(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Approve activates a pending TPIA. A nil adminID marks the approval as automatic.
func (s *Service) Approve(ctx context.Context, tpiaID uuid.UUID, adminID *uuid.UUID) (*domain.TPIA, error) {
	var out *domain.TPIA
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := tx.TPIAs().FindByIDForUpdate(ctx, tpiaID)
		if err != nil {
			return err
		}
		if err := t.TransitionTo(domain.TPIAStatusActive); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		final := now.Add(time.Duration(s.cfg.TotalCycles) * s.cfg.CycleDuration())
		t.ApprovalDate = &now
		t.FinalMaturityDate = &final
		t.ApprovedBy = adminID
		t.AutoApproved = adminID == nil
		if t.InsurancePolicyID == nil {
			policy := "INS-" + uuid.NewString()
			t.InsurancePolicyID = &policy
		}
		if t.CycleStartMode == domain.CycleStartImmediate {
			due := now.Add(s.cfg.CycleDuration())
			t.MaturityDate = &due
		}
		t.UpdatedAt = now

		if err := s.allocator.SetMemberApproval(ctx, tx, t.GDCID, t.TPIANumber); err != nil {
			return err
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

	s.metrics.Transition(string(domain.TPIAStatusActive))
	s.logger.Info("TPIA approved", map[string]interface{}{
		"tpia_id":       out.ID,
		"tpia_number":   out.TPIANumber,
		"auto_approved": out.AutoApproved,
	})
	events.Emit(ctx, s.publisher, s.logger, s.metrics, []events.Event{
		events.New(events.TPIAApproved, out.ID, *out.ApprovalDate, map[string]interface{}{
			"tpia_number":         out.TPIANumber,
			"gdc_number":          out.GDCNumber,
			"auto_approved":       out.AutoApproved,
			"insurance_policy_id": *out.InsurancePolicyID,
		}).ForUser(out.UserID),
	})
	return out, nil
}

// Reject cancels a pending TPIA, frees its cluster slot and refunds the purchase.
func (s *Service) Reject(ctx context.Context, tpiaID uuid.UUID, adminID uuid.UUID, reason string) (*domain.TPIA, error) {
	reason = validator.Sanitize(reason)
	if reason == "" {
		return nil, errors.ErrRejectReasonRequired
	}

	var out *domain.TPIA
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := tx.TPIAs().FindByIDForUpdate(ctx, tpiaID)
		if err != nil {
			return err
		}
		if err := t.TransitionTo(domain.TPIAStatusCancelled); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		t.RejectionReason = &reason
		t.ApprovalDate = &now
		t.ApprovedBy = &adminID
		t.UpdatedAt = now

		gdc, err := tx.GDCs().FindByID(ctx, t.GDCID)
		if err != nil {
			return err
		}
		if err := s.allocator.RemoveTPIA(ctx, tx, gdc, t.TPIANumber); err != nil {
			return err
		}
		if _, err := s.ledger.Post(ctx, tx, ledger.Posting{
			UserID:      t.UserID,
			Bucket:      domain.BucketBalance,
			Amount:      t.Amount,
			Type:        domain.LedgerRefund,
			Reference:   fmt.Sprintf("REF-PUR-%d", t.TPIANumber),
			TPIAID:      &t.ID,
			Description: fmt.Sprintf("Refund for rejected TPIA-%d", t.TPIANumber),
		}); err != nil {
			return err
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

	s.metrics.Transition(string(domain.TPIAStatusCancelled))
	s.logger.Info("TPIA rejected", map[string]interface{}{
		"tpia_id":     out.ID,
		"tpia_number": out.TPIANumber,
		"admin_id":    adminID,
	})
	events.Emit(ctx, s.publisher, s.logger, s.metrics, []events.Event{
		events.New(events.TPIARejected, out.ID, *out.ApprovalDate, map[string]interface{}{
			"tpia_number": out.TPIANumber,
			"reason":      reason,
			"refunded":    out.Amount.String(),
		}).ForUser(out.UserID),
	})
	return out, nil
}

// AutoApprove approves every TPIA that has waited longer than the approval window.
func (s *Service) AutoApprove(ctx context.Context, limit int) (*sweep.Result, error) {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.AutoApprovalWindow)
	pending, err := s.store.TPIAs().ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending tpias")
	}

	items := make([]sweep.Item, 0, len(pending))
	for _, t := range pending {
		id := t.ID
		items = append(items, sweep.Item{
			ID: fmt.Sprintf("TPIA-%d", t.TPIANumber),
			Run: func(ctx context.Context) error {
				_, err := s.Approve(ctx, id, nil)
				if errors.Is(err, errors.ErrInvalidTransition) {
					// approved or rejected since it was listed
					return errors.ErrConcurrentUpdate
				}
				return err
			},
		})
	}
	return sweep.Run(ctx, AutoApprovalSweep, items, s.logger, s.metrics), nil
}

func (s *Service) Get(ctx context.Context, tpiaID uuid.UUID) (*domain.TPIA, error) {
	return s.store.TPIAs().FindByID(ctx, tpiaID)
}

// Summary derives the read-side figures for one TPIA. A commodity lookup
// failure only drops the informational price.
func (s *Service) Summary(ctx context.Context, tpiaID uuid.UUID) (*Summary, error) {
	t, err := s.store.TPIAs().FindByID(ctx, tpiaID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()

	out := &Summary{
		TPIA:              t,
		DaysUntilMaturity: t.DaysUntilMaturity(now),
		CyclesRemaining:   t.TotalCycles - t.CurrentCycle,
		Exit:              s.exits.Eligibility(t, now),
	}
	if out.CyclesRemaining < 0 || t.Status.IsTerminal() {
		out.CyclesRemaining = 0
	}

	if gdc, err := s.store.GDCs().FindByID(ctx, t.GDCID); err == nil {
		out.GDCAvailableSlots = gdc.AvailableSlots()
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	if c, err := s.catalog.Get(ctx, t.CommodityID); err == nil {
		price := c.NavPrice
		out.NavPrice = &price
	} else {
		s.logger.Debug("Commodity price unavailable", map[string]interface{}{
			"commodity_id": t.CommodityID,
			"error":        err.Error(),
		})
	}
	return out, nil
}
