// Package cluster assigns TPIAs to fixed-capacity GDC clusters and activates
// clusters once every slot is filled and approved.
package cluster

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tpia/internal/events"
	"tpia/internal/metrics"
	"tpia/internal/repository"
	"tpia/internal/sweep"
	"tpia/pkg/config"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

const ActivationSweep = "gdc_activation"

type Allocator struct {
	store     repository.Store
	cfg       config.EngineConfig
	clock     clockwork.Clock
	publisher events.Publisher
	logger    logger.Logger
	metrics   *metrics.Metrics
}

func NewAllocator(store repository.Store, cfg config.EngineConfig, clock clockwork.Clock, pub events.Publisher, log logger.Logger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		store:     store,
		cfg:       cfg.Clone(),
		clock:     clock,
		publisher: pub,
		logger:    log,
		metrics:   m,
	}
}

// FindOrCreate returns the GDC with number, creating an empty FILLING cluster
// for commodityID if none exists yet. A number already taken by another
// commodity reports a conflict so the caller mints a fresh one.
func (a *Allocator) FindOrCreate(ctx context.Context, tx repository.Tx, number int, commodityID uuid.UUID) (*domain.GDC, error) {
	gdc, err := tx.GDCs().FindByNumber(ctx, number)
	if err == nil {
		if gdc.CommodityID != commodityID {
			a.logger.Warn("GDC number taken by another commodity", map[string]interface{}{
				"gdc_number":   number,
				"commodity_id": commodityID,
				"owner":        gdc.CommodityID,
			})
			return nil, errors.ErrConcurrentUpdate
		}
		return gdc, nil
	}
	if !errors.Is(err, errors.ErrGDCNotFound) {
		return nil, err
	}

	now := a.clock.Now().UTC()
	gdc = &domain.GDC{
		ID:          uuid.New(),
		GDCNumber:   number,
		CommodityID: commodityID,
		Capacity:    a.cfg.ClusterCapacity,
		Status:      domain.GDCStatusFilling,
		TotalCycles: a.cfg.TotalCycles,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.GDCs().Create(ctx, gdc); err != nil {
		return nil, err
	}
	a.logger.Info("GDC created", map[string]interface{}{
		"gdc_number":   number,
		"commodity_id": commodityID,
	})
	return gdc, nil
}

// CurrentFilling returns the earliest FILLING cluster with free capacity, or nil.
func (a *Allocator) CurrentFilling(ctx context.Context, tx repository.Tx, commodityID uuid.UUID) (*domain.GDC, error) {
	gdc, err := tx.GDCs().FindFilling(ctx, commodityID)
	if errors.Is(err, errors.ErrGDCNotFound) {
		return nil, nil
	}
	return gdc, err
}

// Assign places member in the current filling cluster for commodityID, minting
// the next GDC number when every cluster is full.
func (a *Allocator) Assign(ctx context.Context, tx repository.Tx, commodityID uuid.UUID, member domain.GDCMember) (*domain.GDC, error) {
	gdc, err := a.CurrentFilling(ctx, tx, commodityID)
	if err != nil {
		return nil, err
	}
	if gdc == nil {
		highest, err := tx.GDCs().MaxNumber(ctx)
		if err != nil {
			return nil, err
		}
		gdc, err = a.FindOrCreate(ctx, tx, highest+a.cfg.GDCNumberIncrement, commodityID)
		if err != nil {
			return nil, err
		}
	}
	if err := a.AddTPIA(ctx, tx, gdc, member); err != nil {
		return nil, err
	}
	return gdc, nil
}

// AddTPIA appends member and persists with a version check, so two writers
// racing for the last slot cannot both succeed.
func (a *Allocator) AddTPIA(ctx context.Context, tx repository.Tx, gdc *domain.GDC, member domain.GDCMember) error {
	if err := addMember(gdc, member); err != nil {
		return err
	}
	gdc.UpdatedAt = a.clock.Now().UTC()
	return tx.GDCs().Update(ctx, gdc)
}

// RemoveTPIA drops tpiaNumber from gdc, reopening a FULL cluster.
func (a *Allocator) RemoveTPIA(ctx context.Context, tx repository.Tx, gdc *domain.GDC, tpiaNumber int64) error {
	if err := removeMember(gdc, tpiaNumber); err != nil {
		return err
	}
	gdc.UpdatedAt = a.clock.Now().UTC()
	return tx.GDCs().Update(ctx, gdc)
}

func addMember(gdc *domain.GDC, member domain.GDCMember) error {
	if gdc.CurrentFill > gdc.Capacity || gdc.CurrentFill != len(gdc.Members) {
		return errors.ErrCapacityOverflow
	}
	if gdc.Status != domain.GDCStatusFilling || gdc.IsFull() {
		return errors.ErrClusterFull
	}
	if gdc.MemberIndex(member.TPIANumber) >= 0 {
		return errors.ErrDuplicateMember
	}

	member.GDCID = gdc.ID
	gdc.Members = append(gdc.Members, member)
	gdc.CurrentFill = len(gdc.Members)
	if gdc.CurrentFill == gdc.Capacity {
		gdc.Status = domain.GDCStatusFull
	}
	return nil
}

func removeMember(gdc *domain.GDC, tpiaNumber int64) error {
	if gdc.Status != domain.GDCStatusFilling && gdc.Status != domain.GDCStatusFull {
		return errors.ErrInvalidTransition
	}
	idx := gdc.MemberIndex(tpiaNumber)
	if idx < 0 {
		return errors.ErrMemberNotFound
	}

	gdc.Members = append(gdc.Members[:idx:idx], gdc.Members[idx+1:]...)
	gdc.CurrentFill = len(gdc.Members)
	if gdc.Status == domain.GDCStatusFull && gdc.CurrentFill < gdc.Capacity {
		gdc.Status = domain.GDCStatusFilling
	}
	return nil
}

// SetMemberApproval stamps the approval date on a member slot.
func (a *Allocator) SetMemberApproval(ctx context.Context, tx repository.Tx, gdcID uuid.UUID, tpiaNumber int64) error {
	gdc, err := tx.GDCs().FindByID(ctx, gdcID)
	if err != nil {
		return err
	}
	idx := gdc.MemberIndex(tpiaNumber)
	if idx < 0 {
		return errors.ErrMemberNotFound
	}
	now := a.clock.Now().UTC()
	gdc.Members[idx].ApprovalDate = &now
	gdc.UpdatedAt = now
	return tx.GDCs().Update(ctx, gdc)
}

// ActivateReady flips every FULL cluster whose members are all approved to
// ACTIVE and starts the shared cycle clock of its CLUSTER-mode members.
func (a *Allocator) ActivateReady(ctx context.Context, limit int) (*sweep.Result, error) {
	full, err := a.store.GDCs().ListByStatus(ctx, domain.GDCStatusFull, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list full clusters")
	}

	items := make([]sweep.Item, 0, len(full))
	for _, g := range full {
		ready, err := a.allApproved(ctx, a.store, g.ID)
		if err != nil || !ready {
			continue
		}
		id := g.ID
		items = append(items, sweep.Item{
			ID:  g.ID.String(),
			Run: func(ctx context.Context) error { return a.Activate(ctx, id) },
		})
	}
	return sweep.Run(ctx, ActivationSweep, items, a.logger, a.metrics), nil
}

func (a *Allocator) allApproved(ctx context.Context, tx repository.Tx, gdcID uuid.UUID) (bool, error) {
	members, err := tx.TPIAs().ListByGDC(ctx, gdcID)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, nil
	}
	for _, t := range members {
		if t.Status == domain.TPIAStatusPendingApproval || t.Status == domain.TPIAStatusCancelled {
			return false, nil
		}
	}
	return true, nil
}

// Activate starts one FULL, fully approved cluster.
func (a *Allocator) Activate(ctx context.Context, gdcID uuid.UUID) error {
	var evts []events.Event
	err := a.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		gdc, err := tx.GDCs().FindByID(ctx, gdcID)
		if err != nil {
			return err
		}
		if gdc.Status != domain.GDCStatusFull {
			return errors.ErrClusterNotReady
		}
		ready, err := a.allApproved(ctx, tx, gdcID)
		if err != nil {
			return err
		}
		if !ready {
			return errors.ErrClusterNotReady
		}

		now := a.clock.Now().UTC()
		next := now.Add(a.cfg.CycleDuration())
		gdc.Status = domain.GDCStatusActive
		gdc.ActivationDate = &now
		gdc.NextCycleDate = &next
		gdc.CurrentCycle = 0
		gdc.TotalCycles = a.cfg.TotalCycles
		gdc.UpdatedAt = now
		if err := tx.GDCs().Update(ctx, gdc); err != nil {
			return err
		}

		members, err := tx.TPIAs().ListByGDC(ctx, gdcID)
		if err != nil {
			return err
		}
		for _, t := range members {
			if t.CycleStartMode != domain.CycleStartCluster || t.Status != domain.TPIAStatusActive {
				continue
			}
			due := next
			t.MaturityDate = &due
			t.UpdatedAt = now
			if err := tx.TPIAs().Update(ctx, t); err != nil {
				return err
			}
		}

		evts = append(evts, events.New(events.GDCActivated, gdc.ID, now, map[string]interface{}{
			"gdc_number":      gdc.GDCNumber,
			"commodity_id":    gdc.CommodityID.String(),
			"next_cycle_date": next,
			"members":         len(gdc.Members),
		}))
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.Info("GDC activated", map[string]interface{}{"gdc_id": gdcID})
	events.Emit(ctx, a.publisher, a.logger, a.metrics, evts)
	return nil
}
