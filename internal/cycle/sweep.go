package cycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tpia/internal/repository"
	"tpia/internal/sweep"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

const (
	ImmediateSweep = "cycle_immediate"
	ClusterSweep   = "cycle_cluster"
	CombinedSweep  = "cycles"
)

// Sweep runs the cluster batch and then the immediate batch.
func (p *Processor) Sweep(ctx context.Context, limit int) (*sweep.Result, error) {
	res := &sweep.Result{Name: CombinedSweep}
	clusters, err := p.SweepClusters(ctx, limit)
	if err != nil {
		return nil, err
	}
	res.Merge(clusters)

	immediate, err := p.SweepImmediate(ctx, limit)
	if err != nil {
		return nil, err
	}
	res.Merge(immediate)
	return res, nil
}

// SweepImmediate advances every IMMEDIATE-mode TPIA whose next cycle is due.
func (p *Processor) SweepImmediate(ctx context.Context, limit int) (*sweep.Result, error) {
	due, err := p.store.TPIAs().ListDueImmediate(ctx, p.clock.Now().UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due tpias")
	}

	items := make([]sweep.Item, 0, len(due))
	for _, t := range due {
		id, next := t.ID, t.CurrentCycle+1
		items = append(items, sweep.Item{
			ID:  t.ID.String(),
			Run: func(ctx context.Context) error { return p.ProcessCycle(ctx, id, next) },
		})
	}
	return sweep.Run(ctx, ImmediateSweep, items, p.logger, p.metrics), nil
}

// SweepClusters advances the CLUSTER-mode members of every ACTIVE GDC whose
// next cycle date has passed.
func (p *Processor) SweepClusters(ctx context.Context, limit int) (*sweep.Result, error) {
	due, err := p.store.GDCs().ListDue(ctx, p.clock.Now().UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due clusters")
	}

	items := make([]sweep.Item, 0, len(due))
	for _, g := range due {
		id := g.ID
		items = append(items, sweep.Item{
			ID:  fmt.Sprintf("GDC-%d", g.GDCNumber),
			Run: func(ctx context.Context) error { return p.advanceCluster(ctx, id) },
		})
	}
	return sweep.Run(ctx, ClusterSweep, items, p.logger, p.metrics), nil
}

// advanceCluster moves every lagging member to the cluster's next cycle. The
// GDC itself only moves once all of them made it, so a partial failure keeps
// it due and the next tick retries just the members left behind.
func (p *Processor) advanceCluster(ctx context.Context, gdcID uuid.UUID) error {
	gdc, err := p.store.GDCs().FindByID(ctx, gdcID)
	if err != nil {
		return err
	}
	target := gdc.CurrentCycle + 1

	members, err := p.store.TPIAs().ListByGDC(ctx, gdcID)
	if err != nil {
		return err
	}
	var failed []string
	for _, t := range members {
		if t.CycleStartMode != domain.CycleStartCluster || t.Status != domain.TPIAStatusActive || t.CurrentCycle >= target {
			continue
		}
		err := p.ProcessCycle(ctx, t.ID, t.CurrentCycle+1)
		if err != nil && !errors.IsConflict(err) {
			failed = append(failed, fmt.Sprintf("TPIA-%d: %v", t.TPIANumber, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d members failed cycle %d: %s", len(failed), len(members), target, strings.Join(failed, "; "))
	}

	return p.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		gdc, err := tx.GDCs().FindByID(ctx, gdcID)
		if err != nil {
			return err
		}
		if gdc.CurrentCycle+1 != target || gdc.Status != domain.GDCStatusActive {
			return errors.ErrConcurrentUpdate
		}
		gdc.CurrentCycle = target
		if target >= gdc.TotalCycles {
			gdc.Status = domain.GDCStatusCompleted
			gdc.NextCycleDate = nil
		} else if gdc.NextCycleDate != nil {
			next := gdc.NextCycleDate.Add(p.cfg.CycleDuration())
			gdc.NextCycleDate = &next
		}
		gdc.UpdatedAt = p.clock.Now().UTC()
		return tx.GDCs().Update(ctx, gdc)
	})
}
