package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

const cycleColumns = `id, gdc_id, tpia_id, cycle_number, start_date, end_date, status,
	profit_rate, total_profit_distributed, failure_reason, created_at`

type CycleRepository struct {
	db sqlx.ExtContext
}

func NewCycleRepository(db sqlx.ExtContext) *CycleRepository {
	return &CycleRepository{db: db}
}

const upsertCycle = `
	INSERT INTO investment_schema.cycles (
		id, gdc_id, tpia_id, cycle_number, start_date, end_date, status,
		profit_rate, total_profit_distributed, failure_reason, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
	)
	ON CONFLICT (tpia_id, cycle_number) DO UPDATE SET
		id = EXCLUDED.id,
		start_date = EXCLUDED.start_date,
		end_date = EXCLUDED.end_date,
		status = EXCLUDED.status,
		profit_rate = EXCLUDED.profit_rate,
		total_profit_distributed = EXCLUDED.total_profit_distributed,
		failure_reason = EXCLUDED.failure_reason,
		created_at = EXCLUDED.created_at
	WHERE cycles.status <> 'completed'
	RETURNING id
`

func cycleArgs(c *domain.Cycle) []interface{} {
	return []interface{}{
		c.ID, c.GDCID, c.TPIAID, c.CycleNumber, c.StartDate, c.EndDate, c.Status,
		c.ProfitRate, c.TotalProfitDistributed, c.FailureReason, c.CreatedAt,
	}
}

// Claim returns no row when a completed cycle already holds the key.
func (r *CycleRepository) Claim(ctx context.Context, cycle *domain.Cycle) error {
	var id uuid.UUID
	if err := r.db.QueryRowxContext(ctx, upsertCycle, cycleArgs(cycle)...).Scan(&id); err != nil {
		if isNoRows(err) {
			return errors.ErrCycleAlreadyProcessed
		}
		return errors.Wrap(err, "failed to claim cycle")
	}
	return nil
}

func (r *CycleRepository) RecordFailure(ctx context.Context, cycle *domain.Cycle) error {
	var id uuid.UUID
	err := r.db.QueryRowxContext(ctx, upsertCycle, cycleArgs(cycle)...).Scan(&id)
	if err != nil && !isNoRows(err) {
		return errors.Wrap(err, "failed to record cycle failure")
	}
	return nil
}

func (r *CycleRepository) Find(ctx context.Context, tpiaID uuid.UUID, cycleNumber int) (*domain.Cycle, error) {
	cycle := &domain.Cycle{}
	query := `SELECT ` + cycleColumns + ` FROM investment_schema.cycles WHERE tpia_id = $1 AND cycle_number = $2`
	if err := sqlx.GetContext(ctx, r.db, cycle, query, tpiaID, cycleNumber); err != nil {
		if isNoRows(err) {
			return nil, errors.ErrCycleNotFound
		}
		return nil, errors.Wrap(err, "failed to find cycle")
	}
	return cycle, nil
}

func (r *CycleRepository) ListByTPIA(ctx context.Context, tpiaID uuid.UUID) ([]*domain.Cycle, error) {
	var cycles []*domain.Cycle
	query := `SELECT ` + cycleColumns + ` FROM investment_schema.cycles WHERE tpia_id = $1 ORDER BY cycle_number`
	if err := sqlx.SelectContext(ctx, r.db, &cycles, query, tpiaID); err != nil {
		return nil, errors.Wrap(err, "failed to list cycles")
	}
	return cycles, nil
}
