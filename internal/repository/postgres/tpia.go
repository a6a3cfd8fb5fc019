package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

const tpiaColumns = `id, tpia_number, gdc_number, gdc_id, commodity_id, user_id, amount, current_value,
	purchase_date, approval_date, maturity_date, final_maturity_date, status, profit_amount,
	user_mode, cycle_start_mode, current_cycle, total_cycles, investment_phase,
	next_exit_window_start, next_exit_window_end, withdrawal_requested, withdrawal_requested_at,
	exit_penalty_applied, penalty_amount, returned_principal, profit_history, approved_by,
	auto_approved, insurance_policy_id, rejection_reason, matured_at, completed_at,
	created_at, updated_at`

type TPIARepository struct {
	db sqlx.ExtContext
}

func NewTPIARepository(db sqlx.ExtContext) *TPIARepository {
	return &TPIARepository{db: db}
}

func (r *TPIARepository) Create(ctx context.Context, tpia *domain.TPIA) error {
	query := `
		INSERT INTO investment_schema.tpias (
			id, tpia_number, gdc_number, gdc_id, commodity_id, user_id, amount, current_value,
			purchase_date, approval_date, maturity_date, final_maturity_date, status, profit_amount,
			user_mode, cycle_start_mode, current_cycle, total_cycles, investment_phase,
			next_exit_window_start, next_exit_window_end, withdrawal_requested, withdrawal_requested_at,
			exit_penalty_applied, penalty_amount, returned_principal, profit_history, approved_by,
			auto_approved, insurance_policy_id, rejection_reason, matured_at, completed_at,
			created_at, updated_at
		) VALUES (
			:id, :tpia_number, :gdc_number, :gdc_id, :commodity_id, :user_id, :amount, :current_value,
			:purchase_date, :approval_date, :maturity_date, :final_maturity_date, :status, :profit_amount,
			:user_mode, :cycle_start_mode, :current_cycle, :total_cycles, :investment_phase,
			:next_exit_window_start, :next_exit_window_end, :withdrawal_requested, :withdrawal_requested_at,
			:exit_penalty_applied, :penalty_amount, :returned_principal, :profit_history, :approved_by,
			:auto_approved, :insurance_policy_id, :rejection_reason, :matured_at, :completed_at,
			:created_at, :updated_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, tpia); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrConcurrentUpdate
		}
		return errors.Wrap(err, "failed to create tpia")
	}
	return nil
}

func (r *TPIARepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.TPIA, error) {
	return r.find(ctx, `SELECT `+tpiaColumns+` FROM investment_schema.tpias WHERE id = $1`, id)
}

func (r *TPIARepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.TPIA, error) {
	return r.find(ctx, `SELECT `+tpiaColumns+` FROM investment_schema.tpias WHERE id = $1 FOR UPDATE`, id)
}

func (r *TPIARepository) find(ctx context.Context, query string, id uuid.UUID) (*domain.TPIA, error) {
	tpia := &domain.TPIA{}
	if err := sqlx.GetContext(ctx, r.db, tpia, query, id); err != nil {
		if isNoRows(err) {
			return nil, errors.ErrTPIANotFound
		}
		return nil, errors.Wrap(err, "failed to find tpia")
	}
	return tpia, nil
}

// Update rewrites every mutable column. Identity, amount and purchase data never change.
func (r *TPIARepository) Update(ctx context.Context, tpia *domain.TPIA) error {
	query := `
		UPDATE investment_schema.tpias SET
			gdc_number = :gdc_number,
			gdc_id = :gdc_id,
			current_value = :current_value,
			approval_date = :approval_date,
			maturity_date = :maturity_date,
			final_maturity_date = :final_maturity_date,
			status = :status,
			current_cycle = :current_cycle,
			investment_phase = :investment_phase,
			next_exit_window_start = :next_exit_window_start,
			next_exit_window_end = :next_exit_window_end,
			withdrawal_requested = :withdrawal_requested,
			withdrawal_requested_at = :withdrawal_requested_at,
			exit_penalty_applied = :exit_penalty_applied,
			penalty_amount = :penalty_amount,
			returned_principal = :returned_principal,
			profit_history = :profit_history,
			approved_by = :approved_by,
			auto_approved = :auto_approved,
			insurance_policy_id = :insurance_policy_id,
			rejection_reason = :rejection_reason,
			matured_at = :matured_at,
			completed_at = :completed_at,
			updated_at = :updated_at
		WHERE id = :id
	`
	res, err := sqlx.NamedExecContext(ctx, r.db, query, tpia)
	if err != nil {
		return errors.Wrap(err, "failed to update tpia")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.ErrTPIANotFound
	}
	return nil
}

func (r *TPIARepository) NextNumber(ctx context.Context) (int64, error) {
	var n int64
	if err := sqlx.GetContext(ctx, r.db, &n, `SELECT nextval('investment_schema.tpia_number_seq')`); err != nil {
		return 0, errors.Wrap(err, "failed to allocate tpia number")
	}
	return n, nil
}

func (r *TPIARepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.TPIA, error) {
	query := `SELECT ` + tpiaColumns + ` FROM investment_schema.tpias
		WHERE status = 'PENDING_APPROVAL' AND purchase_date <= $1
		ORDER BY tpia_number
		LIMIT $2`
	return r.list(ctx, query, cutoff, limitArg(limit))
}

func (r *TPIARepository) ListDueImmediate(ctx context.Context, now time.Time, limit int) ([]*domain.TPIA, error) {
	query := `SELECT ` + tpiaColumns + ` FROM investment_schema.tpias
		WHERE status = 'ACTIVE' AND cycle_start_mode = 'IMMEDIATE' AND maturity_date <= $1
		ORDER BY tpia_number
		LIMIT $2`
	return r.list(ctx, query, now, limitArg(limit))
}

func (r *TPIARepository) ListByGDC(ctx context.Context, gdcID uuid.UUID) ([]*domain.TPIA, error) {
	query := `SELECT ` + tpiaColumns + ` FROM investment_schema.tpias
		WHERE gdc_id = $1
		ORDER BY tpia_number`
	return r.list(ctx, query, gdcID)
}

func (r *TPIARepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.TPIA, error) {
	var tpias []*domain.TPIA
	if err := sqlx.SelectContext(ctx, r.db, &tpias, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list tpias")
	}
	return tpias, nil
}
