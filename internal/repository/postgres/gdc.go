package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

const gdcColumns = `id, gdc_number, commodity_id, capacity, current_fill, status, activation_date,
	next_cycle_date, current_cycle, total_cycles, version, created_at, updated_at`

type GDCRepository struct {
	db sqlx.ExtContext
}

func NewGDCRepository(db sqlx.ExtContext) *GDCRepository {
	return &GDCRepository{db: db}
}

func (r *GDCRepository) Create(ctx context.Context, gdc *domain.GDC) error {
	query := `
		INSERT INTO investment_schema.gdcs (
			id, gdc_number, commodity_id, capacity, current_fill, status, activation_date,
			next_cycle_date, current_cycle, total_cycles, version, created_at, updated_at
		) VALUES (
			:id, :gdc_number, :commodity_id, :capacity, :current_fill, :status, :activation_date,
			:next_cycle_date, :current_cycle, :total_cycles, :version, :created_at, :updated_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, gdc); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrConcurrentUpdate
		}
		return errors.Wrap(err, "failed to create gdc")
	}
	return r.insertMembers(ctx, gdc.Members)
}

func (r *GDCRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.GDC, error) {
	return r.findOne(ctx, `SELECT `+gdcColumns+` FROM investment_schema.gdcs WHERE id = $1`, id)
}

func (r *GDCRepository) FindByNumber(ctx context.Context, number int) (*domain.GDC, error) {
	return r.findOne(ctx, `SELECT `+gdcColumns+` FROM investment_schema.gdcs WHERE gdc_number = $1`, number)
}

// FindFilling locks the chosen row so two purchases cannot both take the last slot.
func (r *GDCRepository) FindFilling(ctx context.Context, commodityID uuid.UUID) (*domain.GDC, error) {
	query := `SELECT ` + gdcColumns + ` FROM investment_schema.gdcs
		WHERE commodity_id = $1 AND status = 'FILLING' AND current_fill < capacity
		ORDER BY gdc_number
		LIMIT 1
		FOR UPDATE`
	return r.findOne(ctx, query, commodityID)
}

func (r *GDCRepository) MaxNumber(ctx context.Context) (int, error) {
	var highest int
	err := sqlx.GetContext(ctx, r.db, &highest, `SELECT COALESCE(MAX(gdc_number), 0) FROM investment_schema.gdcs`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read highest gdc number")
	}
	return highest, nil
}

// Update is a compare-and-set on version. The member set is rewritten in full.
func (r *GDCRepository) Update(ctx context.Context, gdc *domain.GDC) error {
	query := `
		UPDATE investment_schema.gdcs SET
			capacity = :capacity,
			current_fill = :current_fill,
			status = :status,
			activation_date = :activation_date,
			next_cycle_date = :next_cycle_date,
			current_cycle = :current_cycle,
			total_cycles = :total_cycles,
			version = version + 1,
			updated_at = :updated_at
		WHERE id = :id AND version = :version
	`
	res, err := sqlx.NamedExecContext(ctx, r.db, query, gdc)
	if err != nil {
		return errors.Wrap(err, "failed to update gdc")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to update gdc")
	}
	if n == 0 {
		return errors.ErrConcurrentUpdate
	}
	gdc.Version++

	if _, err := r.db.ExecContext(ctx, `DELETE FROM investment_schema.gdc_members WHERE gdc_id = $1`, gdc.ID); err != nil {
		return errors.Wrap(err, "failed to clear gdc members")
	}
	return r.insertMembers(ctx, gdc.Members)
}

func (r *GDCRepository) ListByStatus(ctx context.Context, status domain.GDCStatus, limit int) ([]*domain.GDC, error) {
	query := `SELECT ` + gdcColumns + ` FROM investment_schema.gdcs
		WHERE status = $1
		ORDER BY gdc_number
		LIMIT $2`
	return r.list(ctx, query, status, limitArg(limit))
}

func (r *GDCRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.GDC, error) {
	query := `SELECT ` + gdcColumns + ` FROM investment_schema.gdcs
		WHERE status = 'ACTIVE' AND next_cycle_date <= $1
		ORDER BY gdc_number
		LIMIT $2`
	return r.list(ctx, query, now, limitArg(limit))
}

func (r *GDCRepository) findOne(ctx context.Context, query string, args ...interface{}) (*domain.GDC, error) {
	gdc := &domain.GDC{}
	if err := sqlx.GetContext(ctx, r.db, gdc, query, args...); err != nil {
		if isNoRows(err) {
			return nil, errors.ErrGDCNotFound
		}
		return nil, errors.Wrap(err, "failed to find gdc")
	}
	if err := r.loadMembers(ctx, []*domain.GDC{gdc}); err != nil {
		return nil, err
	}
	return gdc, nil
}

func (r *GDCRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.GDC, error) {
	var gdcs []*domain.GDC
	if err := sqlx.SelectContext(ctx, r.db, &gdcs, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list gdcs")
	}
	if err := r.loadMembers(ctx, gdcs); err != nil {
		return nil, err
	}
	return gdcs, nil
}

// loadMembers fills Members for every gdc with one query.
func (r *GDCRepository) loadMembers(ctx context.Context, gdcs []*domain.GDC) error {
	if len(gdcs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(gdcs))
	byID := make(map[uuid.UUID]*domain.GDC, len(gdcs))
	for _, g := range gdcs {
		ids = append(ids, g.ID.String())
		byID[g.ID] = g
	}

	var members []domain.GDCMember
	query := `
		SELECT gdc_id, tpia_id, tpia_number, user_id, purchase_date, approval_date
		FROM investment_schema.gdc_members
		WHERE gdc_id = ANY($1::uuid[])
		ORDER BY tpia_number
	`
	if err := sqlx.SelectContext(ctx, r.db, &members, query, pq.Array(ids)); err != nil {
		return errors.Wrap(err, "failed to load gdc members")
	}
	for _, m := range members {
		if g, ok := byID[m.GDCID]; ok {
			g.Members = append(g.Members, m)
		}
	}
	return nil
}

func (r *GDCRepository) insertMembers(ctx context.Context, members []domain.GDCMember) error {
	query := `
		INSERT INTO investment_schema.gdc_members (
			gdc_id, tpia_id, tpia_number, user_id, purchase_date, approval_date
		) VALUES (
			:gdc_id, :tpia_id, :tpia_number, :user_id, :purchase_date, :approval_date
		)
	`
	for i := range members {
		if _, err := sqlx.NamedExecContext(ctx, r.db, query, &members[i]); err != nil {
			if isUniqueViolation(err) {
				return errors.ErrDuplicateMember
			}
			return errors.Wrap(err, "failed to insert gdc member")
		}
	}
	return nil
}
