package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

type CommodityRepository struct {
	db sqlx.ExtContext
}

func NewCommodityRepository(db sqlx.ExtContext) *CommodityRepository {
	return &CommodityRepository{db: db}
}

func (r *CommodityRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Commodity, error) {
	commodity := &domain.Commodity{}
	query := `SELECT id, code, name, nav_price, updated_at FROM investment_schema.commodities WHERE id = $1`
	if err := sqlx.GetContext(ctx, r.db, commodity, query, id); err != nil {
		if isNoRows(err) {
			return nil, errors.ErrCommodityNotFound
		}
		return nil, errors.Wrap(err, "failed to find commodity")
	}
	return commodity, nil
}

func (r *CommodityRepository) Upsert(ctx context.Context, commodity *domain.Commodity) error {
	query := `
		INSERT INTO investment_schema.commodities (id, code, name, nav_price, updated_at)
		VALUES (:id, :code, :name, :nav_price, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			nav_price = EXCLUDED.nav_price,
			updated_at = EXCLUDED.updated_at
	`
	_, err := sqlx.NamedExecContext(ctx, r.db, query, commodity)
	return errors.Wrap(err, "failed to upsert commodity")
}
