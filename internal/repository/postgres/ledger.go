package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

type LedgerRepository struct {
	db sqlx.ExtContext
}

func NewLedgerRepository(db sqlx.ExtContext) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append relies on the (wallet_id, reference, bucket, type) unique index to
// reject a replayed posting.
func (r *LedgerRepository) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO investment_schema.ledger_entries (
			id, wallet_id, user_id, type, bucket, amount, balance_after, reference,
			status, tpia_id, description, previous_hash, hash, created_at
		) VALUES (
			:id, :wallet_id, :user_id, :type, :bucket, :amount, :balance_after, :reference,
			:status, :tpia_id, :description, :previous_hash, :hash, :created_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, entry); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateRef
		}
		return errors.Wrap(err, "failed to append ledger entry")
	}
	return nil
}

func (r *LedgerRepository) ListByWallet(ctx context.Context, walletID uuid.UUID) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	query := `
		SELECT id, wallet_id, user_id, type, bucket, amount, balance_after, reference,
			status, tpia_id, description, previous_hash, hash, created_at
		FROM investment_schema.ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at, id
	`
	if err := sqlx.SelectContext(ctx, r.db, &entries, query, walletID); err != nil {
		return nil, errors.Wrap(err, "failed to list ledger entries")
	}
	return entries, nil
}
