package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

const walletColumns = `id, user_id, balance, earnings_balance, locked_balance,
	pending_withdrawal_balance, last_entry_hash, created_at, updated_at`

type WalletRepository struct {
	db sqlx.ExtContext
}

func NewWalletRepository(db sqlx.ExtContext) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, wallet *domain.Wallet) error {
	query := `
		INSERT INTO investment_schema.wallets (
			id, user_id, balance, earnings_balance, locked_balance,
			pending_withdrawal_balance, last_entry_hash, created_at, updated_at
		) VALUES (
			:id, :user_id, :balance, :earnings_balance, :locked_balance,
			:pending_withdrawal_balance, :last_entry_hash, :created_at, :updated_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, wallet); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrWalletAlreadyExists
		}
		return errors.Wrap(err, "failed to create wallet")
	}
	return nil
}

func (r *WalletRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return r.find(ctx, `SELECT `+walletColumns+` FROM investment_schema.wallets WHERE user_id = $1`, userID)
}

func (r *WalletRepository) FindByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return r.find(ctx, `SELECT `+walletColumns+` FROM investment_schema.wallets WHERE user_id = $1 FOR UPDATE`, userID)
}

func (r *WalletRepository) find(ctx context.Context, query string, userID uuid.UUID) (*domain.Wallet, error) {
	wallet := &domain.Wallet{}
	if err := sqlx.GetContext(ctx, r.db, wallet, query, userID); err != nil {
		if isNoRows(err) {
			return nil, errors.ErrWalletNotFound
		}
		return nil, errors.Wrap(err, "failed to find wallet by user id")
	}
	return wallet, nil
}

func (r *WalletRepository) Update(ctx context.Context, wallet *domain.Wallet) error {
	query := `
		UPDATE investment_schema.wallets SET
			balance = :balance,
			earnings_balance = :earnings_balance,
			locked_balance = :locked_balance,
			pending_withdrawal_balance = :pending_withdrawal_balance,
			last_entry_hash = :last_entry_hash,
			updated_at = :updated_at
		WHERE user_id = :user_id
	`
	res, err := sqlx.NamedExecContext(ctx, r.db, query, wallet)
	if err != nil {
		return errors.Wrap(err, "failed to update wallet")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.ErrWalletNotFound
	}
	return nil
}
