// Package postgres implements the repository contracts over sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tpia/internal/repository"
	"tpia/pkg/config"
	"tpia/pkg/errors"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

var _ repository.Store = (*Store)(nil)

// Open connects and applies the pool settings from cfg.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

type Store struct {
	db *sqlx.DB
	*queries
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, queries: &queries{ext: db}}
}

// WithTx runs fn inside one database transaction. Serialization failures and
// deadlocks surface as ErrConcurrentUpdate so callers can retry.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(ctx, &queries{ext: tx}); err != nil {
		_ = tx.Rollback()
		return mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(mapTxError(err), "failed to commit transaction")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queries binds every repository to the same executor, either the pool or an open tx.
type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) Wallets() repository.WalletRepository {
	return &WalletRepository{db: q.ext}
}

func (q *queries) Ledger() repository.LedgerRepository {
	return &LedgerRepository{db: q.ext}
}

func (q *queries) GDCs() repository.GDCRepository {
	return &GDCRepository{db: q.ext}
}

func (q *queries) TPIAs() repository.TPIARepository {
	return &TPIARepository{db: q.ext}
}

func (q *queries) Cycles() repository.CycleRepository {
	return &CycleRepository{db: q.ext}
}

func (q *queries) Commodities() repository.CommodityRepository {
	return &CommodityRepository{db: q.ext}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

func mapTxError(err error) error {
	switch pqCode(err) {
	case pqSerializationFailure, pqDeadlockDetected:
		return errors.ErrConcurrentUpdate
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// limitArg turns a zero limit into NULL, which postgres reads as no limit.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
