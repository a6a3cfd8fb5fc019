// Package repository defines the persistence contracts shared by the engine services.
// Implementations live in the postgres and memory subpackages.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tpia/pkg/domain"
)

type WalletRepository interface {
	Create(ctx context.Context, wallet *domain.Wallet) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	// FindByUserIDForUpdate locks the wallet row until the surrounding transaction ends.
	FindByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	Update(ctx context.Context, wallet *domain.Wallet) error
}

type LedgerRepository interface {
	// Append fails with ErrDuplicateRef if (wallet, reference, bucket, type) was already written.
	Append(ctx context.Context, entry *domain.LedgerEntry) error
	ListByWallet(ctx context.Context, walletID uuid.UUID) ([]*domain.LedgerEntry, error)
}

type GDCRepository interface {
	Create(ctx context.Context, gdc *domain.GDC) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.GDC, error)
	FindByNumber(ctx context.Context, number int) (*domain.GDC, error)
	// FindFilling returns the lowest-numbered FILLING cluster with free capacity.
	FindFilling(ctx context.Context, commodityID uuid.UUID) (*domain.GDC, error)
	MaxNumber(ctx context.Context) (int, error)
	// Update writes gdc only if its stored version still equals gdc.Version,
	// then bumps the version. A stale version yields ErrConcurrentUpdate.
	Update(ctx context.Context, gdc *domain.GDC) error
	ListByStatus(ctx context.Context, status domain.GDCStatus, limit int) ([]*domain.GDC, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.GDC, error)
}

type TPIARepository interface {
	Create(ctx context.Context, tpia *domain.TPIA) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.TPIA, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.TPIA, error)
	Update(ctx context.Context, tpia *domain.TPIA) error
	NextNumber(ctx context.Context) (int64, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.TPIA, error)
	ListDueImmediate(ctx context.Context, now time.Time, limit int) ([]*domain.TPIA, error)
	ListByGDC(ctx context.Context, gdcID uuid.UUID) ([]*domain.TPIA, error)
}

type CycleRepository interface {
	// Claim inserts the cycle row, replacing a previous failed or running attempt.
	// An existing completed row yields ErrCycleAlreadyProcessed.
	Claim(ctx context.Context, cycle *domain.Cycle) error
	// RecordFailure stores a failed attempt unless the cycle already completed.
	RecordFailure(ctx context.Context, cycle *domain.Cycle) error
	Find(ctx context.Context, tpiaID uuid.UUID, cycleNumber int) (*domain.Cycle, error)
	ListByTPIA(ctx context.Context, tpiaID uuid.UUID) ([]*domain.Cycle, error)
}

type CommodityRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Commodity, error)
	Upsert(ctx context.Context, commodity *domain.Commodity) error
}

// Tx exposes every repository bound to one unit of work.
type Tx interface {
	Wallets() WalletRepository
	Ledger() LedgerRepository
	GDCs() GDCRepository
	TPIAs() TPIARepository
	Cycles() CycleRepository
	Commodities() CommodityRepository
}

// Store is the root persistence handle. Its own repositories run outside any
// transaction; WithTx commits everything fn wrote or nothing.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}
