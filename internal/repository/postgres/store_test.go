package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpia/internal/repository"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

var now = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})
	return NewStore(sqlx.NewDb(mockDB, "postgres")), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func walletRows(userID uuid.UUID, balance string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "balance", "earnings_balance", "locked_balance",
		"pending_withdrawal_balance", "last_entry_hash", "created_at", "updated_at",
	}).AddRow(uuid.New().String(), userID.String(), balance, "0", "0", "0", "abc", now, now)
}

func TestWithTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM investment_schema.wallets WHERE user_id = $1 FOR UPDATE")).
		WithArgs(userID).
		WillReturnRows(walletRows(userID, "1000000"))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		w, err := tx.Wallets().FindByUserIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		assert.Equal(t, "1000000", w.Balance.String())
		assert.Equal(t, "abc", w.LastEntryHash)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return errors.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
}

func TestWithTxMapsSerializationFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return &pq.Error{Code: pqSerializationFailure}
	})
	assert.ErrorIs(t, err, errors.ErrConcurrentUpdate)
	assert.True(t, errors.IsConflict(err))
}

func TestWalletRepository(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	userID := uuid.New()

	mock.ExpectExec(q("INSERT INTO investment_schema.wallets")).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})
	err := store.Wallets().Create(ctx, &domain.Wallet{ID: uuid.New(), UserID: userID, CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, errors.ErrWalletAlreadyExists)

	mock.ExpectQuery(q("FROM investment_schema.wallets WHERE user_id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.Wallets().FindByUserID(ctx, userID)
	assert.ErrorIs(t, err, errors.ErrWalletNotFound)

	mock.ExpectExec(q("UPDATE investment_schema.wallets SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.Wallets().Update(ctx, &domain.Wallet{UserID: userID, Balance: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, errors.ErrWalletNotFound)
}

func TestLedgerAppendRejectsReplay(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(q("INSERT INTO investment_schema.ledger_entries")).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := store.Ledger().Append(context.Background(), &domain.LedgerEntry{
		ID:        uuid.New(),
		WalletID:  uuid.New(),
		Type:      domain.LedgerCycleProfit,
		Bucket:    domain.BucketEarnings,
		Amount:    decimal.NewFromInt(50000),
		Reference: "CYCLE-1-1",
		CreatedAt: now,
	})
	assert.ErrorIs(t, err, errors.ErrDuplicateRef)
}

func gdcRows(id uuid.UUID, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "gdc_number", "commodity_id", "capacity", "current_fill", "status", "activation_date",
		"next_cycle_date", "current_cycle", "total_cycles", "version", "created_at", "updated_at",
	}).AddRow(id.String(), 10, uuid.New().String(), 10, 2, "FILLING", nil, nil, 0, 24, version, now, now)
}

func TestGDCFindByIDLoadsMembers(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(q("FROM investment_schema.gdcs WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(gdcRows(id, 3))
	mock.ExpectQuery(q("FROM investment_schema.gdc_members")).
		WillReturnRows(sqlmock.NewRows([]string{
			"gdc_id", "tpia_id", "tpia_number", "user_id", "purchase_date", "approval_date",
		}).
			AddRow(id.String(), uuid.New().String(), 1, uuid.New().String(), now, now).
			AddRow(id.String(), uuid.New().String(), 2, uuid.New().String(), now, nil))

	gdc, err := store.GDCs().FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, gdc.GDCNumber)
	assert.Equal(t, 3, gdc.Version)
	require.Len(t, gdc.Members, 2)
	assert.NotNil(t, gdc.Members[0].ApprovalDate)
	assert.Nil(t, gdc.Members[1].ApprovalDate)
	assert.Equal(t, 8, gdc.AvailableSlots())
}

func TestGDCFindFillingNone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("status = 'FILLING' AND current_fill < capacity")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GDCs().FindFilling(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errors.ErrGDCNotFound)
}

func TestGDCUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	gdc := &domain.GDC{
		ID:          uuid.New(),
		GDCNumber:   10,
		Capacity:    10,
		CurrentFill: 1,
		Status:      domain.GDCStatusFilling,
		TotalCycles: 24,
		Version:     4,
		UpdatedAt:   now,
	}
	gdc.Members = []domain.GDCMember{{GDCID: gdc.ID, TPIAID: uuid.New(), TPIANumber: 7, UserID: uuid.New(), PurchaseDate: now}}

	mock.ExpectExec(q("WHERE id = $9 AND version = $10")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.GDCs().Update(ctx, gdc)
	assert.ErrorIs(t, err, errors.ErrConcurrentUpdate)
	assert.Equal(t, 4, gdc.Version)

	mock.ExpectExec(q("UPDATE investment_schema.gdcs SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM investment_schema.gdc_members WHERE gdc_id = $1")).
		WithArgs(gdc.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("INSERT INTO investment_schema.gdc_members")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.GDCs().Update(ctx, gdc))
	assert.Equal(t, 5, gdc.Version)
}

func TestTPIANextNumber(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("SELECT nextval('investment_schema.tpia_number_seq')")).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(42))

	n, err := store.TPIAs().NextNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestTPIAListPendingWithoutLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("WHERE status = 'PENDING_APPROVAL' AND purchase_date <= $1")).
		WithArgs(now, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tpia_number", "status"}).
			AddRow(uuid.New().String(), 1, "PENDING_APPROVAL"))

	tpias, err := store.TPIAs().ListPendingBefore(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, tpias, 1)
	assert.Equal(t, domain.TPIAStatusPendingApproval, tpias[0].Status)
}

func TestCycleClaim(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	cycle := &domain.Cycle{
		ID:          uuid.New(),
		TPIAID:      uuid.New(),
		CycleNumber: 3,
		StartDate:   now.Add(-37 * 24 * time.Hour),
		EndDate:     now,
		Status:      domain.CycleStatusCompleted,
		ProfitRate:  decimal.RequireFromString("0.05"),
		CreatedAt:   now,
	}

	mock.ExpectQuery(q("ON CONFLICT (tpia_id, cycle_number) DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(cycle.ID.String()))
	require.NoError(t, store.Cycles().Claim(ctx, cycle))

	mock.ExpectQuery(q("WHERE cycles.status <> 'completed'")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	err := store.Cycles().Claim(ctx, cycle)
	assert.ErrorIs(t, err, errors.ErrCycleAlreadyProcessed)

	mock.ExpectQuery(q("ON CONFLICT (tpia_id, cycle_number) DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	assert.NoError(t, store.Cycles().RecordFailure(ctx, cycle))
}

func TestCommodityFind(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(q("FROM investment_schema.commodities WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "nav_price", "updated_at"}).
			AddRow(id.String(), "XAU", "Gold", "2315.40", now))

	c, err := store.Commodities().FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "XAU", c.Code)
	assert.True(t, c.NavPrice.Equal(decimal.RequireFromString("2315.4")))
}
