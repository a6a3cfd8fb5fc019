package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpia/internal/repository"
	"tpia/internal/repository/memory"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *memory.Store, uuid.UUID) {
	t.Helper()
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	svc := NewService(store, clock, logger.NewNop(), nil)
	userID := uuid.New()
	_, err := svc.CreateWallet(context.Background(), userID)
	require.NoError(t, err)
	return svc, store, userID
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateWalletTwiceFails(t *testing.T) {
	svc, _, userID := newTestService(t)
	_, err := svc.CreateWallet(context.Background(), userID)
	assert.ErrorIs(t, err, errors.ErrWalletAlreadyExists)
}

func TestDepositAppendsSnapshot(t *testing.T) {
	svc, _, userID := newTestService(t)
	ctx := context.Background()

	e1, err := svc.Deposit(ctx, userID, d("1500000"), "")
	require.NoError(t, err)
	e2, err := svc.Deposit(ctx, userID, d("250"), "bank-42")
	require.NoError(t, err)

	assert.Contains(t, e1.Reference, "TXN-")
	assert.Equal(t, "bank-42", e2.Reference)
	assert.Equal(t, "1500250", e2.BalanceAfter.String())
	assert.Equal(t, e1.Hash, e2.PreviousHash)
	assert.Equal(t, genesisHash, e1.PreviousHash)

	w, err := svc.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "1500250", w.Balance.String())

	_, err = svc.Deposit(ctx, userID, decimal.Zero, "")
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)
}

func TestPostRejectsNegativeBalanceAtomically(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, userID, d("100"), "")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := svc.Post(ctx, tx, Posting{UserID: userID, Bucket: domain.BucketEarnings, Amount: d("40"), Type: domain.LedgerCycleProfit}); err != nil {
			return err
		}
		_, err := svc.Post(ctx, tx, Posting{UserID: userID, Bucket: domain.BucketBalance, Amount: d("-101"), Type: domain.LedgerTPIAPurchase})
		return err
	})
	require.ErrorIs(t, err, errors.ErrInsufficientFunds)
	assert.True(t, errors.IsInvariant(err))

	w, err := svc.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "100", w.Balance.String())
	assert.True(t, w.EarningsBalance.IsZero())

	history, err := svc.History(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHoldCannotExceedAvailable(t *testing.T) {
	svc, _, userID := newTestService(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, userID, d("100"), "")
	require.NoError(t, err)

	_, err = svc.Hold(ctx, userID, d("60"), "")
	require.NoError(t, err)
	_, err = svc.Hold(ctx, userID, d("41"), "")
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	_, err = svc.Release(ctx, userID, d("60"), "")
	require.NoError(t, err)
	_, err = svc.Release(ctx, userID, d("1"), "")
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	w, _ := svc.GetWallet(ctx, userID)
	assert.Equal(t, "100", w.AvailableBalance().String())
}

func TestPayoutLifecycle(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := svc.Post(ctx, tx, Posting{UserID: userID, Bucket: domain.BucketEarnings, Amount: d("50000"), Type: domain.LedgerCycleProfit})
		return err
	})
	require.NoError(t, err)

	_, err = svc.RequestPayout(ctx, userID, domain.BucketEarnings, d("60000"))
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	req, err := svc.RequestPayout(ctx, userID, domain.BucketEarnings, d("30000"))
	require.NoError(t, err)

	w, _ := svc.GetWallet(ctx, userID)
	assert.Equal(t, "20000", w.AvailableBalance().String())
	assert.Equal(t, "30000", w.PendingWithdrawalBalance.String())

	require.NoError(t, svc.CompletePayout(ctx, userID, domain.BucketEarnings, d("30000"), req.Reference))
	w, _ = svc.GetWallet(ctx, userID)
	assert.Equal(t, "20000", w.EarningsBalance.String())
	assert.True(t, w.PendingWithdrawalBalance.IsZero())

	err = svc.CompletePayout(ctx, userID, domain.BucketEarnings, d("30000"), req.Reference)
	assert.Error(t, err)

	_, err = svc.RequestPayout(ctx, userID, domain.BucketLocked, d("1"))
	assert.True(t, errors.IsValidation(err))
}

func TestVerifyChain(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()
	for _, amt := range []string{"10", "20", "30"} {
		_, err := svc.Deposit(ctx, userID, d(amt), "")
		require.NoError(t, err)
	}
	_, err := svc.Hold(ctx, userID, d("5"), "")
	require.NoError(t, err)

	ok, err := svc.VerifyChain(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tamper with the balance outside the ledger.
	w, _ := store.Wallets().FindByUserID(ctx, userID)
	w.Balance = d("1000")
	require.NoError(t, store.Wallets().Update(ctx, w))

	ok, err = svc.VerifyChain(ctx, userID)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "balance bucket is 1000")
}

func TestVerifyChainDetectsRewrittenEntry(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, userID, d("10"), "a")
	require.NoError(t, err)

	w, _ := store.Wallets().FindByUserID(ctx, userID)
	forged := &domain.LedgerEntry{
		ID: uuid.New(), WalletID: w.ID, UserID: userID, Type: domain.LedgerDeposit,
		Bucket: domain.BucketBalance, Amount: d("5"), BalanceAfter: d("15"), Reference: "b",
		PreviousHash: w.LastEntryHash, Hash: "deadbeef",
	}
	require.NoError(t, store.Ledger().Append(ctx, forged))

	ok, err := svc.VerifyChain(ctx, userID)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "hash mismatch at index 1")
}
