package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"tpia/internal/metrics"
	"tpia/internal/repository"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Posting is a signed change to one wallet bucket.
type Posting struct {
	UserID      uuid.UUID
	Bucket      domain.BalanceBucket
	Amount      decimal.Decimal
	Type        domain.LedgerEntryType
	Reference   string
	TPIAID      *uuid.UUID
	Description string
}

type Service struct {
	store   repository.Store
	clock   clockwork.Clock
	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewService(store repository.Store, clock clockwork.Clock, log logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		clock:   clock,
		logger:  log,
		metrics: m,
	}
}

// Post applies p inside tx. The wallet row stays locked until tx ends, so the
// hash chain and balances advance one posting at a time.
func (s *Service) Post(ctx context.Context, tx repository.Tx, p Posting) (*domain.LedgerEntry, error) {
	if p.Amount.IsZero() {
		return nil, errors.ErrInvalidAmount
	}

	wallet, err := tx.Wallets().FindByUserIDForUpdate(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	availableBefore := wallet.AvailableBalance()
	after := wallet.Get(p.Bucket).Add(p.Amount)
	if after.IsNegative() {
		return nil, errors.ErrInsufficientFunds
	}
	wallet.Set(p.Bucket, after)
	if available := wallet.AvailableBalance(); available.LessThan(availableBefore) && available.IsNegative() {
		return nil, errors.ErrInsufficientFunds
	}

	ref := p.Reference
	if ref == "" {
		ref = "TXN-" + uuid.NewString()
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	prev := wallet.LastEntryHash
	if prev == "" {
		prev = genesisHash
	}

	entry := &domain.LedgerEntry{
		ID:           uuid.New(),
		WalletID:     wallet.ID,
		UserID:       wallet.UserID,
		Type:         p.Type,
		Bucket:       p.Bucket,
		Amount:       p.Amount,
		BalanceAfter: after,
		Reference:    ref,
		Status:       "completed",
		TPIAID:       p.TPIAID,
		Description:  p.Description,
		PreviousHash: prev,
		CreatedAt:    now,
	}
	entry.Hash = entryHash(entry)

	wallet.LastEntryHash = entry.Hash
	wallet.UpdatedAt = now
	if err := tx.Wallets().Update(ctx, wallet); err != nil {
		return nil, errors.Wrap(err, "failed to update wallet")
	}
	if err := tx.Ledger().Append(ctx, entry); err != nil {
		return nil, err
	}

	s.metrics.LedgerPosted(string(p.Type))
	return entry, nil
}

func entryHash(e *domain.LedgerEntry) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s:%s:%d",
		e.WalletID.String(), e.Type, e.Bucket, e.Amount.String(), e.Reference, e.PreviousHash, e.CreatedAt.UnixNano())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func (s *Service) CreateWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	now := s.clock.Now().UTC()
	wallet := &domain.Wallet{
		ID:                       uuid.New(),
		UserID:                   userID,
		Balance:                  decimal.Zero,
		EarningsBalance:          decimal.Zero,
		LockedBalance:            decimal.Zero,
		PendingWithdrawalBalance: decimal.Zero,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.store.Wallets().Create(ctx, wallet); err != nil {
		return nil, err
	}

	s.logger.Info("Wallet created", map[string]interface{}{
		"wallet_id": wallet.ID,
		"user_id":   userID,
	})
	return wallet, nil
}

func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return s.store.Wallets().FindByUserID(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]*domain.LedgerEntry, error) {
	wallet, err := s.store.Wallets().FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.Ledger().ListByWallet(ctx, wallet.ID)
}

// Deposit credits external funds to the spendable balance.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	return s.postOne(ctx, Posting{
		UserID:      userID,
		Bucket:      domain.BucketBalance,
		Amount:      amount,
		Type:        domain.LedgerDeposit,
		Reference:   reference,
		Description: "Wallet deposit",
	})
}

// RequestPayout earmarks amount of source for withdrawal by moving it into the
// pending bucket. The funds stay in source until CompletePayout.
func (s *Service) RequestPayout(ctx context.Context, userID uuid.UUID, source domain.BalanceBucket, amount decimal.Decimal) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	if source != domain.BucketBalance && source != domain.BucketEarnings {
		return nil, &errors.ValidationError{Reason: "payouts can only be drawn from balance or earnings"}
	}

	var entry *domain.LedgerEntry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		wallet, err := tx.Wallets().FindByUserIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if wallet.Get(source).LessThan(amount) {
			return errors.ErrInsufficientFunds
		}
		entry, err = s.Post(ctx, tx, Posting{
			UserID:      userID,
			Bucket:      domain.BucketPendingWithdrawal,
			Amount:      amount,
			Type:        domain.LedgerPayoutRequest,
			Description: "Payout requested from " + string(source),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payout requested", map[string]interface{}{
		"user_id":   userID,
		"amount":    amount.String(),
		"source":    source,
		"reference": entry.Reference,
	})
	return entry, nil
}

// CompletePayout releases the earmark and debits source. Both rows share the
// request reference.
func (s *Service) CompletePayout(ctx context.Context, userID uuid.UUID, source domain.BalanceBucket, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := s.Post(ctx, tx, Posting{
			UserID:      userID,
			Bucket:      domain.BucketPendingWithdrawal,
			Amount:      amount.Neg(),
			Type:        domain.LedgerPayoutCompleted,
			Reference:   reference,
			Description: "Payout released",
		}); err != nil {
			return err
		}
		_, err := s.Post(ctx, tx, Posting{
			UserID:      userID,
			Bucket:      source,
			Amount:      amount.Neg(),
			Type:        domain.LedgerPayoutCompleted,
			Reference:   reference,
			Description: "Payout sent",
		})
		return err
	})
}

func (s *Service) Hold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	return s.postOne(ctx, Posting{
		UserID:      userID,
		Bucket:      domain.BucketLocked,
		Amount:      amount,
		Type:        domain.LedgerHold,
		Reference:   reference,
		Description: "Funds held",
	})
}

func (s *Service) Release(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	return s.postOne(ctx, Posting{
		UserID:      userID,
		Bucket:      domain.BucketLocked,
		Amount:      amount.Neg(),
		Type:        domain.LedgerRelease,
		Reference:   reference,
		Description: "Funds released",
	})
}

func (s *Service) postOne(ctx context.Context, p Posting) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entry, err = s.Post(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// VerifyChain walks the wallet's entries from genesis, recomputing each hash and
// replaying every bucket. Returns false with the first discrepancy found.
func (s *Service) VerifyChain(ctx context.Context, userID uuid.UUID) (bool, error) {
	wallet, err := s.store.Wallets().FindByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	entries, err := s.store.Ledger().ListByWallet(ctx, wallet.ID)
	if err != nil {
		return false, errors.Wrap(err, "failed to read ledger")
	}

	byPrev := make(map[string]*domain.LedgerEntry, len(entries))
	for _, e := range entries {
		if _, dup := byPrev[e.PreviousHash]; dup {
			return false, fmt.Errorf("chain forked at previous hash %s", e.PreviousHash)
		}
		byPrev[e.PreviousHash] = e
	}

	totals := map[domain.BalanceBucket]decimal.Decimal{}
	prev := genesisHash
	for i := 0; i < len(entries); i++ {
		e, ok := byPrev[prev]
		if !ok {
			return false, fmt.Errorf("chain broken at index %d: no entry follows %s", i, prev)
		}
		if calc := entryHash(e); calc != e.Hash {
			return false, fmt.Errorf("hash mismatch at index %d: expected %s, got %s", i, calc, e.Hash)
		}
		totals[e.Bucket] = totals[e.Bucket].Add(e.Amount)
		if !totals[e.Bucket].Equal(e.BalanceAfter) {
			return false, fmt.Errorf("balance snapshot mismatch at index %d: replayed %s, recorded %s", i, totals[e.Bucket], e.BalanceAfter)
		}
		prev = e.Hash
	}

	if len(entries) > 0 && prev != wallet.LastEntryHash {
		return false, fmt.Errorf("wallet head %s does not match chain tail %s", wallet.LastEntryHash, prev)
	}
	for _, b := range []domain.BalanceBucket{domain.BucketBalance, domain.BucketEarnings, domain.BucketLocked, domain.BucketPendingWithdrawal} {
		if !totals[b].Equal(wallet.Get(b)) {
			return false, fmt.Errorf("%s bucket is %s but ledger sums to %s", b, wallet.Get(b), totals[b])
		}
	}
	return true, nil
}
