package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GDCStatus is the fill/activation state of a cluster.
type GDCStatus string

const (
	GDCStatusFilling   GDCStatus = "FILLING"
	GDCStatusFull      GDCStatus = "FULL"
	GDCStatusActive    GDCStatus = "ACTIVE"
	GDCStatusCompleted GDCStatus = "COMPLETED"
)

// GDC is a fixed-capacity cluster of TPIAs against one commodity.
type GDC struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	GDCNumber      int         `json:"gdc_number" db:"gdc_number"`
	CommodityID    uuid.UUID   `json:"commodity_id" db:"commodity_id"`
	Members        []GDCMember `json:"members" db:"-"`
	Capacity       int         `json:"capacity" db:"capacity"`
	CurrentFill    int         `json:"current_fill" db:"current_fill"`
	Status         GDCStatus   `json:"status" db:"status"`
	ActivationDate *time.Time  `json:"activation_date,omitempty" db:"activation_date"`
	NextCycleDate  *time.Time  `json:"next_cycle_date,omitempty" db:"next_cycle_date"`
	CurrentCycle   int         `json:"current_cycle" db:"current_cycle"`
	TotalCycles    int         `json:"total_cycles" db:"total_cycles"`
	Version        int         `json:"version" db:"version"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// GDCMember is one TPIA slot inside a GDC.
type GDCMember struct {
	GDCID        uuid.UUID  `json:"gdc_id" db:"gdc_id"`
	TPIAID       uuid.UUID  `json:"tpia_id" db:"tpia_id"`
	TPIANumber   int64      `json:"tpia_number" db:"tpia_number"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	PurchaseDate time.Time  `json:"purchase_date" db:"purchase_date"`
	ApprovalDate *time.Time `json:"approval_date,omitempty" db:"approval_date"`
}

func (g *GDC) IsFull() bool {
	return g.CurrentFill >= g.Capacity
}

func (g *GDC) AvailableSlots() int {
	if g.CurrentFill >= g.Capacity {
		return 0
	}
	return g.Capacity - g.CurrentFill
}

func (g *GDC) MemberIndex(tpiaNumber int64) int {
	for i, m := range g.Members {
		if m.TPIANumber == tpiaNumber {
			return i
		}
	}
	return -1
}

// Clone deep-copies the member slice so callers can mutate the copy freely.
func (g *GDC) Clone() *GDC {
	c := *g
	c.Members = append([]GDCMember(nil), g.Members...)
	return &c
}

type TPIAStatus string

const (
	TPIAStatusPendingApproval TPIAStatus = "PENDING_APPROVAL"
	TPIAStatusActive          TPIAStatus = "ACTIVE"
	TPIAStatusMatured         TPIAStatus = "MATURED"
	TPIAStatusCompleted       TPIAStatus = "COMPLETED"
	TPIAStatusCancelled       TPIAStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s TPIAStatus) IsTerminal() bool {
	return s == TPIAStatusCompleted || s == TPIAStatusCancelled
}

// UserMode routes cycle profit: TPM compounds into balance, EPS accrues withdrawable earnings.
type UserMode string

const (
	UserModeTPM UserMode = "TPM"
	UserModeEPS UserMode = "EPS"
)

type CycleStartMode string

const (
	CycleStartCluster   CycleStartMode = "CLUSTER"
	CycleStartImmediate CycleStartMode = "IMMEDIATE"
)

type InvestmentPhase string

const (
	PhaseCore      InvestmentPhase = "CORE"
	PhaseExtended  InvestmentPhase = "EXTENDED"
	PhaseCompleted InvestmentPhase = "COMPLETED"
)

// Rank orders phases so transitions can be checked for monotonicity.
func (p InvestmentPhase) Rank() int {
	switch p {
	case PhaseCore:
		return 0
	case PhaseExtended:
		return 1
	case PhaseCompleted:
		return 2
	}
	return -1
}

// TPIA is a single user's fixed-size investment unit.
type TPIA struct {
	ID                    uuid.UUID       `json:"id" db:"id"`
	TPIANumber            int64           `json:"tpia_number" db:"tpia_number"`
	GDCNumber             int             `json:"gdc_number" db:"gdc_number"`
	GDCID                 uuid.UUID       `json:"gdc_id" db:"gdc_id"`
	CommodityID           uuid.UUID       `json:"commodity_id" db:"commodity_id"`
	UserID                uuid.UUID       `json:"user_id" db:"user_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	CurrentValue          decimal.Decimal `json:"current_value" db:"current_value"`
	PurchaseDate          time.Time       `json:"purchase_date" db:"purchase_date"`
	ApprovalDate          *time.Time      `json:"approval_date,omitempty" db:"approval_date"`
	MaturityDate          *time.Time      `json:"maturity_date,omitempty" db:"maturity_date"`
	FinalMaturityDate     *time.Time      `json:"final_maturity_date,omitempty" db:"final_maturity_date"`
	Status                TPIAStatus      `json:"status" db:"status"`
	ProfitAmount          decimal.Decimal `json:"profit_amount" db:"profit_amount"`
	UserMode              UserMode        `json:"user_mode" db:"user_mode"`
	CycleStartMode        CycleStartMode  `json:"cycle_start_mode" db:"cycle_start_mode"`
	CurrentCycle          int             `json:"current_cycle" db:"current_cycle"`
	TotalCycles           int             `json:"total_cycles" db:"total_cycles"`
	InvestmentPhase       InvestmentPhase `json:"investment_phase" db:"investment_phase"`
	NextExitWindowStart   *time.Time      `json:"next_exit_window_start,omitempty" db:"next_exit_window_start"`
	NextExitWindowEnd     *time.Time      `json:"next_exit_window_end,omitempty" db:"next_exit_window_end"`
	WithdrawalRequested   bool            `json:"withdrawal_requested" db:"withdrawal_requested"`
	WithdrawalRequestedAt *time.Time      `json:"withdrawal_requested_at,omitempty" db:"withdrawal_requested_at"`
	ExitPenaltyApplied    bool            `json:"exit_penalty_applied" db:"exit_penalty_applied"`
	PenaltyAmount         decimal.Decimal `json:"penalty_amount" db:"penalty_amount"`
	ReturnedPrincipal     decimal.Decimal `json:"returned_principal" db:"returned_principal"`
	ProfitHistory         ProfitHistory   `json:"profit_history" db:"profit_history"`
	ApprovedBy            *uuid.UUID      `json:"approved_by,omitempty" db:"approved_by"`
	AutoApproved          bool            `json:"auto_approved" db:"auto_approved"`
	InsurancePolicyID     *string         `json:"insurance_policy_id,omitempty" db:"insurance_policy_id"`
	RejectionReason       *string         `json:"rejection_reason,omitempty" db:"rejection_reason"`
	MaturedAt             *time.Time      `json:"matured_at,omitempty" db:"matured_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone deep-copies the profit history.
func (t *TPIA) Clone() *TPIA {
	c := *t
	c.ProfitHistory = append(ProfitHistory(nil), t.ProfitHistory...)
	return &c
}

// TotalProfit sums every posted cycle profit.
func (t *TPIA) TotalProfit() decimal.Decimal {
	total := decimal.Zero
	for _, p := range t.ProfitHistory {
		total = total.Add(p.Amount)
	}
	return total
}

// ExitWindowOpen reports whether now falls inside the current exit window.
func (t *TPIA) ExitWindowOpen(now time.Time) bool {
	if t.NextExitWindowStart == nil || t.NextExitWindowEnd == nil {
		return false
	}
	return !now.Before(*t.NextExitWindowStart) && !now.After(*t.NextExitWindowEnd)
}

// DaysUntilMaturity is derived on read; it is zero once the final maturity date passes.
func (t *TPIA) DaysUntilMaturity(now time.Time) int {
	if t.FinalMaturityDate == nil || !now.Before(*t.FinalMaturityDate) {
		return 0
	}
	hours := t.FinalMaturityDate.Sub(now).Hours()
	days := int(hours / 24)
	if float64(days*24) < hours {
		days++
	}
	return days
}

// ProfitRecord is one posted cycle profit.
type ProfitRecord struct {
	Cycle     int             `json:"cycle"`
	Amount    decimal.Decimal `json:"amount"`
	Bucket    BalanceBucket   `json:"bucket"`
	Reference string          `json:"reference"`
	PostedAt  time.Time       `json:"posted_at"`
}

// ProfitHistory is persisted as a JSON column.
type ProfitHistory []ProfitRecord

func (h ProfitHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func (h *ProfitHistory) Scan(value interface{}) error {
	if value == nil {
		*h = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, h)
}

type CycleStatus string

const (
	CycleStatusRunning   CycleStatus = "running"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusFailed    CycleStatus = "failed"
)

// Cycle is written exactly once per (TPIAID, CycleNumber) advance.
type Cycle struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	GDCID                  uuid.UUID       `json:"gdc_id" db:"gdc_id"`
	TPIAID                 uuid.UUID       `json:"tpia_id" db:"tpia_id"`
	CycleNumber            int             `json:"cycle_number" db:"cycle_number"`
	StartDate              time.Time       `json:"start_date" db:"start_date"`
	EndDate                time.Time       `json:"end_date" db:"end_date"`
	Status                 CycleStatus     `json:"status" db:"status"`
	ProfitRate             decimal.Decimal `json:"profit_rate" db:"profit_rate"`
	TotalProfitDistributed decimal.Decimal `json:"total_profit_distributed" db:"total_profit_distributed"`
	FailureReason          *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
}

// Wallet holds a user's balances. Every bucket stays >= 0.
type Wallet struct {
	ID                       uuid.UUID       `json:"id" db:"id"`
	UserID                   uuid.UUID       `json:"user_id" db:"user_id"`
	Balance                  decimal.Decimal `json:"balance" db:"balance"`
	EarningsBalance          decimal.Decimal `json:"earnings_balance" db:"earnings_balance"`
	LockedBalance            decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	PendingWithdrawalBalance decimal.Decimal `json:"pending_withdrawal_balance" db:"pending_withdrawal_balance"`
	LastEntryHash            string          `json:"-" db:"last_entry_hash"`
	CreatedAt                time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at" db:"updated_at"`
}

// AvailableBalance is computed on read and never persisted.
func (w *Wallet) AvailableBalance() decimal.Decimal {
	return w.Balance.Add(w.EarningsBalance).Sub(w.LockedBalance).Sub(w.PendingWithdrawalBalance)
}

// BalanceBucket names one balance column of a wallet.
type BalanceBucket string

const (
	BucketBalance           BalanceBucket = "balance"
	BucketEarnings          BalanceBucket = "earnings"
	BucketLocked            BalanceBucket = "locked"
	BucketPendingWithdrawal BalanceBucket = "pending_withdrawal"
)

// Get returns the bucket's current value.
func (w *Wallet) Get(b BalanceBucket) decimal.Decimal {
	switch b {
	case BucketEarnings:
		return w.EarningsBalance
	case BucketLocked:
		return w.LockedBalance
	case BucketPendingWithdrawal:
		return w.PendingWithdrawalBalance
	default:
		return w.Balance
	}
}

// Set overwrites the bucket's value.
func (w *Wallet) Set(b BalanceBucket, v decimal.Decimal) {
	switch b {
	case BucketEarnings:
		w.EarningsBalance = v
	case BucketLocked:
		w.LockedBalance = v
	case BucketPendingWithdrawal:
		w.PendingWithdrawalBalance = v
	default:
		w.Balance = v
	}
}

type LedgerEntryType string

const (
	LedgerDeposit         LedgerEntryType = "DEPOSIT"
	LedgerTPIAPurchase    LedgerEntryType = "TPIA_PURCHASE"
	LedgerCycleProfit     LedgerEntryType = "CYCLE_PROFIT"
	LedgerRefund          LedgerEntryType = "REFUND"
	LedgerPayoutRequest   LedgerEntryType = "PAYOUT_REQUEST"
	LedgerPayoutCompleted LedgerEntryType = "PAYOUT_COMPLETED"
	LedgerHold            LedgerEntryType = "HOLD"
	LedgerRelease         LedgerEntryType = "RELEASE"
)

// LedgerEntry is an immutable row of a wallet's append-only log.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	WalletID     uuid.UUID       `json:"wallet_id" db:"wallet_id"`
	UserID       uuid.UUID       `json:"user_id" db:"user_id"`
	Type         LedgerEntryType `json:"type" db:"type"`
	Bucket       BalanceBucket   `json:"bucket" db:"bucket"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reference    string          `json:"reference" db:"reference"`
	Status       string          `json:"status" db:"status"`
	TPIAID       *uuid.UUID      `json:"tpia_id,omitempty" db:"tpia_id"`
	Description  string          `json:"description" db:"description"`
	PreviousHash string          `json:"previous_hash" db:"previous_hash"`
	Hash         string          `json:"hash" db:"hash"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Commodity is read-only reference data owned by the catalog collaborator.
type Commodity struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Code      string          `json:"code" db:"code"`
	Name      string          `json:"name" db:"name"`
	NavPrice  decimal.Decimal `json:"nav_price" db:"nav_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
