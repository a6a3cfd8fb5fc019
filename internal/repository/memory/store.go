// Package memory is an in-process implementation of the repository contracts.
// Transactions are serialized: WithTx works on a private copy of the state and
// swaps it in only when fn succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tpia/internal/repository"
	"tpia/pkg/domain"
	"tpia/pkg/errors"
)

type cycleKey struct {
	tpiaID uuid.UUID
	number int
}

type state struct {
	wallets     map[uuid.UUID]*domain.Wallet
	ledger      []*domain.LedgerEntry
	ledgerRefs  map[string]struct{}
	gdcs        map[uuid.UUID]*domain.GDC
	tpias       map[uuid.UUID]*domain.TPIA
	cycles      map[cycleKey]*domain.Cycle
	commodities map[uuid.UUID]*domain.Commodity
	tpiaSeq     int64
}

func newState() *state {
	return &state{
		wallets:     make(map[uuid.UUID]*domain.Wallet),
		ledgerRefs:  make(map[string]struct{}),
		gdcs:        make(map[uuid.UUID]*domain.GDC),
		tpias:       make(map[uuid.UUID]*domain.TPIA),
		cycles:      make(map[cycleKey]*domain.Cycle),
		commodities: make(map[uuid.UUID]*domain.Commodity),
	}
}

// clone copies maps and records. Ledger rows are immutable so they are shared.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.wallets {
		w := *v
		c.wallets[k] = &w
	}
	c.ledger = append([]*domain.LedgerEntry(nil), s.ledger...)
	for k := range s.ledgerRefs {
		c.ledgerRefs[k] = struct{}{}
	}
	for k, v := range s.gdcs {
		c.gdcs[k] = v.Clone()
	}
	for k, v := range s.tpias {
		c.tpias[k] = v.Clone()
	}
	for k, v := range s.cycles {
		cy := *v
		c.cycles[k] = &cy
	}
	for k, v := range s.commodities {
		cm := *v
		c.commodities[k] = &cm
	}
	c.tpiaSeq = s.tpiaSeq
	return c
}

var _ repository.Store = (*Store)(nil)

type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state
	root *view
}

func NewStore() *Store {
	s := &Store{st: newState()}
	s.root = &view{mu: &s.mu, txMu: &s.txMu, st: &s.st}
	return s
}

// WithTx runs fn against a snapshot. Nothing fn wrote is visible until it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(ctx, &view{st: &snapshot}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = snapshot
	s.mu.Unlock()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Wallets() repository.WalletRepository { return s.root.Wallets() }

func (s *Store) Ledger() repository.LedgerRepository { return s.root.Ledger() }

func (s *Store) GDCs() repository.GDCRepository { return s.root.GDCs() }

func (s *Store) TPIAs() repository.TPIARepository { return s.root.TPIAs() }

func (s *Store) Cycles() repository.CycleRepository { return s.root.Cycles() }

func (s *Store) Commodities() repository.CommodityRepository { return s.root.Commodities() }

// view binds the repositories to one state. Both locks are nil inside a
// transaction, where the store's txMu is already held.
type view struct {
	mu   *sync.Mutex
	txMu *sync.Mutex
	st   **state
}

func (v *view) with(fn func(st *state) error) error {
	if v.mu != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
	}
	return fn(*v.st)
}

// write waits for any open transaction so its commit cannot swap out the change.
func (v *view) write(fn func(st *state) error) error {
	if v.txMu != nil {
		v.txMu.Lock()
		defer v.txMu.Unlock()
	}
	return v.with(fn)
}

func (v *view) Wallets() repository.WalletRepository { return walletRepo{v} }

func (v *view) Ledger() repository.LedgerRepository { return ledgerRepo{v} }

func (v *view) GDCs() repository.GDCRepository { return gdcRepo{v} }

func (v *view) TPIAs() repository.TPIARepository { return tpiaRepo{v} }

func (v *view) Cycles() repository.CycleRepository { return cycleRepo{v} }

func (v *view) Commodities() repository.CommodityRepository { return commodityRepo{v} }

type walletRepo struct{ v *view }

func (r walletRepo) Create(ctx context.Context, wallet *domain.Wallet) error {
	return r.v.write(func(st *state) error {
		if _, ok := st.wallets[wallet.UserID]; ok {
			return errors.ErrWalletAlreadyExists
		}
		w := *wallet
		st.wallets[wallet.UserID] = &w
		return nil
	})
}

func (r walletRepo) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	var out *domain.Wallet
	err := r.v.with(func(st *state) error {
		w, ok := st.wallets[userID]
		if !ok {
			return errors.ErrWalletNotFound
		}
		c := *w
		out = &c
		return nil
	})
	return out, err
}

func (r walletRepo) FindByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return r.FindByUserID(ctx, userID)
}

func (r walletRepo) Update(ctx context.Context, wallet *domain.Wallet) error {
	return r.v.write(func(st *state) error {
		if _, ok := st.wallets[wallet.UserID]; !ok {
			return errors.ErrWalletNotFound
		}
		w := *wallet
		st.wallets[wallet.UserID] = &w
		return nil
	})
}

type ledgerRepo struct{ v *view }

func ledgerKey(e *domain.LedgerEntry) string {
	return e.WalletID.String() + "|" + e.Reference + "|" + string(e.Bucket) + "|" + string(e.Type)
}

func (r ledgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	return r.v.write(func(st *state) error {
		key := ledgerKey(entry)
		if _, ok := st.ledgerRefs[key]; ok {
			return errors.ErrDuplicateRef
		}
		e := *entry
		st.ledger = append(st.ledger, &e)
		st.ledgerRefs[key] = struct{}{}
		return nil
	})
}

func (r ledgerRepo) ListByWallet(ctx context.Context, walletID uuid.UUID) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	err := r.v.with(func(st *state) error {
		for _, e := range st.ledger {
			if e.WalletID == walletID {
				c := *e
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

type gdcRepo struct{ v *view }

func (r gdcRepo) Create(ctx context.Context, gdc *domain.GDC) error {
	return r.v.write(func(st *state) error {
		for _, g := range st.gdcs {
			if g.GDCNumber == gdc.GDCNumber {
				return errors.ErrConcurrentUpdate
			}
		}
		st.gdcs[gdc.ID] = gdc.Clone()
		return nil
	})
}

func (r gdcRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.GDC, error) {
	var out *domain.GDC
	err := r.v.with(func(st *state) error {
		g, ok := st.gdcs[id]
		if !ok {
			return errors.ErrGDCNotFound
		}
		out = g.Clone()
		return nil
	})
	return out, err
}

func (r gdcRepo) FindByNumber(ctx context.Context, number int) (*domain.GDC, error) {
	var out *domain.GDC
	err := r.v.with(func(st *state) error {
		for _, g := range st.gdcs {
			if g.GDCNumber == number {
				out = g.Clone()
				return nil
			}
		}
		return errors.ErrGDCNotFound
	})
	return out, err
}

func (r gdcRepo) FindFilling(ctx context.Context, commodityID uuid.UUID) (*domain.GDC, error) {
	var out *domain.GDC
	err := r.v.with(func(st *state) error {
		for _, g := range sortedGDCs(st) {
			if g.CommodityID == commodityID && g.Status == domain.GDCStatusFilling && g.CurrentFill < g.Capacity {
				out = g.Clone()
				return nil
			}
		}
		return errors.ErrGDCNotFound
	})
	return out, err
}

func (r gdcRepo) MaxNumber(ctx context.Context) (int, error) {
	highest := 0
	err := r.v.with(func(st *state) error {
		for _, g := range st.gdcs {
			if g.GDCNumber > highest {
				highest = g.GDCNumber
			}
		}
		return nil
	})
	return highest, err
}

func (r gdcRepo) Update(ctx context.Context, gdc *domain.GDC) error {
	return r.v.write(func(st *state) error {
		stored, ok := st.gdcs[gdc.ID]
		if !ok {
			return errors.ErrGDCNotFound
		}
		if stored.Version != gdc.Version {
			return errors.ErrConcurrentUpdate
		}
		gdc.Version++
		st.gdcs[gdc.ID] = gdc.Clone()
		return nil
	})
}

func (r gdcRepo) ListByStatus(ctx context.Context, status domain.GDCStatus, limit int) ([]*domain.GDC, error) {
	var out []*domain.GDC
	err := r.v.with(func(st *state) error {
		for _, g := range sortedGDCs(st) {
			if g.Status == status {
				out = append(out, g.Clone())
			}
		}
		return nil
	})
	return truncate(out, limit), err
}

func (r gdcRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.GDC, error) {
	var out []*domain.GDC
	err := r.v.with(func(st *state) error {
		for _, g := range sortedGDCs(st) {
			if g.Status == domain.GDCStatusActive && g.NextCycleDate != nil && !g.NextCycleDate.After(now) {
				out = append(out, g.Clone())
			}
		}
		return nil
	})
	return truncate(out, limit), err
}

func sortedGDCs(st *state) []*domain.GDC {
	out := make([]*domain.GDC, 0, len(st.gdcs))
	for _, g := range st.gdcs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GDCNumber < out[j].GDCNumber })
	return out
}

type tpiaRepo struct{ v *view }

func (r tpiaRepo) Create(ctx context.Context, tpia *domain.TPIA) error {
	return r.v.write(func(st *state) error {
		for _, t := range st.tpias {
			if t.TPIANumber == tpia.TPIANumber {
				return errors.ErrConcurrentUpdate
			}
		}
		st.tpias[tpia.ID] = tpia.Clone()
		return nil
	})
}

func (r tpiaRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.TPIA, error) {
	var out *domain.TPIA
	err := r.v.with(func(st *state) error {
		t, ok := st.tpias[id]
		if !ok {
			return errors.ErrTPIANotFound
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

func (r tpiaRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.TPIA, error) {
	return r.FindByID(ctx, id)
}

func (r tpiaRepo) Update(ctx context.Context, tpia *domain.TPIA) error {
	return r.v.write(func(st *state) error {
		if _, ok := st.tpias[tpia.ID]; !ok {
			return errors.ErrTPIANotFound
		}
		st.tpias[tpia.ID] = tpia.Clone()
		return nil
	})
}

func (r tpiaRepo) NextNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.v.write(func(st *state) error {
		st.tpiaSeq++
		n = st.tpiaSeq
		return nil
	})
	return n, err
}

func (r tpiaRepo) list(match func(t *domain.TPIA) bool, limit int) ([]*domain.TPIA, error) {
	var out []*domain.TPIA
	err := r.v.with(func(st *state) error {
		for _, t := range st.tpias {
			if match(t) {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TPIANumber < out[j].TPIANumber })
	return truncate(out, limit), err
}

func (r tpiaRepo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.TPIA, error) {
	return r.list(func(t *domain.TPIA) bool {
		return t.Status == domain.TPIAStatusPendingApproval && !t.PurchaseDate.After(cutoff)
	}, limit)
}

func (r tpiaRepo) ListDueImmediate(ctx context.Context, now time.Time, limit int) ([]*domain.TPIA, error) {
	return r.list(func(t *domain.TPIA) bool {
		return t.Status == domain.TPIAStatusActive &&
			t.CycleStartMode == domain.CycleStartImmediate &&
			t.MaturityDate != nil && !t.MaturityDate.After(now)
	}, limit)
}

func (r tpiaRepo) ListByGDC(ctx context.Context, gdcID uuid.UUID) ([]*domain.TPIA, error) {
	return r.list(func(t *domain.TPIA) bool { return t.GDCID == gdcID }, 0)
}

type cycleRepo struct{ v *view }

func (r cycleRepo) Claim(ctx context.Context, cycle *domain.Cycle) error {
	return r.v.write(func(st *state) error {
		key := cycleKey{cycle.TPIAID, cycle.CycleNumber}
		if existing, ok := st.cycles[key]; ok && existing.Status == domain.CycleStatusCompleted {
			return errors.ErrCycleAlreadyProcessed
		}
		c := *cycle
		st.cycles[key] = &c
		return nil
	})
}

func (r cycleRepo) RecordFailure(ctx context.Context, cycle *domain.Cycle) error {
	return r.v.write(func(st *state) error {
		key := cycleKey{cycle.TPIAID, cycle.CycleNumber}
		if existing, ok := st.cycles[key]; ok && existing.Status == domain.CycleStatusCompleted {
			return nil
		}
		c := *cycle
		st.cycles[key] = &c
		return nil
	})
}

func (r cycleRepo) Find(ctx context.Context, tpiaID uuid.UUID, cycleNumber int) (*domain.Cycle, error) {
	var out *domain.Cycle
	err := r.v.with(func(st *state) error {
		c, ok := st.cycles[cycleKey{tpiaID, cycleNumber}]
		if !ok {
			return errors.ErrCycleNotFound
		}
		cp := *c
		out = &cp
		return nil
	})
	return out, err
}

func (r cycleRepo) ListByTPIA(ctx context.Context, tpiaID uuid.UUID) ([]*domain.Cycle, error) {
	var out []*domain.Cycle
	err := r.v.with(func(st *state) error {
		for k, c := range st.cycles {
			if k.tpiaID == tpiaID {
				cp := *c
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, err
}

type commodityRepo struct{ v *view }

func (r commodityRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Commodity, error) {
	var out *domain.Commodity
	err := r.v.with(func(st *state) error {
		c, ok := st.commodities[id]
		if !ok {
			return errors.ErrCommodityNotFound
		}
		cp := *c
		out = &cp
		return nil
	})
	return out, err
}

func (r commodityRepo) Upsert(ctx context.Context, commodity *domain.Commodity) error {
	return r.v.write(func(st *state) error {
		c := *commodity
		st.commodities[commodity.ID] = &c
		return nil
	})
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
