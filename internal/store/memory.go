package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
)

// MemoryStore keeps the ledger in process memory. Units of work are
// serialized by a single writer lock; readers see only committed state.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	users     map[string]domain.User
	accounts  map[int64]*domain.Account
	log       []domain.Transaction
	tokens    map[string]int
	lastAccID int64
	lastTxID  int64
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:      time.Now,
		users:    make(map[string]domain.User),
		accounts: make(map[int64]*domain.Account),
		tokens:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" {
		return domain.User{}, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseRole(string(u.Role)); err != nil {
		return domain.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return domain.User{}, fmt.Errorf("%w: user %s already exists", domain.ErrInvalidArgument, u.ID)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now().UTC()
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sortUsers(out)
	return out, nil
}

func sortUsers(users []domain.User) {
	slices.SortFunc(users, func(a, b domain.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (m *MemoryStore) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return *acc, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, ownerID string, accType domain.AccountType, initialBalance int64) (domain.Account, error) {
	if initialBalance < 0 {
		return domain.Account{}, fmt.Errorf("%w: initial balance must not be negative", domain.ErrInvalidArgument)
	}
	accType, err := domain.ParseAccountType(string(accType))
	if err != nil {
		return domain.Account{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[ownerID]; !ok {
		return domain.Account{}, fmt.Errorf("owner %s: %w", ownerID, domain.ErrNotFound)
	}
	m.lastAccID++
	acc := &domain.Account{
		ID:             m.lastAccID,
		OwnerID:        ownerID,
		Type:           accType,
		Balance:        initialBalance,
		OpeningBalance: initialBalance,
		Status:         domain.StatusActive,
		CreatedAt:      m.now().UTC(),
	}
	m.accounts[acc.ID] = acc
	return *acc, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(ownerID)
}

func sortAccounts(accounts []domain.Account) {
	slices.SortFunc(accounts, func(a, b domain.Account) int { return cmp.Compare(a.ID, b.ID) })
}

func (m *MemoryStore) ApplyDelta(ctx context.Context, id, delta int64) (int64, error) {
	var balance int64
	err := m.WithTx(ctx, func(tx Tx) error {
		var err error
		balance, err = tx.ApplyDelta(ctx, id, delta)
		return err
	})
	return balance, err
}

func (m *MemoryStore) SetStatus(ctx context.Context, id int64, status domain.AccountStatus) (domain.Account, error) {
	var acc domain.Account
	err := m.WithTx(ctx, func(tx Tx) error {
		var err error
		acc, err = tx.SetStatus(ctx, id, status)
		return err
	})
	return acc, err
}

func (m *MemoryStore) Append(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error) {
	var txn domain.Transaction
	err := m.WithTx(ctx, func(tx Tx) error {
		var err error
		txn, err = tx.Append(ctx, draft)
		return err
	})
	return txn, err
}

func (m *MemoryStore) FindByToken(ctx context.Context, token string) (domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByToken(token)
}

func (m *MemoryStore) findByToken(token string) (domain.Transaction, error) {
	i, ok := m.tokens[token]
	if !ok || token == "" {
		return domain.Transaction{}, fmt.Errorf("request token: %w", domain.ErrNotFound)
	}
	return m.log[i], nil
}

func (m *MemoryStore) ListForAccount(ctx context.Context, accountID int64, r domain.TimeRange) iter.Seq2[domain.Transaction, error] {
	return m.scan(ctx, r, func(t domain.Transaction) bool { return t.Touches(accountID) })
}

func (m *MemoryStore) ListAll(ctx context.Context, r domain.TimeRange) iter.Seq2[domain.Transaction, error] {
	return m.scan(ctx, r, nil)
}

// scan captures the committed prefix of the log each time the sequence is
// ranged over. Records are never modified once committed, so the prefix can
// be read without holding the lock.
func (m *MemoryStore) scan(ctx context.Context, r domain.TimeRange, keep func(domain.Transaction) bool) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		m.mu.RLock()
		snapshot := m.log[:len(m.log):len(m.log)]
		m.mu.RUnlock()

		for _, t := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			if !r.Contains(t.CreatedAt) || (keep != nil && !keep(t)) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	tx := &memTx{m: m}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		m.mu.Unlock()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// memTx mutates the store in place under the writer lock and records undo
// steps for rollback.
type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) Account(ctx context.Context, id int64) (domain.Account, error) {
	acc, ok := tx.m.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return *acc, nil
}

func (tx *memTx) ApplyDelta(ctx context.Context, id, delta int64) (int64, error) {
	acc, ok := tx.m.accounts[id]
	if !ok {
		return 0, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if acc.Status != domain.StatusActive {
		return 0, fmt.Errorf("account %d is %s: %w", id, acc.Status, domain.ErrAccountNotActive)
	}
	if delta > 0 && acc.Balance > math.MaxInt64-delta {
		return 0, fmt.Errorf("%w: account %d balance would overflow", domain.ErrInvalidArgument, id)
	}
	if acc.Balance+delta < 0 {
		return 0, fmt.Errorf("account %d: %w", id, domain.ErrInsufficientFunds)
	}
	prev := acc.Balance
	acc.Balance += delta
	tx.undo = append(tx.undo, func() { acc.Balance = prev })
	return acc.Balance, nil
}

func (tx *memTx) SetStatus(ctx context.Context, id int64, status domain.AccountStatus) (domain.Account, error) {
	acc, ok := tx.m.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err := acc.Status.CanTransition(status); err != nil {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, err)
	}
	prev := acc.Status
	acc.Status = status
	tx.undo = append(tx.undo, func() { acc.Status = prev })
	return *acc, nil
}

func (tx *memTx) SetLimits(ctx context.Context, id int64, limits domain.Limits) (domain.Account, error) {
	if err := limits.Validate(); err != nil {
		return domain.Account{}, err
	}
	acc, ok := tx.m.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if acc.Status == domain.StatusClosed {
		return domain.Account{}, fmt.Errorf("account %d is closed: %w", id, domain.ErrInvalidTransition)
	}
	prev := acc.Limits
	acc.Limits = limits
	tx.undo = append(tx.undo, func() { acc.Limits = prev })
	return *acc, nil
}

func (tx *memTx) Append(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error) {
	if err := draft.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	m := tx.m
	if draft.RequestToken != "" {
		if _, ok := m.tokens[draft.RequestToken]; ok {
			return domain.Transaction{}, domain.ErrDuplicateRequest
		}
	}

	created := m.now().UTC()
	if n := len(m.log); n > 0 && created.Before(m.log[n-1].CreatedAt) {
		created = m.log[n-1].CreatedAt
	}
	m.lastTxID++
	txn := domain.Transaction{ID: m.lastTxID, TransactionDraft: draft, CreatedAt: created}
	m.log = append(m.log, txn)
	if draft.RequestToken != "" {
		m.tokens[draft.RequestToken] = len(m.log) - 1
	}

	n := len(m.log) - 1
	tx.undo = append(tx.undo, func() {
		m.log = m.log[:n]
		m.lastTxID--
		if draft.RequestToken != "" {
			delete(m.tokens, draft.RequestToken)
		}
	})
	return txn, nil
}

func (tx *memTx) FindByToken(ctx context.Context, token string) (domain.Transaction, error) {
	return tx.m.findByToken(token)
}

// Outflow walks the log backwards; timestamps are non-decreasing by id. The
// sum saturates at math.MaxInt64.
func (tx *memTx) Outflow(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var total int64
	log := tx.m.log
	for i := len(log) - 1; i >= 0; i-- {
		t := log[i]
		if t.CreatedAt.Before(since) {
			break
		}
		if t.Status == domain.TxApplied && t.SourceAccountID == accountID {
			if total > math.MaxInt64-t.Amount {
				return math.MaxInt64, nil
			}
			total += t.Amount
		}
	}
	return total, nil
}
