package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/bankledger/internal/analytics"
	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/store"
)

const (
	DefaultLockTimeout = 2 * time.Second
	notifyTimeout      = 2 * time.Second
)

// Notifier receives committed ledger changes. Delivery is best effort: a
// failing notifier never affects the outcome of an operation.
type Notifier interface {
	TransactionRecorded(ctx context.Context, txn domain.Transaction) error
	AccountOpened(ctx context.Context, acc domain.Account) error
	AccountUpdated(ctx context.Context, acc domain.Account) error
}

// Engine applies money movements against the store. It is the only writer
// of balances and of the transaction log, and the only owner of account
// locks.
type Engine struct {
	store       store.Store
	locks       *lockTable
	lockTimeout time.Duration
	policy      Policy
	notifier    Notifier
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Engine)

func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrForbidden, fmt.Sprintf(format, args...))
}

// RegisterUser creates a user. Only admins register users.
func (e *Engine) RegisterUser(ctx context.Context, actor domain.Actor, name, email string, role domain.Role) (domain.User, error) {
	if !actor.IsAdmin() {
		return domain.User{}, forbidden("only admins register users")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return domain.User{}, err
	}
	u, err := e.store.CreateUser(ctx, domain.User{ID: uuid.NewString(), Name: name, Email: email, Role: role})
	if err != nil {
		return domain.User{}, err
	}
	e.logger.Info("user registered", "user_id", u.ID, "role", u.Role, "by", actor.UserID)
	return u, nil
}

// EnsureAdmin creates the admin user id unless it already exists.
func (e *Engine) EnsureAdmin(ctx context.Context, id, name string) (domain.User, error) {
	u, err := e.store.GetUser(ctx, id)
	if err == nil {
		if u.Role != domain.RoleAdmin {
			return domain.User{}, fmt.Errorf("user %s exists with role %s", id, u.Role)
		}
		return u, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}
	u, err = e.store.CreateUser(ctx, domain.User{ID: id, Name: name, Role: domain.RoleAdmin})
	if err != nil {
		return domain.User{}, err
	}
	e.logger.Info("admin user created", "user_id", u.ID)
	return u, nil
}

func (e *Engine) User(ctx context.Context, actor domain.Actor, id string) (domain.User, error) {
	if !actor.IsAdmin() && actor.UserID != id {
		return domain.User{}, forbidden("user %s", id)
	}
	return e.store.GetUser(ctx, id)
}

// Users lists every registered user. Admins only.
func (e *Engine) Users(ctx context.Context, actor domain.Actor) ([]domain.User, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("user listing is restricted to admins")
	}
	return e.store.ListUsers(ctx)
}

// OpenAccount creates an active account for ownerID, or for the actor when
// ownerID is empty. Customers may only open accounts for themselves.
func (e *Engine) OpenAccount(ctx context.Context, actor domain.Actor, ownerID string, accType domain.AccountType, initialBalance int64) (domain.Account, error) {
	if ownerID == "" {
		ownerID = actor.UserID
	}
	if !actor.IsAdmin() && ownerID != actor.UserID {
		return domain.Account{}, forbidden("cannot open an account for %s", ownerID)
	}
	acc, err := e.store.CreateAccount(ctx, ownerID, accType, initialBalance)
	if err != nil {
		return domain.Account{}, err
	}
	e.logger.Info("account opened", "account_id", acc.ID, "owner_id", acc.OwnerID, "type", acc.Type, "opening_balance", acc.OpeningBalance)
	e.notify(ctx, func(ctx context.Context) error { return e.notifier.AccountOpened(ctx, acc) })
	return acc, nil
}

func (e *Engine) Account(ctx context.Context, actor domain.Actor, id int64) (domain.Account, error) {
	acc, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if !actor.Owns(acc) {
		return domain.Account{}, forbidden("account %d", id)
	}
	return acc, nil
}

// Accounts lists accounts of ownerID. Customers only see their own; an
// admin with an empty ownerID sees every account.
func (e *Engine) Accounts(ctx context.Context, actor domain.Actor, ownerID string) ([]domain.Account, error) {
	if !actor.IsAdmin() {
		if ownerID != "" && ownerID != actor.UserID {
			return nil, forbidden("accounts of %s", ownerID)
		}
		ownerID = actor.UserID
	}
	return e.store.ListAccounts(ctx, ownerID)
}

// SetAccountStatus changes the status of an account.
func (e *Engine) SetAccountStatus(ctx context.Context, actor domain.Actor, id int64, status domain.AccountStatus) (domain.Account, error) {
	if !actor.IsAdmin() {
		return domain.Account{}, forbidden("only admins change account status")
	}
	acc, err := e.updateAccount(ctx, id, func(tx store.Tx) (domain.Account, error) {
		return tx.SetStatus(ctx, id, status)
	})
	if err != nil {
		return domain.Account{}, err
	}
	e.logger.Info("account status changed", "account_id", id, "status", acc.Status, "by", actor.UserID)
	return acc, nil
}

// SetAccountLimits replaces the outflow limits of an account. Zero limits
// fall back to the engine policy.
func (e *Engine) SetAccountLimits(ctx context.Context, actor domain.Actor, id int64, limits domain.Limits) (domain.Account, error) {
	if !actor.IsAdmin() {
		return domain.Account{}, forbidden("only admins change account limits")
	}
	if err := limits.Validate(); err != nil {
		return domain.Account{}, err
	}
	acc, err := e.updateAccount(ctx, id, func(tx store.Tx) (domain.Account, error) {
		return tx.SetLimits(ctx, id, limits)
	})
	if err != nil {
		return domain.Account{}, err
	}
	e.logger.Info("account limits changed", "account_id", id, "daily", acc.Limits.Daily, "monthly", acc.Limits.Monthly, "by", actor.UserID)
	return acc, nil
}

// updateAccount runs an account change under the account lock, so it is
// ordered with money movements on the same account.
func (e *Engine) updateAccount(ctx context.Context, id int64, change func(store.Tx) (domain.Account, error)) (domain.Account, error) {
	release, err := e.locks.acquire(ctx, []int64{id}, e.lockTimeout)
	if err != nil {
		return domain.Account{}, err
	}
	defer release()

	var acc domain.Account
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = change(tx)
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}
	e.notify(ctx, func(ctx context.Context) error { return e.notifier.AccountUpdated(ctx, acc) })
	return acc, nil
}

// History returns the records of one account, or of the whole log when
// accountID is zero. The whole log is visible to admins only.
func (e *Engine) History(ctx context.Context, actor domain.Actor, accountID int64, r domain.TimeRange) (iter.Seq2[domain.Transaction, error], error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if accountID == 0 {
		if !actor.IsAdmin() {
			return nil, forbidden("full history is restricted to admins")
		}
		return e.store.ListAll(ctx, r), nil
	}
	if _, err := e.Account(ctx, actor, accountID); err != nil {
		return nil, err
	}
	return e.store.ListForAccount(ctx, accountID, r), nil
}

// Analytics computes a report over a point-in-time snapshot of the log.
func (e *Engine) Analytics(ctx context.Context, actor domain.Actor, r domain.TimeRange, opts analytics.Options) (analytics.Report, error) {
	if !actor.IsAdmin() {
		return analytics.Report{}, forbidden("analytics are restricted to admins")
	}
	if err := r.Validate(); err != nil {
		return analytics.Report{}, err
	}
	txs, err := store.Collect(e.store.ListAll(ctx, r))
	if err != nil {
		return analytics.Report{}, err
	}
	opts.Range = r
	opts.GeneratedAt = e.now().UTC()
	return analytics.Build(txs, opts), nil
}

// SystemStats summarizes users, accounts and the log. Admins only.
func (e *Engine) SystemStats(ctx context.Context, actor domain.Actor) (analytics.SystemStats, error) {
	if !actor.IsAdmin() {
		return analytics.SystemStats{}, forbidden("system statistics are restricted to admins")
	}
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return analytics.SystemStats{}, err
	}
	accounts, err := e.store.ListAccounts(ctx, "")
	if err != nil {
		return analytics.SystemStats{}, err
	}
	var records analytics.RecordCounts
	for t, err := range e.store.ListAll(ctx, domain.TimeRange{}) {
		if err != nil {
			return analytics.SystemStats{}, err
		}
		records.Add(t)
	}
	return analytics.System(users, accounts, records, e.now().UTC()), nil
}

func (e *Engine) notify(ctx context.Context, send func(context.Context) error) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		e.logger.Warn("notification failed", "error", err)
	}
}
