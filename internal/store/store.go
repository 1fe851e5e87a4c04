package store

import (
	"context"
	"iter"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
)

// AccountStore holds accounts keyed by id. ApplyDelta is the only balance
// mutation primitive.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	CreateAccount(ctx context.Context, ownerID string, accType domain.AccountType, initialBalance int64) (domain.Account, error)
	ApplyDelta(ctx context.Context, id, delta int64) (int64, error)
	SetStatus(ctx context.Context, id int64, status domain.AccountStatus) (domain.Account, error)
	// ListAccounts returns accounts owned by ownerID, or all accounts when
	// ownerID is empty, ordered by id.
	ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error)
}

// TransactionLog is the append-only record of attempted and applied
// operations. Sequences are ordered by id, lazy and restartable.
type TransactionLog interface {
	Append(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error)
	ListForAccount(ctx context.Context, accountID int64, r domain.TimeRange) iter.Seq2[domain.Transaction, error]
	ListAll(ctx context.Context, r domain.TimeRange) iter.Seq2[domain.Transaction, error]
	FindByToken(ctx context.Context, token string) (domain.Transaction, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	// ListUsers returns every user ordered by creation time, then id.
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// Tx is a unit of work. Balance changes and log appends made through it
// become visible together when the enclosing WithTx returns nil.
type Tx interface {
	// Account loads the account and holds it for the rest of the unit.
	Account(ctx context.Context, id int64) (domain.Account, error)
	ApplyDelta(ctx context.Context, id, delta int64) (int64, error)
	SetStatus(ctx context.Context, id int64, status domain.AccountStatus) (domain.Account, error)
	SetLimits(ctx context.Context, id int64, limits domain.Limits) (domain.Account, error)
	Append(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error)
	FindByToken(ctx context.Context, token string) (domain.Transaction, error)
	// Outflow sums applied debits of the account created at or after since.
	Outflow(ctx context.Context, accountID int64, since time.Time) (int64, error)
}

type Store interface {
	AccountStore
	TransactionLog
	UserStore
	// WithTx runs fn in a unit of work. If fn returns an error, none of its
	// effects are kept.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close()
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[domain.Transaction, error]) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
