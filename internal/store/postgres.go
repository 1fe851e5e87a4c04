package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/bankledger/internal/domain"
)

//go:embed schema.sql
var schema string

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

type querier interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.db }

// storageErr classifies driver errors into the ledger's error taxonomy.
func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return domain.ErrDuplicateRequest
	case errors.As(err, &pgErr) && pgErr.Code == "23503":
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case errors.As(err, &pgErr) && pgErr.Code == "22003":
		return fmt.Errorf("%s: %w: value out of range", op, domain.ErrInvalidArgument)
	case errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01"):
		return fmt.Errorf("%s: %w", op, domain.ErrBusy)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func tsArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

const accountColumns = "id, owner_id, type, balance, opening_balance, status, daily_limit, monthly_limit, created_at"

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	var accType, status string
	err := row.Scan(&acc.ID, &acc.OwnerID, &accType, &acc.Balance, &acc.OpeningBalance, &status,
		&acc.Limits.Daily, &acc.Limits.Monthly, &acc.CreatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	acc.Type = domain.AccountType(accType)
	acc.Status = domain.AccountStatus(status)
	return acc, nil
}

func getAccount(ctx context.Context, q querier, id int64, lock bool) (domain.Account, error) {
	sql := "SELECT " + accountColumns + " FROM accounts WHERE id = $1"
	if lock {
		sql += " FOR UPDATE"
	}
	acc, err := scanAccount(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, storageErr("get account", err)
	}
	return acc, nil
}

// applyDelta is a single conditional update; when it matches no row the
// account is read back to report why.
func applyDelta(ctx context.Context, q querier, id, delta int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2
		 WHERE id = $1 AND status = 'active' AND balance + $2 >= 0
		 RETURNING balance`,
		id, delta,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, storageErr("apply delta", err)
	}

	acc, err := getAccount(ctx, q, id, false)
	if err != nil {
		return 0, err
	}
	if acc.Status != domain.StatusActive {
		return 0, fmt.Errorf("account %d is %s: %w", id, acc.Status, domain.ErrAccountNotActive)
	}
	return 0, fmt.Errorf("account %d: %w", id, domain.ErrInsufficientFunds)
}

func setStatus(ctx context.Context, q querier, id int64, status domain.AccountStatus) (domain.Account, error) {
	acc, err := getAccount(ctx, q, id, true)
	if err != nil {
		return domain.Account{}, err
	}
	if err := acc.Status.CanTransition(status); err != nil {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, err)
	}
	acc, err = scanAccount(q.QueryRow(ctx,
		"UPDATE accounts SET status = $2 WHERE id = $1 RETURNING "+accountColumns,
		id, string(status),
	))
	if err != nil {
		return domain.Account{}, storageErr("set status", err)
	}
	return acc, nil
}

func setLimits(ctx context.Context, q querier, id int64, limits domain.Limits) (domain.Account, error) {
	if err := limits.Validate(); err != nil {
		return domain.Account{}, err
	}
	acc, err := getAccount(ctx, q, id, true)
	if err != nil {
		return domain.Account{}, err
	}
	if acc.Status == domain.StatusClosed {
		return domain.Account{}, fmt.Errorf("account %d is closed: %w", id, domain.ErrInvalidTransition)
	}
	acc, err = scanAccount(q.QueryRow(ctx,
		"UPDATE accounts SET daily_limit = $2, monthly_limit = $3 WHERE id = $1 RETURNING "+accountColumns,
		id, limits.Daily, limits.Monthly,
	))
	if err != nil {
		return domain.Account{}, storageErr("set limits", err)
	}
	return acc, nil
}

const transactionColumns = `id, kind, COALESCE(source_account_id, 0), COALESCE(destination_account_id, 0),
	amount, status, reason, description, initiated_by, COALESCE(request_token, ''), request_hash, created_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var kind, status, reason string
	err := row.Scan(&t.ID, &kind, &t.SourceAccountID, &t.DestinationAccountID,
		&t.Amount, &status, &reason, &t.Description, &t.InitiatedBy, &t.RequestToken, &t.RequestHash, &t.CreatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.Kind = domain.Kind(kind)
	t.Status = domain.TxStatus(status)
	t.Reason = domain.Reason(reason)
	return t, nil
}

func appendTransaction(ctx context.Context, q querier, d domain.TransactionDraft) (domain.Transaction, error) {
	if err := d.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	txn := domain.Transaction{TransactionDraft: d}
	err := q.QueryRow(ctx,
		`INSERT INTO transactions (kind, source_account_id, destination_account_id, amount, status,
			reason, description, initiated_by, request_token, request_hash)
		 VALUES ($1, NULLIF($2::bigint, 0), NULLIF($3::bigint, 0), $4, $5, $6, $7, $8, NULLIF($9::text, ''), $10)
		 RETURNING id, created_at`,
		string(d.Kind), d.SourceAccountID, d.DestinationAccountID, d.Amount, string(d.Status),
		string(d.Reason), d.Description, d.InitiatedBy, d.RequestToken, d.RequestHash,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return domain.Transaction{}, storageErr("append transaction", err)
	}
	return txn, nil
}

func findByToken(ctx context.Context, q querier, token string) (domain.Transaction, error) {
	if token == "" {
		return domain.Transaction{}, fmt.Errorf("request token: %w", domain.ErrNotFound)
	}
	t, err := scanTransaction(q.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE request_token = $1", token))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("request token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Transaction{}, storageErr("find by token", err)
	}
	return t, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" {
		return domain.User{}, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseRole(string(u.Role)); err != nil {
		return domain.User{}, err
	}
	err := s.db.QueryRow(ctx,
		"INSERT INTO users (id, name, email, role) VALUES ($1, $2, $3, $4) RETURNING created_at",
		u.ID, u.Name, u.Email, string(u.Role),
	).Scan(&u.CreatedAt)
	if err != nil {
		if errors.Is(storageErr("", err), domain.ErrDuplicateRequest) {
			return domain.User{}, fmt.Errorf("%w: user %s already exists", domain.ErrInvalidArgument, u.ID)
		}
		return domain.User{}, storageErr("create user", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var role string
	err := s.db.QueryRow(ctx,
		"SELECT id, name, email, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Name, &u.Email, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, storageErr("get user", err)
	}
	u.Role = domain.Role(role)
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.Query(ctx, "SELECT id, name, email, role, created_at FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, storageErr("list users", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.User, error) {
		var u domain.User
		var role string
		err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.CreatedAt)
		u.Role = domain.Role(role)
		return u, err
	})
	if err != nil {
		return nil, storageErr("list users", err)
	}
	return users, nil
}

// GetAccount retrieves a single account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return getAccount(ctx, s.db, id, false)
}

// CreateAccount opens an active account whose opening balance is the
// initial balance.
func (s *PostgresStore) CreateAccount(ctx context.Context, ownerID string, accType domain.AccountType, initialBalance int64) (domain.Account, error) {
	if initialBalance < 0 {
		return domain.Account{}, fmt.Errorf("%w: initial balance must not be negative", domain.ErrInvalidArgument)
	}
	accType, err := domain.ParseAccountType(string(accType))
	if err != nil {
		return domain.Account{}, err
	}
	acc, err := scanAccount(s.db.QueryRow(ctx,
		"INSERT INTO accounts (owner_id, type, balance, opening_balance) VALUES ($1, $2, $3, $3) RETURNING "+accountColumns,
		ownerID, string(accType), initialBalance,
	))
	if err != nil {
		return domain.Account{}, storageErr("create account", err)
	}
	return acc, nil
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, id, delta int64) (int64, error) {
	return applyDelta(ctx, s.db, id, delta)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, status domain.AccountStatus) (domain.Account, error) {
	var acc domain.Account
	err := s.WithTx(ctx, func(tx Tx) error {
		var err error
		acc, err = tx.SetStatus(ctx, id, status)
		return err
	})
	return acc, err
}

func (s *PostgresStore) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE ($1 = '' OR owner_id = $1) ORDER BY id", ownerID)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr("scan account", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list accounts", err)
	}
	return accounts, nil
}

func (s *PostgresStore) Append(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error) {
	return appendTransaction(ctx, s.db, draft)
}

func (s *PostgresStore) FindByToken(ctx context.Context, token string) (domain.Transaction, error) {
	return findByToken(ctx, s.db, token)
}

func (s *PostgresStore) ListForAccount(ctx context.Context, accountID int64, r domain.TimeRange) iter.Seq2[domain.Transaction, error] {
	return s.scan(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE (source_account_id = $1 OR destination_account_id = $1)
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at < $3)
		 ORDER BY id`,
		accountID, tsArg(r.From), tsArg(r.To))
}

func (s *PostgresStore) ListAll(ctx context.Context, r domain.TimeRange) iter.Seq2[domain.Transaction, error] {
	return s.scan(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		   AND ($2::timestamptz IS NULL OR created_at < $2)
		 ORDER BY id`,
		tsArg(r.From), tsArg(r.To))
}

// scan runs the query each time the sequence is ranged over. A single
// statement reads one consistent snapshot.
func (s *PostgresStore) scan(ctx context.Context, sql string, args ...any) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			yield(domain.Transaction{}, storageErr("list transactions", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				yield(domain.Transaction{}, storageErr("scan transaction", err))
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Transaction{}, storageErr("list transactions", err))
		}
	}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return storageErr("tx begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("tx commit", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// Account takes a row lock held until the unit of work ends.
func (t *pgTx) Account(ctx context.Context, id int64) (domain.Account, error) {
	return getAccount(ctx, t.tx, id, true)
}

func (t *pgTx) ApplyDelta(ctx context.Context, id, delta int64) (int64, error) {
	return applyDelta(ctx, t.tx, id, delta)
}

func (t *pgTx) SetStatus(ctx context.Context, id int64, status domain.AccountStatus) (domain.Account, error) {
	return setStatus(ctx, t.tx, id, status)
}

func (t *pgTx) SetLimits(ctx context.Context, id int64, limits domain.Limits) (domain.Account, error) {
	return setLimits(ctx, t.tx, id, limits)
}

func (t *pgTx) Append(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error) {
	return appendTransaction(ctx, t.tx, draft)
}

func (t *pgTx) FindByToken(ctx context.Context, token string) (domain.Transaction, error) {
	return findByToken(ctx, t.tx, token)
}

func (t *pgTx) Outflow(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var total int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM transactions
		 WHERE source_account_id = $1 AND status = 'applied' AND created_at >= $2`,
		accountID, since,
	).Scan(&total)
	if err != nil {
		return 0, storageErr("outflow", err)
	}
	return total, nil
}
