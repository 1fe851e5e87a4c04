package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/punchamoorthee/bankledger/internal/analytics"
	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  store.Store
	clock  *fakeClock
	admin  domain.Actor
	alice  domain.Actor
	bob    domain.Actor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	return newFixtureWithStore(t, store.NewMemoryStore(store.WithClock(clock.Now)), clock, opts...)
}

func newFixtureWithStore(t *testing.T, s store.Store, clock *fakeClock, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	opts = append([]Option{WithClock(clock.Now), WithLogger(quietLogger())}, opts...)
	e := NewEngine(s, opts...)

	if _, err := e.EnsureAdmin(ctx, "admin", "Administrator"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	admin := domain.Actor{UserID: "admin", Role: domain.RoleAdmin}
	f := &fixture{engine: e, store: s, clock: clock, admin: admin}
	for _, name := range []string{"alice", "bob"} {
		u, err := e.RegisterUser(ctx, admin, name, name+"@example.com", domain.RoleCustomer)
		if err != nil {
			t.Fatalf("RegisterUser(%s): %v", name, err)
		}
		actor := domain.Actor{UserID: u.ID, Role: u.Role}
		if name == "alice" {
			f.alice = actor
		} else {
			f.bob = actor
		}
	}
	return f
}

func (f *fixture) open(t *testing.T, owner domain.Actor, balance int64) int64 {
	t.Helper()
	acc, err := f.engine.OpenAccount(context.Background(), owner, "", domain.AccountChecking, balance)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return acc.ID
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%d): %v", id, err)
	}
	return acc.Balance
}

func (f *fixture) history(t *testing.T, id int64) []domain.Transaction {
	t.Helper()
	txs, err := store.Collect(f.store.ListForAccount(context.Background(), id, domain.TimeRange{}))
	if err != nil {
		t.Fatalf("ListForAccount: %v", err)
	}
	return txs
}

func mustSubmit(t *testing.T, e *Engine, req domain.OperationRequest) *domain.OperationResult {
	t.Helper()
	res, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%s): %v", req.Kind, err)
	}
	return res
}

func TestScenarioSimpleDeposit(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 0)

	res := mustSubmit(t, f.engine, domain.Deposit(f.alice, a, 500))
	if res.Status != domain.TxApplied {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	if res.Balances[a] != 500 || f.balance(t, a) != 500 {
		t.Fatalf("balance = %d / %d, want 500", res.Balances[a], f.balance(t, a))
	}
	txs := f.history(t, a)
	if len(txs) != 1 || txs[0].Kind != domain.KindDeposit || txs[0].Amount != 500 || txs[0].SourceAccountID != 0 {
		t.Fatalf("log = %+v", txs)
	}
}

func TestScenarioOverdraftRejection(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 100)

	res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 150))
	if res.Status != domain.TxRejected || res.Reason != domain.ReasonInsufficientFunds {
		t.Fatalf("result = %s/%s", res.Status, res.Reason)
	}
	if got := f.balance(t, a); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
	txs := f.history(t, a)
	if len(txs) != 1 || txs[0].Status != domain.TxRejected || txs[0].Reason != domain.ReasonInsufficientFunds {
		t.Fatalf("log = %+v", txs)
	}
}

func TestScenarioTransfer(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 500)
	b := f.open(t, f.bob, 200)

	res := mustSubmit(t, f.engine, domain.Transfer(f.alice, a, b, 300))
	if res.Status != domain.TxApplied {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	if f.balance(t, a) != 200 || f.balance(t, b) != 500 {
		t.Fatalf("balances = %d, %d", f.balance(t, a), f.balance(t, b))
	}
	all, _ := store.Collect(f.store.ListAll(context.Background(), domain.TimeRange{}))
	if len(all) != 1 || all[0].Kind != domain.KindTransfer {
		t.Fatalf("log = %+v", all)
	}
}

func TestScenarioFrozenAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.alice, 10)

	if _, err := f.engine.SetAccountStatus(ctx, f.admin, a, domain.StatusFrozen); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	res := mustSubmit(t, f.engine, domain.Deposit(f.alice, a, 50))
	if res.Status != domain.TxRejected || res.Reason != domain.ReasonAccountNotActive {
		t.Fatalf("result = %s/%s", res.Status, res.Reason)
	}
	if got := f.balance(t, a); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	if _, err := f.engine.Account(ctx, f.alice, a); err != nil {
		t.Fatalf("frozen account must stay readable: %v", err)
	}
}

func TestRejectionsNeverChangeBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.alice, 100)
	b := f.open(t, f.bob, 100)
	closed := f.open(t, f.alice, 0)
	if _, err := f.engine.SetAccountStatus(ctx, f.admin, closed, domain.StatusClosed); err != nil {
		t.Fatalf("close: %v", err)
	}

	tests := []struct {
		name   string
		req    domain.OperationRequest
		reason domain.Reason
	}{
		{"zero amount", domain.Deposit(f.alice, a, 0), domain.ReasonInvalidArgument},
		{"negative amount", domain.Withdrawal(f.alice, a, -10), domain.ReasonInvalidArgument},
		{"same account", domain.Transfer(f.alice, a, a, 10), domain.ReasonInvalidArgument},
		{"unknown account", domain.Deposit(f.admin, 999, 10), domain.ReasonNotFound},
		{"unknown destination", domain.Transfer(f.alice, a, 999, 10), domain.ReasonNotFound},
		{"overdraft transfer", domain.Transfer(f.alice, a, b, 101), domain.ReasonInsufficientFunds},
		{"closed destination", domain.Transfer(f.alice, a, closed, 10), domain.ReasonAccountNotActive},
		{"foreign source", domain.Transfer(f.bob, a, b, 10), domain.ReasonForbidden},
		{"foreign deposit", domain.Deposit(f.bob, a, 10), domain.ReasonForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustSubmit(t, f.engine, tt.req)
			if res.Status != domain.TxRejected || res.Reason != tt.reason {
				t.Fatalf("result = %s/%s, want rejected/%s", res.Status, res.Reason, tt.reason)
			}
			if res.Transaction.ID == 0 || res.Transaction.Status != domain.TxRejected {
				t.Fatalf("rejection not logged: %+v", res.Transaction)
			}
			if f.balance(t, a) != 100 || f.balance(t, b) != 100 || f.balance(t, closed) != 0 {
				t.Fatalf("balances changed: %d, %d, %d", f.balance(t, a), f.balance(t, b), f.balance(t, closed))
			}
		})
	}
}

func TestCustomerMayCreditForeignAccount(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 100)
	b := f.open(t, f.bob, 0)

	res := mustSubmit(t, f.engine, domain.Transfer(f.alice, a, b, 40))
	if res.Status != domain.TxApplied {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	if res.Balances[a] != 60 || res.Balances[b] != 40 {
		t.Fatalf("balances = %v", res.Balances)
	}
}

func TestUnknownKindIsAnError(t *testing.T) {
	f := newFixture(t)
	req := domain.OperationRequest{Kind: "fee", SourceAccountID: 1, Amount: 1, Actor: f.admin}
	if _, err := f.engine.Submit(context.Background(), req); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 0)

	req := domain.Deposit(f.alice, a, 75)
	req.RequestToken = "dep-1"
	first := mustSubmit(t, f.engine, req)
	second := mustSubmit(t, f.engine, req)

	if first.Replayed || !second.Replayed {
		t.Fatalf("replayed flags = %v, %v", first.Replayed, second.Replayed)
	}
	if second.Transaction.ID != first.Transaction.ID || second.Status != domain.TxApplied {
		t.Fatalf("replay = %+v", second)
	}
	if got := f.balance(t, a); got != 75 {
		t.Fatalf("balance = %d, want 75", got)
	}
	if n := len(f.history(t, a)); n != 1 {
		t.Fatalf("log has %d records, want 1", n)
	}

	req.Amount = 80
	if _, err := f.engine.Submit(context.Background(), req); !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Fatalf("mismatch err = %v", err)
	}
}

func TestIdempotentReplayOfRejection(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 10)

	req := domain.Withdrawal(f.alice, a, 50)
	req.RequestToken = "wd-1"
	first := mustSubmit(t, f.engine, req)
	if _, err := f.engine.Deposit(context.Background(), f.alice, a, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	second := mustSubmit(t, f.engine, req)
	if first.Status != domain.TxRejected || second.Status != domain.TxRejected || !second.Replayed {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	if got := f.balance(t, a); got != 110 {
		t.Fatalf("balance = %d, want 110", got)
	}
}

func TestConcurrentIdempotentSubmissions(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 0)

	req := domain.Deposit(f.alice, a, 10)
	req.RequestToken = "same"
	var wg sync.WaitGroup
	var applied, replayed atomic.Int32
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Submit(context.Background(), req)
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if res.Replayed {
				replayed.Add(1)
			} else {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	if applied.Load() != 1 || replayed.Load() != 19 {
		t.Fatalf("applied=%d replayed=%d", applied.Load(), replayed.Load())
	}
	if got := f.balance(t, a); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

func TestConcurrentDisjointTransfers(t *testing.T) {
	f := newFixture(t, WithLockTimeout(5*time.Second))
	const pairs, rounds = 25, 20

	type pair struct{ from, to int64 }
	ps := make([]pair, pairs)
	for i := range ps {
		ps[i] = pair{f.open(t, f.alice, 1000), f.open(t, f.alice, 1000)}
	}

	var wg sync.WaitGroup
	for _, p := range ps {
		for range rounds {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.engine.Transfer(context.Background(), f.alice, p.from, p.to, 10)
				if err != nil || res.Status != domain.TxApplied {
					t.Errorf("transfer %d->%d: %v %+v", p.from, p.to, err, res)
				}
			}()
		}
	}
	wg.Wait()

	for _, p := range ps {
		if got := f.balance(t, p.from); got != 1000-rounds*10 {
			t.Errorf("account %d = %d", p.from, got)
		}
		if got := f.balance(t, p.to); got != 1000+rounds*10 {
			t.Errorf("account %d = %d", p.to, got)
		}
	}
}

func TestConcurrentOppositeTransfersDoNotDeadlock(t *testing.T) {
	f := newFixture(t, WithLockTimeout(10*time.Second))
	a := f.open(t, f.alice, 1000)
	b := f.open(t, f.alice, 1000)

	const m = 200
	var wg sync.WaitGroup
	for i := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			res, err := f.engine.Transfer(context.Background(), f.alice, from, to, 1)
			if err != nil || res.Status != domain.TxApplied {
				t.Errorf("transfer %d->%d: %v %+v", from, to, err, res)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("transfers did not finish: deadlock")
	}

	if f.balance(t, a) != 1000 || f.balance(t, b) != 1000 {
		t.Fatalf("balances = %d, %d", f.balance(t, a), f.balance(t, b))
	}
	if n := len(f.history(t, a)); n != m {
		t.Fatalf("log has %d records, want %d", n, m)
	}
}

func TestConservationUnderConcurrentReaders(t *testing.T) {
	f := newFixture(t, WithLockTimeout(5*time.Second))
	a := f.open(t, f.alice, 10_000)
	b := f.open(t, f.alice, 10_000)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			accs, err := f.store.ListAccounts(context.Background(), f.alice.UserID)
			if err != nil {
				t.Errorf("ListAccounts: %v", err)
				return
			}
			var total int64
			for _, acc := range accs {
				total += acc.Balance
			}
			if total != 20_000 {
				t.Errorf("observed total %d mid-transfer", total)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := a, b
			if i%3 == 0 {
				from, to = b, a
			}
			f.engine.Transfer(context.Background(), f.alice, from, to, int64(i+1))
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()
}

func TestBusyWhenLockHeld(t *testing.T) {
	f := newFixture(t, WithLockTimeout(20*time.Millisecond))
	a := f.open(t, f.alice, 100)
	b := f.open(t, f.alice, 100)

	release, err := f.engine.locks.acquire(context.Background(), []int64{b}, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = f.engine.Transfer(context.Background(), f.alice, a, b, 10)
	release()
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if n := len(f.history(t, a)); n != 0 {
		t.Fatalf("busy operation was logged: %d records", n)
	}
	if f.balance(t, a) != 100 {
		t.Fatalf("balance changed: %d", f.balance(t, a))
	}

	res := mustSubmit(t, f.engine, domain.Transfer(f.alice, a, b, 10))
	if res.Status != domain.TxApplied {
		t.Fatalf("retry status = %s", res.Status)
	}
}

type faultyStore struct {
	*store.MemoryStore
	failAppend atomic.Bool
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	fail := s.failAppend.Load()
	return s.MemoryStore.WithTx(ctx, func(tx store.Tx) error {
		return fn(faultyTx{Tx: tx, fail: fail})
	})
}

type faultyTx struct {
	store.Tx
	fail bool
}

func (t faultyTx) Append(ctx context.Context, d domain.TransactionDraft) (domain.Transaction, error) {
	if t.fail {
		return domain.Transaction{}, fmt.Errorf("write log: %w", domain.ErrStorageUnavailable)
	}
	return t.Tx.Append(ctx, d)
}

func TestStorageFailureLeavesNoPartialState(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	fs := &faultyStore{MemoryStore: store.NewMemoryStore(store.WithClock(clock.Now))}
	f := newFixtureWithStore(t, fs, clock)
	a := f.open(t, f.alice, 500)
	b := f.open(t, f.bob, 0)

	fs.failAppend.Store(true)
	res, err := f.engine.Transfer(context.Background(), f.alice, a, b, 200)
	if !errors.Is(err, domain.ErrStorageUnavailable) || res != nil {
		t.Fatalf("Transfer = %+v, %v", res, err)
	}
	if f.balance(t, a) != 500 || f.balance(t, b) != 0 {
		t.Fatalf("partial state: %d, %d", f.balance(t, a), f.balance(t, b))
	}
	if n := len(f.history(t, a)); n != 0 {
		t.Fatalf("log has %d records", n)
	}

	fs.failAppend.Store(false)
	if res := mustSubmit(t, f.engine, domain.Transfer(f.alice, a, b, 200)); res.Status != domain.TxApplied {
		t.Fatalf("status after recovery = %s", res.Status)
	}
}

func TestPolicyLimits(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{MaxAmount: 1000, DailyOutflowLimit: 500}))
	a := f.open(t, f.alice, 5000)

	res := mustSubmit(t, f.engine, domain.Deposit(f.alice, a, 1500))
	if res.Reason != domain.ReasonLimitExceeded {
		t.Fatalf("max amount: %s/%s", res.Status, res.Reason)
	}
	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 300)); res.Status != domain.TxApplied {
		t.Fatalf("first withdrawal: %s/%s", res.Status, res.Reason)
	}
	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 300)); res.Reason != domain.ReasonLimitExceeded {
		t.Fatalf("second withdrawal: %s/%s", res.Status, res.Reason)
	}
	f.clock.Advance(25 * time.Hour)
	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 300)); res.Status != domain.TxApplied {
		t.Fatalf("next day withdrawal: %s/%s", res.Status, res.Reason)
	}
	if got := f.balance(t, a); got != 4400 {
		t.Fatalf("balance = %d, want 4400", got)
	}
}

func TestAccountLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.alice, 0)

	if _, err := f.engine.SetAccountStatus(ctx, f.alice, a, domain.StatusFrozen); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer status change err = %v", err)
	}
	for _, st := range []domain.AccountStatus{domain.StatusFrozen, domain.StatusActive, domain.StatusClosed} {
		if _, err := f.engine.SetAccountStatus(ctx, f.admin, a, st); err != nil {
			t.Fatalf("SetAccountStatus(%s): %v", st, err)
		}
	}
	if _, err := f.engine.SetAccountStatus(ctx, f.admin, a, domain.StatusActive); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reopen err = %v", err)
	}
	if res := mustSubmit(t, f.engine, domain.Deposit(f.admin, a, 5)); res.Reason != domain.ReasonAccountNotActive {
		t.Fatalf("closed deposit: %s/%s", res.Status, res.Reason)
	}
}

func TestOpenAccountAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.OpenAccount(ctx, f.alice, f.bob.UserID, "", 0); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("open for other err = %v", err)
	}
	acc, err := f.engine.OpenAccount(ctx, f.admin, f.bob.UserID, domain.AccountSavings, 50)
	if err != nil || acc.OwnerID != f.bob.UserID || acc.Type != domain.AccountSavings {
		t.Fatalf("admin open = %+v, %v", acc, err)
	}
	if _, err := f.engine.OpenAccount(ctx, f.alice, "", "brokerage", 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := f.engine.OpenAccount(ctx, f.alice, "", "", -1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("negative opening err = %v", err)
	}
	if _, err := f.engine.Account(ctx, f.alice, acc.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign read err = %v", err)
	}
	accs, err := f.engine.Accounts(ctx, f.bob, "")
	if err != nil || len(accs) != 1 {
		t.Fatalf("bob accounts = %v, %v", accs, err)
	}
	if _, err := f.engine.RegisterUser(ctx, f.alice, "eve", "", domain.RoleAdmin); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer registering err = %v", err)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.alice, 0)
	b := f.open(t, f.bob, 0)

	f.engine.Deposit(ctx, f.alice, a, 10)
	f.clock.Advance(time.Hour)
	from := f.clock.Now()
	f.engine.Deposit(ctx, f.alice, a, 20)
	f.engine.Deposit(ctx, f.bob, b, 30)

	if _, err := f.engine.History(ctx, f.alice, 0, domain.TimeRange{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer full history err = %v", err)
	}
	if _, err := f.engine.History(ctx, f.alice, b, domain.TimeRange{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign history err = %v", err)
	}

	seq, err := f.engine.History(ctx, f.alice, a, domain.TimeRange{From: from})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	txs, _ := store.Collect(seq)
	if len(txs) != 1 || txs[0].Amount != 20 {
		t.Fatalf("ranged history = %+v", txs)
	}

	seq, _ = f.engine.History(ctx, f.admin, 0, domain.TimeRange{})
	if all, _ := store.Collect(seq); len(all) != 3 {
		t.Fatalf("full history = %d records", len(all))
	}
}

func TestAuditReplayConsistency(t *testing.T) {
	f := newFixture(t, WithLockTimeout(5*time.Second))
	ctx := context.Background()
	ids := []int64{f.open(t, f.alice, 300), f.open(t, f.alice, 0), f.open(t, f.alice, 50)}

	var wg sync.WaitGroup
	for i := range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, y := ids[i%3], ids[(i+1)%3]
			switch i % 4 {
			case 0:
				f.engine.Deposit(ctx, f.alice, x, int64(i))
			case 1:
				f.engine.Withdraw(ctx, f.alice, x, int64(i*3))
			default:
				f.engine.Transfer(ctx, f.alice, x, y, int64(i*2))
			}
		}()
	}
	wg.Wait()

	results, err := f.engine.AuditAll(ctx, f.admin)
	if err != nil {
		t.Fatalf("AuditAll: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("audited %d accounts", len(results))
	}
	for _, r := range results {
		if !r.Consistent || r.ReplayedBalance != r.StoredBalance {
			t.Errorf("account %d: stored %d replayed %d", r.AccountID, r.StoredBalance, r.ReplayedBalance)
		}
		if r.StoredBalance < 0 {
			t.Errorf("account %d negative balance %d", r.AccountID, r.StoredBalance)
		}
	}
	if _, err := f.engine.Audit(ctx, f.alice, ids[0]); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer audit err = %v", err)
	}
}

func TestAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.alice, 0)
	f.engine.Deposit(ctx, f.alice, a, 500)
	f.engine.Withdraw(ctx, f.alice, a, 900)

	if _, err := f.engine.Analytics(ctx, f.alice, domain.TimeRange{}, analytics.Options{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer analytics err = %v", err)
	}
	report, err := f.engine.Analytics(ctx, f.admin, domain.TimeRange{}, analytics.Options{GroupBy: analytics.GroupByHour})
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if report.Summary.Applied != 1 || report.Summary.Rejected != 1 || report.Summary.Volume != 500 {
		t.Fatalf("summary = %+v", report.Summary)
	}
	if !report.GeneratedAt.Equal(f.clock.Now()) || report.GroupBy != analytics.GroupByHour {
		t.Fatalf("report header = %v %s", report.GeneratedAt, report.GroupBy)
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	txns     []domain.Transaction
	accounts []domain.Account
	fail     bool
}

func (n *recordingNotifier) TransactionRecorded(ctx context.Context, txn domain.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txns = append(n.txns, txn)
	if n.fail {
		return errors.New("stream unavailable")
	}
	return nil
}

func (n *recordingNotifier) AccountOpened(ctx context.Context, acc domain.Account) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append(n.accounts, acc)
	return nil
}

func (n *recordingNotifier) AccountUpdated(ctx context.Context, acc domain.Account) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append(n.accounts, acc)
	return nil
}

func TestNotifierIsBestEffort(t *testing.T) {
	n := &recordingNotifier{fail: true}
	f := newFixture(t, WithNotifier(n))
	a := f.open(t, f.alice, 0)

	if res := mustSubmit(t, f.engine, domain.Deposit(f.alice, a, 5)); res.Status != domain.TxApplied {
		t.Fatalf("status = %s", res.Status)
	}
	mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 50))

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.txns) != 2 || n.txns[0].Status != domain.TxApplied || n.txns[1].Status != domain.TxRejected {
		t.Fatalf("notified = %+v", n.txns)
	}
	if len(n.accounts) != 1 || n.accounts[0].ID != a {
		t.Fatalf("account notifications = %+v", n.accounts)
	}
}

func TestLockTableEmptiesAfterOperations(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 1000)
	b := f.open(t, f.bob, 0)

	for i := range 1000 {
		res := mustSubmit(t, f.engine, domain.Deposit(f.admin, int64(10_000+i), 1))
		if res.Reason != domain.ReasonNotFound {
			t.Fatalf("deposit to unknown account: %s/%s", res.Status, res.Reason)
		}
	}
	mustSubmit(t, f.engine, domain.Transfer(f.alice, a, b, 100))
	mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 5000))
	if _, err := f.engine.SetAccountStatus(context.Background(), f.admin, b, domain.StatusFrozen); err != nil {
		t.Fatalf("SetAccountStatus: %v", err)
	}
	if n := f.engine.locks.len(); n != 0 {
		t.Fatalf("lock table holds %d entries after all operations finished", n)
	}
}

func TestOverflowIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, f.alice, 1)
	b := f.open(t, f.bob, math.MaxInt64-5)
	c := f.open(t, f.alice, 10)

	res := mustSubmit(t, f.engine, domain.Deposit(f.admin, a, math.MaxInt64))
	if res.Status != domain.TxRejected || res.Reason != domain.ReasonInvalidArgument {
		t.Fatalf("deposit: %s/%s", res.Status, res.Reason)
	}
	// The credit leg fails after the debit leg has been applied.
	res = mustSubmit(t, f.engine, domain.Transfer(f.alice, c, b, 10))
	if res.Status != domain.TxRejected || res.Reason != domain.ReasonInvalidArgument {
		t.Fatalf("transfer: %s/%s", res.Status, res.Reason)
	}
	for id, want := range map[int64]int64{a: 1, b: math.MaxInt64 - 5, c: 10} {
		if got := f.balance(t, id); got != want {
			t.Fatalf("balance(%d) = %d, want %d", id, got, want)
		}
	}
	results, err := f.engine.AuditAll(context.Background(), f.admin)
	if err != nil {
		t.Fatalf("AuditAll: %v", err)
	}
	for _, r := range results {
		if !r.Consistent {
			t.Errorf("account %d: stored %d replayed %d", r.AccountID, r.StoredBalance, r.ReplayedBalance)
		}
	}
}

func TestPolicyLimitNearMaxInt64(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{DailyOutflowLimit: math.MaxInt64}))
	a := f.open(t, f.alice, math.MaxInt64)

	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 10)); res.Status != domain.TxApplied {
		t.Fatalf("first withdrawal: %s/%s", res.Status, res.Reason)
	}
	res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, math.MaxInt64-5))
	if res.Reason != domain.ReasonLimitExceeded {
		t.Fatalf("second withdrawal: %s/%s", res.Status, res.Reason)
	}
	if got := f.balance(t, a); got != math.MaxInt64-10 {
		t.Fatalf("balance = %d", got)
	}
}

func TestMonthlyOutflowLimit(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{MonthlyOutflowLimit: 1000}))
	a := f.open(t, f.alice, 10_000)

	steps := []struct {
		advance time.Duration
		amount  int64
		want    domain.TxStatus
	}{
		{0, 600, domain.TxApplied},
		{25 * time.Hour, 500, domain.TxRejected},
		{0, 400, domain.TxApplied},
		{20 * 24 * time.Hour, 1, domain.TxRejected},
		{11 * 24 * time.Hour, 600, domain.TxApplied},
	}
	for i, s := range steps {
		f.clock.Advance(s.advance)
		res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, s.amount))
		if res.Status != s.want {
			t.Fatalf("step %d: %s/%s, want %s", i, res.Status, res.Reason, s.want)
		}
		if res.Status == domain.TxRejected && res.Reason != domain.ReasonLimitExceeded {
			t.Fatalf("step %d: reason %s", i, res.Reason)
		}
	}
}

func TestAccountLimitsOverridePolicy(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{DailyOutflowLimit: 500}))
	ctx := context.Background()
	a := f.open(t, f.alice, 5000)
	b := f.open(t, f.bob, 5000)

	if _, err := f.engine.SetAccountLimits(ctx, f.alice, a, domain.Limits{Daily: 2000}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer limits err = %v", err)
	}
	if _, err := f.engine.SetAccountLimits(ctx, f.admin, a, domain.Limits{Daily: 2000, Monthly: 100}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("daily above monthly err = %v", err)
	}
	if _, err := f.engine.SetAccountLimits(ctx, f.admin, 999, domain.Limits{Daily: 1}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown account err = %v", err)
	}
	acc, err := f.engine.SetAccountLimits(ctx, f.admin, a, domain.Limits{Daily: 2000})
	if err != nil || acc.Limits.Daily != 2000 {
		t.Fatalf("SetAccountLimits = %+v, %v", acc, err)
	}

	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 1500)); res.Status != domain.TxApplied {
		t.Fatalf("own limit withdrawal: %s/%s", res.Status, res.Reason)
	}
	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 600)); res.Reason != domain.ReasonLimitExceeded {
		t.Fatalf("above own limit: %s/%s", res.Status, res.Reason)
	}
	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.bob, b, 600)); res.Reason != domain.ReasonLimitExceeded {
		t.Fatalf("engine limit: %s/%s", res.Status, res.Reason)
	}

	if _, err := f.engine.SetAccountLimits(ctx, f.admin, a, domain.Limits{}); err != nil {
		t.Fatalf("clear limits: %v", err)
	}
	if res := mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 1)); res.Reason != domain.ReasonLimitExceeded {
		t.Fatalf("fallback to engine limit: %s/%s", res.Status, res.Reason)
	}
}

func TestUsersAndSystemStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.alice, 1000)
	if _, err := f.engine.OpenAccount(ctx, f.bob, "", domain.AccountBusiness, 500); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 200))
	mustSubmit(t, f.engine, domain.Withdrawal(f.alice, a, 5000))

	if _, err := f.engine.Users(ctx, f.alice); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer users err = %v", err)
	}
	users, err := f.engine.Users(ctx, f.admin)
	if err != nil || len(users) != 3 {
		t.Fatalf("Users = %v, %v", users, err)
	}

	if _, err := f.engine.SystemStats(ctx, f.bob); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customer stats err = %v", err)
	}
	st, err := f.engine.SystemStats(ctx, f.admin)
	if err != nil {
		t.Fatalf("SystemStats: %v", err)
	}
	if st.Users.Total != 3 || st.Users.ByRole[domain.RoleAdmin] != 1 || st.Users.ByRole[domain.RoleCustomer] != 2 {
		t.Fatalf("users = %+v", st.Users)
	}
	if st.Accounts.Total != 2 || st.Accounts.ByType[domain.AccountBusiness] != 1 || st.Accounts.ByType[domain.AccountChecking] != 1 {
		t.Fatalf("accounts = %+v", st.Accounts)
	}
	if st.Accounts.TotalBalance.String() != "1300" || st.Accounts.AverageBalance.String() != "650" {
		t.Fatalf("balances total=%s average=%s", st.Accounts.TotalBalance, st.Accounts.AverageBalance)
	}
	if st.Transactions != (analytics.RecordCounts{Total: 2, Applied: 1, Rejected: 1}) {
		t.Fatalf("transactions = %+v", st.Transactions)
	}
	if !st.GeneratedAt.Equal(f.clock.Now()) {
		t.Fatalf("generated at %v", st.GeneratedAt)
	}
}

func TestUnknownKindMetricLabel(t *testing.T) {
	f := newFixture(t)
	counter := operationsTotal.WithLabelValues("unknown", "error", "invalid_argument")
	before := testutil.ToFloat64(counter)

	for _, kind := range []domain.Kind{"fee", "refund", "DEPOSIT "} {
		req := domain.OperationRequest{Kind: kind, SourceAccountID: 1, Amount: 1, Actor: f.admin}
		if _, err := f.engine.Submit(context.Background(), req); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("Submit(%q) err = %v", kind, err)
		}
		if operationsTotal.DeleteLabelValues(string(kind), "error", "invalid_argument") {
			t.Fatalf("kind %q was used as a label value", kind)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Fatalf("unknown kind count grew by %v, want 3", got)
	}
}
