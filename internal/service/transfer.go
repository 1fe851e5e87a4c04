package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/store"
)

func (e *Engine) Deposit(ctx context.Context, actor domain.Actor, accountID, amount int64) (*domain.OperationResult, error) {
	return e.Submit(ctx, domain.Deposit(actor, accountID, amount))
}

func (e *Engine) Withdraw(ctx context.Context, actor domain.Actor, accountID, amount int64) (*domain.OperationResult, error) {
	return e.Submit(ctx, domain.Withdrawal(actor, accountID, amount))
}

func (e *Engine) Transfer(ctx context.Context, actor domain.Actor, sourceID, destinationID, amount int64) (*domain.OperationResult, error) {
	return e.Submit(ctx, domain.Transfer(actor, sourceID, destinationID, amount))
}

// Submit validates and applies a money movement.
//
// Business-rule failures come back as a rejected result, with a rejected
// record in the log, and a nil error. A non-nil error means nothing was
// recorded: ErrBusy when the account locks could not be taken in time,
// ErrIdempotencyMismatch when the request token was used for a different
// payload, or a storage failure.
func (e *Engine) Submit(ctx context.Context, req domain.OperationRequest) (*domain.OperationResult, error) {
	res, err := e.submit(ctx, req)
	observe(req.Kind, res, err)
	return res, err
}

func (e *Engine) submit(ctx context.Context, req domain.OperationRequest) (*domain.OperationResult, error) {
	if _, err := domain.ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	if req.RequestToken != "" {
		if res, ok, err := e.lookupReplay(ctx, req); ok || err != nil {
			return res, err
		}
	}
	if err := req.Validate(); err != nil {
		return e.reject(ctx, req, err)
	}

	// Deterministic locking: ascending account id, the same order everywhere.
	start := time.Now()
	release, err := e.locks.acquire(ctx, req.AccountIDs(), e.lockTimeout)
	lockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Warn("operation not started", "kind", req.Kind, "accounts", req.AccountIDs(), "error", err)
		return nil, err
	}
	defer release()

	var (
		txn      domain.Transaction
		previous *domain.Transaction
		balances = make(map[int64]int64, 2)
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if req.RequestToken != "" {
			prev, err := tx.FindByToken(ctx, req.RequestToken)
			if err == nil {
				previous = &prev
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}

		if err := e.check(ctx, tx, req); err != nil {
			return err
		}
		for _, leg := range req.Legs() {
			balance, err := tx.ApplyDelta(ctx, leg.AccountID, leg.Delta)
			if err != nil {
				return err
			}
			balances[leg.AccountID] = balance
		}

		var err error
		txn, err = tx.Append(ctx, req.Draft(domain.TxApplied, ""))
		return err
	})

	switch {
	case err == nil && previous != nil:
		return replayResult(req, *previous)
	case err == nil:
		e.logger.Info("operation applied",
			"transaction_id", txn.ID, "kind", txn.Kind, "amount", txn.Amount,
			"source", txn.SourceAccountID, "destination", txn.DestinationAccountID, "by", txn.InitiatedBy)
		e.notify(ctx, func(ctx context.Context) error { return e.notifier.TransactionRecorded(ctx, txn) })
		return &domain.OperationResult{Status: domain.TxApplied, Transaction: txn, Balances: balances}, nil
	case errors.Is(err, domain.ErrDuplicateRequest):
		return e.replayAfterConflict(ctx, req)
	}
	if _, ok := domain.ReasonFor(err); ok {
		return e.reject(ctx, req, err)
	}
	e.logger.Error("operation failed", "kind", req.Kind, "accounts", req.AccountIDs(), "error", err)
	return nil, err
}

// check runs the rules that need account state. Accounts are loaded in
// ascending id order.
func (e *Engine) check(ctx context.Context, tx store.Tx, req domain.OperationRequest) error {
	var src *domain.Account
	for _, id := range req.AccountIDs() {
		acc, err := tx.Account(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(req, acc); err != nil {
			return err
		}
		if acc.Status != domain.StatusActive {
			return fmt.Errorf("account %d is %s: %w", id, acc.Status, domain.ErrAccountNotActive)
		}
		if id == req.SourceAccountID {
			src = &acc
		}
	}
	return e.policy.check(ctx, tx, req, src, e.now())
}

// authorize lets customers move money only out of and into their own
// accounts; a transfer may credit anyone's account. Admins act on any
// account.
func authorize(req domain.OperationRequest, acc domain.Account) error {
	if req.Actor.IsAdmin() || acc.OwnerID == req.Actor.UserID {
		return nil
	}
	if req.Kind == domain.KindTransfer && acc.ID == req.DestinationAccountID {
		return nil
	}
	return fmt.Errorf("account %d: %w", acc.ID, domain.ErrForbidden)
}

// reject records a rejected attempt. The cause must map to a reason.
func (e *Engine) reject(ctx context.Context, req domain.OperationRequest, cause error) (*domain.OperationResult, error) {
	reason, _ := domain.ReasonFor(cause)
	txn, err := e.store.Append(ctx, req.Draft(domain.TxRejected, reason))
	if errors.Is(err, domain.ErrDuplicateRequest) {
		return e.replayAfterConflict(ctx, req)
	}
	if err != nil {
		e.logger.Error("recording rejection failed", "kind", req.Kind, "reason", reason, "error", err)
		return nil, fmt.Errorf("record rejection: %w", err)
	}
	e.logger.Info("operation rejected",
		"transaction_id", txn.ID, "kind", txn.Kind, "reason", reason, "cause", cause.Error(), "by", txn.InitiatedBy)
	e.notify(ctx, func(ctx context.Context) error { return e.notifier.TransactionRecorded(ctx, txn) })
	return &domain.OperationResult{Status: domain.TxRejected, Reason: reason, Transaction: txn}, nil
}

func (e *Engine) lookupReplay(ctx context.Context, req domain.OperationRequest) (*domain.OperationResult, bool, error) {
	prev, err := e.store.FindByToken(ctx, req.RequestToken)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	res, err := replayResult(req, prev)
	return res, true, err
}

// replayAfterConflict handles a concurrent request that recorded the same
// token first.
func (e *Engine) replayAfterConflict(ctx context.Context, req domain.OperationRequest) (*domain.OperationResult, error) {
	res, ok, err := e.lookupReplay(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("request token %q: %w", req.RequestToken, domain.ErrDuplicateRequest)
	}
	return res, nil
}

func replayResult(req domain.OperationRequest, prev domain.Transaction) (*domain.OperationResult, error) {
	if prev.RequestHash != req.Fingerprint() {
		return nil, fmt.Errorf("request token %q: %w", req.RequestToken, domain.ErrIdempotencyMismatch)
	}
	return &domain.OperationResult{
		Status:      prev.Status,
		Reason:      prev.Reason,
		Transaction: prev,
		Replayed:    true,
	}, nil
}
