package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// OperationRequest is a money movement submitted to the ledger engine.
// Deposits name only the destination, withdrawals only the source.
type OperationRequest struct {
	Kind                 Kind
	SourceAccountID      int64
	DestinationAccountID int64
	Amount               int64
	Description          string
	RequestToken         string
	Actor                Actor
}

func Deposit(actor Actor, accountID, amount int64) OperationRequest {
	return OperationRequest{Kind: KindDeposit, DestinationAccountID: accountID, Amount: amount, Actor: actor}
}

func Withdrawal(actor Actor, accountID, amount int64) OperationRequest {
	return OperationRequest{Kind: KindWithdrawal, SourceAccountID: accountID, Amount: amount, Actor: actor}
}

func Transfer(actor Actor, sourceID, destinationID, amount int64) OperationRequest {
	return OperationRequest{Kind: KindTransfer, SourceAccountID: sourceID, DestinationAccountID: destinationID, Amount: amount, Actor: actor}
}

// Validate checks the request against the rules that need no account state.
func (r OperationRequest) Validate() error {
	if r.Actor.UserID == "" {
		return fmt.Errorf("%w: missing acting user", ErrInvalidArgument)
	}
	if _, err := ParseRole(string(r.Actor.Role)); err != nil {
		return err
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	switch r.Kind {
	case KindDeposit:
		if r.DestinationAccountID <= 0 || r.SourceAccountID != 0 {
			return fmt.Errorf("%w: deposit needs exactly a destination account", ErrInvalidArgument)
		}
	case KindWithdrawal:
		if r.SourceAccountID <= 0 || r.DestinationAccountID != 0 {
			return fmt.Errorf("%w: withdrawal needs exactly a source account", ErrInvalidArgument)
		}
	case KindTransfer:
		if r.SourceAccountID <= 0 || r.DestinationAccountID <= 0 {
			return fmt.Errorf("%w: transfer needs source and destination accounts", ErrInvalidArgument)
		}
		if r.SourceAccountID == r.DestinationAccountID {
			return fmt.Errorf("%w: source and destination are the same account", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidArgument, r.Kind)
	}
	return nil
}

// AccountIDs returns the distinct accounts referenced by the request in
// ascending order, which is the lock acquisition order.
func (r OperationRequest) AccountIDs() []int64 {
	a, b := r.SourceAccountID, r.DestinationAccountID
	switch {
	case a <= 0 && b <= 0:
		return nil
	case a <= 0:
		return []int64{b}
	case b <= 0 || a == b:
		return []int64{a}
	case a > b:
		return []int64{b, a}
	}
	return []int64{a, b}
}

// Leg is one signed balance change of an operation.
type Leg struct {
	AccountID int64
	Delta     int64
}

// Legs lists balance changes in application order, debit first.
func (r OperationRequest) Legs() []Leg {
	var legs []Leg
	if r.SourceAccountID != 0 {
		legs = append(legs, Leg{AccountID: r.SourceAccountID, Delta: -r.Amount})
	}
	if r.DestinationAccountID != 0 {
		legs = append(legs, Leg{AccountID: r.DestinationAccountID, Delta: r.Amount})
	}
	return legs
}

// Fingerprint hashes the payload that a request token is bound to.
func (r OperationRequest) Fingerprint() string {
	payload := fmt.Sprintf("%s|%d|%d|%d|%s|%s", r.Kind, r.SourceAccountID, r.DestinationAccountID, r.Amount, r.Actor.UserID, r.Description)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

// Draft builds the log record for the request with the given outcome.
func (r OperationRequest) Draft(status TxStatus, reason Reason) TransactionDraft {
	d := TransactionDraft{
		Kind:                 r.Kind,
		SourceAccountID:      r.SourceAccountID,
		DestinationAccountID: r.DestinationAccountID,
		Amount:               r.Amount,
		Status:               status,
		Reason:               reason,
		Description:          r.Description,
		InitiatedBy:          r.Actor.UserID,
		RequestToken:         r.RequestToken,
	}
	if r.RequestToken != "" {
		d.RequestHash = r.Fingerprint()
	}
	return d
}

// OperationResult is the outcome returned to the caller of the engine.
type OperationResult struct {
	Status      TxStatus        `json:"status"`
	Reason      Reason          `json:"reason,omitempty"`
	Transaction Transaction     `json:"transaction"`
	Balances    map[int64]int64 `json:"balances,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
}
