package domain

import (
	"fmt"
	"time"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusFrozen AccountStatus = "frozen"
	StatusClosed AccountStatus = "closed"
)

func ParseAccountStatus(s string) (AccountStatus, error) {
	switch st := AccountStatus(s); st {
	case StatusActive, StatusFrozen, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown account status %q", ErrInvalidArgument, s)
}

// CanTransition reports whether an account may move from s to next.
// Active and frozen switch freely; closed is terminal.
func (s AccountStatus) CanTransition(next AccountStatus) error {
	if _, err := ParseAccountStatus(string(next)); err != nil {
		return err
	}
	if s == StatusClosed {
		return fmt.Errorf("%w: account is closed", ErrInvalidTransition)
	}
	return nil
}

// AccountType is the product an account was opened as.
type AccountType string

const (
	AccountSavings  AccountType = "savings"
	AccountChecking AccountType = "checking"
	AccountBusiness AccountType = "business"
)

// ParseAccountType reads an account type; the empty string means checking.
func ParseAccountType(s string) (AccountType, error) {
	switch t := AccountType(s); t {
	case AccountSavings, AccountChecking, AccountBusiness:
		return t, nil
	case "":
		return AccountChecking, nil
	}
	return "", fmt.Errorf("%w: unknown account type %q", ErrInvalidArgument, s)
}

// Limits caps what may leave an account by withdrawal or transfer within a
// rolling day or month. A zero field defers to the engine-wide limit.
type Limits struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

func (l Limits) Validate() error {
	if l.Daily < 0 || l.Monthly < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidArgument)
	}
	if l.Daily > 0 && l.Monthly > 0 && l.Daily > l.Monthly {
		return fmt.Errorf("%w: daily limit %d above monthly limit %d", ErrInvalidArgument, l.Daily, l.Monthly)
	}
	return nil
}

// Account is a balance-bearing account. Balance is in minor units.
type Account struct {
	ID             int64         `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Type           AccountType   `json:"type"`
	Balance        int64         `json:"balance"`
	OpeningBalance int64         `json:"opening_balance"`
	Status         AccountStatus `json:"status"`
	Limits         Limits        `json:"limits"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Kind is the closed set of money-movement operations.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindTransfer   Kind = "transfer"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindDeposit, KindWithdrawal, KindTransfer:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown operation kind %q", ErrInvalidArgument, s)
}

// TxStatus is the terminal status of a submitted operation.
type TxStatus string

const (
	TxApplied  TxStatus = "applied"
	TxRejected TxStatus = "rejected"
)

// TransactionDraft is a log record before the log assigns its id and timestamp.
type TransactionDraft struct {
	Kind                 Kind     `json:"kind"`
	SourceAccountID      int64    `json:"source_account_id,omitempty"`
	DestinationAccountID int64    `json:"destination_account_id,omitempty"`
	Amount               int64    `json:"amount"`
	Status               TxStatus `json:"status"`
	Reason               Reason   `json:"reason,omitempty"`
	Description          string   `json:"description,omitempty"`
	InitiatedBy          string   `json:"initiated_by"`
	RequestToken         string   `json:"request_token,omitempty"`
	RequestHash          string   `json:"request_hash,omitempty"`
}

// Validate checks the record shape. Applied records must describe a
// well-formed movement; rejected records only need a kind and a reason,
// since they may capture the malformed input that caused the rejection.
func (d TransactionDraft) Validate() error {
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	switch d.Status {
	case TxApplied:
		if d.Reason != "" {
			return fmt.Errorf("%w: applied record carries a reason", ErrInvalidArgument)
		}
		if d.Amount <= 0 {
			return fmt.Errorf("%w: applied record with non-positive amount", ErrInvalidArgument)
		}
		src, dst := d.SourceAccountID != 0, d.DestinationAccountID != 0
		switch {
		case d.Kind == KindDeposit && (src || !dst),
			d.Kind == KindWithdrawal && (!src || dst),
			d.Kind == KindTransfer && (!src || !dst || d.SourceAccountID == d.DestinationAccountID):
			return fmt.Errorf("%w: account references do not match %s", ErrInvalidArgument, d.Kind)
		}
	case TxRejected:
		if d.Reason == "" {
			return fmt.Errorf("%w: rejected record without reason", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown record status %q", ErrInvalidArgument, d.Status)
	}
	return nil
}

// Transaction is an immutable entry of the transaction log.
type Transaction struct {
	ID int64 `json:"id"`
	TransactionDraft
	CreatedAt time.Time `json:"created_at"`
}

// Touches reports whether the record references the account.
func (t Transaction) Touches(accountID int64) bool {
	return t.SourceAccountID == accountID || t.DestinationAccountID == accountID
}

// Delta is the signed balance effect of the record on the account.
// Rejected records have no effect.
func (t Transaction) Delta(accountID int64) int64 {
	if t.Status != TxApplied {
		return 0
	}
	var d int64
	if t.DestinationAccountID == accountID {
		d += t.Amount
	}
	if t.SourceAccountID == accountID {
		d -= t.Amount
	}
	return d
}

// Role is the authorization role of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleCustomer:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
}

// User is a registered identity. Users own accounts by reference.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Owns reports whether the actor may act on the account as its owner.
// Admins act on any account.
func (a Actor) Owns(acc Account) bool {
	return a.IsAdmin() || acc.OwnerID == a.UserID
}

// TimeRange bounds a query. From is inclusive, To is exclusive and a zero
// value leaves that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

func (r TimeRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return fmt.Errorf("%w: empty time range", ErrInvalidArgument)
	}
	return nil
}
