package models

import (
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
)

// CreateUserRequest is the payload for registering a user.
type CreateUserRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=100"`
	Email string `json:"email" validate:"omitempty,email"`
	Role  string `json:"role" validate:"required,oneof=admin customer"`
}

// OpenAccountRequest opens an account. OwnerID defaults to the caller and
// Type to checking.
type OpenAccountRequest struct {
	OwnerID        string `json:"owner_id" validate:"omitempty,max=64"`
	Type           string `json:"type" validate:"omitempty,oneof=savings checking business"`
	InitialBalance int64  `json:"initial_balance" validate:"gte=0"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active frozen closed"`
}

// LimitsRequest sets per-account outflow limits in minor units; zero
// restores the default.
type LimitsRequest struct {
	DailyLimit   int64 `json:"daily_limit" validate:"gte=0"`
	MonthlyLimit int64 `json:"monthly_limit" validate:"gte=0"`
}

func (r LimitsRequest) ToDomain() domain.Limits {
	return domain.Limits{Daily: r.DailyLimit, Monthly: r.MonthlyLimit}
}

// OperationRequest is a money movement. Amount and account references are
// checked by the ledger so that bad values are recorded as rejections.
type OperationRequest struct {
	Kind                 string `json:"kind" validate:"required,oneof=deposit withdrawal transfer"`
	SourceAccountID      int64  `json:"source_account_id" validate:"gte=0"`
	DestinationAccountID int64  `json:"destination_account_id" validate:"gte=0"`
	Amount               int64  `json:"amount"`
	Description          string `json:"description" validate:"max=255"`
}

func (r OperationRequest) ToDomain(actor domain.Actor, token string) domain.OperationRequest {
	return domain.OperationRequest{
		Kind:                 domain.Kind(r.Kind),
		SourceAccountID:      r.SourceAccountID,
		DestinationAccountID: r.DestinationAccountID,
		Amount:               r.Amount,
		Description:          r.Description,
		RequestToken:         token,
		Actor:                actor,
	}
}

type UserResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Email     string      `json:"email,omitempty"`
	Role      domain.Role `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

func NewUserResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

// AccountResponse carries balances in minor units plus a display form.
type AccountResponse struct {
	ID             int64                `json:"id"`
	OwnerID        string               `json:"owner_id"`
	Type           domain.AccountType   `json:"type"`
	Balance        int64                `json:"balance"`
	BalanceDisplay string               `json:"balance_display"`
	OpeningBalance int64                `json:"opening_balance"`
	Status         domain.AccountStatus `json:"status"`
	DailyLimit     int64                `json:"daily_limit"`
	MonthlyLimit   int64                `json:"monthly_limit"`
	CreatedAt      time.Time            `json:"created_at"`
}

func NewAccountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		Type:           a.Type,
		Balance:        a.Balance,
		BalanceDisplay: domain.FormatMinor(a.Balance),
		OpeningBalance: a.OpeningBalance,
		Status:         a.Status,
		DailyLimit:     a.Limits.Daily,
		MonthlyLimit:   a.Limits.Monthly,
		CreatedAt:      a.CreatedAt,
	}
}

// TransactionResponse is one record of the transaction log.
type TransactionResponse struct {
	ID                   int64           `json:"id"`
	Kind                 domain.Kind     `json:"kind"`
	SourceAccountID      int64           `json:"source_account_id,omitempty"`
	DestinationAccountID int64           `json:"destination_account_id,omitempty"`
	Amount               int64           `json:"amount"`
	Status               domain.TxStatus `json:"status"`
	Reason               domain.Reason   `json:"reason,omitempty"`
	Description          string          `json:"description,omitempty"`
	InitiatedBy          string          `json:"initiated_by"`
	CreatedAt            time.Time       `json:"created_at"`
}

func NewTransactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:                   t.ID,
		Kind:                 t.Kind,
		SourceAccountID:      t.SourceAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               t.Amount,
		Status:               t.Status,
		Reason:               t.Reason,
		Description:          t.Description,
		InitiatedBy:          t.InitiatedBy,
		CreatedAt:            t.CreatedAt,
	}
}

// OperationResponse is the canonical response to a submitted operation.
type OperationResponse struct {
	Status      domain.TxStatus     `json:"status"`
	Reason      domain.Reason       `json:"reason,omitempty"`
	Replayed    bool                `json:"replayed,omitempty"`
	Transaction TransactionResponse `json:"transaction"`
	Balances    map[int64]int64     `json:"balances,omitempty"`
}

func NewOperationResponse(res *domain.OperationResult) OperationResponse {
	return OperationResponse{
		Status:      res.Status,
		Reason:      res.Reason,
		Replayed:    res.Replayed,
		Transaction: NewTransactionResponse(res.Transaction),
		Balances:    res.Balances,
	}
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details []ValidationError `json:"details,omitempty"`
}
