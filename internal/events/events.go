package events

import (
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
)

// Event types
const (
	TransactionApplied  = "transaction.applied"
	TransactionRejected = "transaction.rejected"
	AccountCreated      = "account.created"
	AccountUpdated      = "account.updated"
)

const DefaultStream = "ledger.events"

// Base event structure
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type TransactionEvent struct {
	TransactionID        int64           `json:"transactionId"`
	Kind                 domain.Kind     `json:"kind"`
	Status               domain.TxStatus `json:"status"`
	Reason               domain.Reason   `json:"reason,omitempty"`
	SourceAccountID      int64           `json:"sourceAccountId,omitempty"`
	DestinationAccountID int64           `json:"destinationAccountId,omitempty"`
	Amount               int64           `json:"amount"`
	InitiatedBy          string          `json:"initiatedBy"`
	CreatedAt            time.Time       `json:"createdAt"`
}

type AccountEvent struct {
	AccountID    int64                `json:"accountId"`
	OwnerID      string               `json:"ownerId"`
	Type         domain.AccountType   `json:"type"`
	Status       domain.AccountStatus `json:"status"`
	Balance      int64                `json:"balance"`
	DailyLimit   int64                `json:"dailyLimit,omitempty"`
	MonthlyLimit int64                `json:"monthlyLimit,omitempty"`
}

func transactionEvent(t domain.Transaction) (string, TransactionEvent) {
	typ := TransactionApplied
	if t.Status == domain.TxRejected {
		typ = TransactionRejected
	}
	return typ, TransactionEvent{
		TransactionID:        t.ID,
		Kind:                 t.Kind,
		Status:               t.Status,
		Reason:               t.Reason,
		SourceAccountID:      t.SourceAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               t.Amount,
		InitiatedBy:          t.InitiatedBy,
		CreatedAt:            t.CreatedAt,
	}
}

func accountEvent(a domain.Account) AccountEvent {
	return AccountEvent{
		AccountID:    a.ID,
		OwnerID:      a.OwnerID,
		Type:         a.Type,
		Status:       a.Status,
		Balance:      a.Balance,
		DailyLimit:   a.Limits.Daily,
		MonthlyLimit: a.Limits.Monthly,
	}
}
