package analytics

import (
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/shopspring/decimal"
)

// RecordCounts tallies log records by outcome.
type RecordCounts struct {
	Total    int `json:"total"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

func (c *RecordCounts) Add(t domain.Transaction) {
	c.Total++
	if t.Status == domain.TxApplied {
		c.Applied++
	} else {
		c.Rejected++
	}
}

type UserStats struct {
	Total  int                 `json:"total"`
	ByRole map[domain.Role]int `json:"by_role"`
}

// AccountStats describes balances in minor units. Sums are decimals since
// the total of many int64 balances may not fit in an int64.
type AccountStats struct {
	Total          int                          `json:"total"`
	ByStatus       map[domain.AccountStatus]int `json:"by_status"`
	ByType         map[domain.AccountType]int   `json:"by_type"`
	TotalBalance   decimal.Decimal              `json:"total_balance"`
	ActiveBalance  decimal.Decimal              `json:"active_balance"`
	AverageBalance decimal.Decimal              `json:"average_balance"`
}

// SystemStats is the admin overview of the whole ledger.
type SystemStats struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	Users        UserStats    `json:"users"`
	Accounts     AccountStats `json:"accounts"`
	Transactions RecordCounts `json:"transactions"`
}

// System builds the overview. The average balance is taken over every
// account regardless of status.
func System(users []domain.User, accounts []domain.Account, records RecordCounts, now time.Time) SystemStats {
	st := SystemStats{
		GeneratedAt:  now,
		Users:        UserStats{Total: len(users), ByRole: make(map[domain.Role]int)},
		Transactions: records,
		Accounts: AccountStats{
			Total:          len(accounts),
			ByStatus:       make(map[domain.AccountStatus]int),
			ByType:         make(map[domain.AccountType]int),
			TotalBalance:   decimal.Zero,
			ActiveBalance:  decimal.Zero,
			AverageBalance: decimal.Zero,
		},
	}
	for _, u := range users {
		st.Users.ByRole[u.Role]++
	}
	for _, a := range accounts {
		st.Accounts.ByStatus[a.Status]++
		st.Accounts.ByType[a.Type]++
		bal := decimal.NewFromInt(a.Balance)
		st.Accounts.TotalBalance = st.Accounts.TotalBalance.Add(bal)
		if a.Status == domain.StatusActive {
			st.Accounts.ActiveBalance = st.Accounts.ActiveBalance.Add(bal)
		}
	}
	if n := len(accounts); n > 0 {
		st.Accounts.AverageBalance = st.Accounts.TotalBalance.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	return st
}
