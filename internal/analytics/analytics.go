// Package analytics computes read-only reports over transaction records.
// Every function is pure: it reads the slice it is given and nothing else.
// Volumes and amount statistics count applied records only; rejected
// records appear in counts and rejection tallies.
package analytics

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/shopspring/decimal"
)

type GroupBy string

const (
	GroupByHour  GroupBy = "hour"
	GroupByDay   GroupBy = "day"
	GroupByMonth GroupBy = "month"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case GroupByHour, GroupByDay, GroupByMonth:
		return g, nil
	case "":
		return GroupByDay, nil
	}
	return "", fmt.Errorf("%w: unknown group_by %q", domain.ErrInvalidArgument, s)
}

// Truncate returns the start of the period containing t, in UTC.
func (g GroupBy) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GroupByHour:
		return t.Truncate(time.Hour)
	case GroupByMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

const DefaultTopN = 10

type Options struct {
	GroupBy     GroupBy
	TopN        int
	Range       domain.TimeRange
	GeneratedAt time.Time
}

type KindTotals struct {
	Count  int   `json:"count"`
	Volume int64 `json:"volume"`
}

type Stats struct {
	Count  int             `json:"count"`
	Min    int64           `json:"min"`
	Max    int64           `json:"max"`
	Mean   decimal.Decimal `json:"mean"`
	Median decimal.Decimal `json:"median"`
	StdDev decimal.Decimal `json:"std_dev"`
}

type Summary struct {
	Total        int                        `json:"total"`
	Applied      int                        `json:"applied"`
	Rejected     int                        `json:"rejected"`
	Rejections   map[domain.Reason]int      `json:"rejections"`
	ByKind       map[domain.Kind]KindTotals `json:"by_kind"`
	Volume       int64                      `json:"volume"`
	NetFlow      int64                      `json:"net_flow"`
	ActiveDays   int                        `json:"active_days"`
	DailyAverage decimal.Decimal            `json:"daily_average"`
	Amounts      Stats                      `json:"amounts"`
}

type PeriodBucket struct {
	Start  time.Time                  `json:"start"`
	ByKind map[domain.Kind]KindTotals `json:"by_kind"`
}

type HourBucket struct {
	Hour   int   `json:"hour"`
	Count  int   `json:"count"`
	Volume int64 `json:"volume"`
}

type AccountActivity struct {
	AccountID int64 `json:"account_id"`
	Count     int   `json:"count"`
	Inflow    int64 `json:"inflow"`
	Outflow   int64 `json:"outflow"`
}

type SizeBucket struct {
	Label  string `json:"label"`
	Min    int64  `json:"min"`
	Max    int64  `json:"max,omitempty"`
	Count  int    `json:"count"`
	Volume int64  `json:"volume"`
}

type Report struct {
	From        time.Time         `json:"from,omitzero"`
	To          time.Time         `json:"to,omitzero"`
	GroupBy     GroupBy           `json:"group_by"`
	GeneratedAt time.Time         `json:"generated_at"`
	Summary     Summary           `json:"summary"`
	Periods     []PeriodBucket    `json:"periods"`
	Hourly      []HourBucket      `json:"hourly"`
	TopAccounts []AccountActivity `json:"top_accounts"`
	Sizes       []SizeBucket      `json:"sizes"`
}

// Build assembles the full report.
func Build(txs []domain.Transaction, opts Options) Report {
	if opts.GroupBy == "" {
		opts.GroupBy = GroupByDay
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	return Report{
		From:        opts.Range.From,
		To:          opts.Range.To,
		GroupBy:     opts.GroupBy,
		GeneratedAt: opts.GeneratedAt,
		Summary:     Summarize(txs),
		Periods:     ByPeriod(txs, opts.GroupBy),
		Hourly:      HourlyPattern(txs),
		TopAccounts: TopAccounts(txs, opts.TopN),
		Sizes:       SizeDistribution(txs),
	}
}

func applied(txs []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txs))
	for _, t := range txs {
		if t.Status == domain.TxApplied {
			out = append(out, t)
		}
	}
	return out
}

func Summarize(txs []domain.Transaction) Summary {
	s := Summary{
		Total:      len(txs),
		Rejections: make(map[domain.Reason]int),
		ByKind:     make(map[domain.Kind]KindTotals),
	}
	days := make(map[time.Time]struct{})
	amounts := make([]int64, 0, len(txs))
	for _, t := range txs {
		if t.Status != domain.TxApplied {
			s.Rejected++
			s.Rejections[t.Reason]++
			continue
		}
		s.Applied++
		k := s.ByKind[t.Kind]
		k.Count++
		k.Volume += t.Amount
		s.ByKind[t.Kind] = k
		s.Volume += t.Amount
		switch t.Kind {
		case domain.KindDeposit:
			s.NetFlow += t.Amount
		case domain.KindWithdrawal:
			s.NetFlow -= t.Amount
		}
		days[GroupByDay.Truncate(t.CreatedAt)] = struct{}{}
		amounts = append(amounts, t.Amount)
	}
	s.ActiveDays = len(days)
	s.DailyAverage = decimal.Zero
	if s.ActiveDays > 0 {
		s.DailyAverage = decimal.NewFromInt(s.Volume).Div(decimal.NewFromInt(int64(s.ActiveDays))).Round(2)
	}
	s.Amounts = AmountStats(amounts)
	return s
}

// AmountStats returns extremes, mean, median and sample standard deviation.
func AmountStats(amounts []int64) Stats {
	st := Stats{Count: len(amounts), Mean: decimal.Zero, Median: decimal.Zero, StdDev: decimal.Zero}
	if len(amounts) == 0 {
		return st
	}
	sorted := slices.Clone(amounts)
	slices.Sort(sorted)
	st.Min, st.Max = sorted[0], sorted[len(sorted)-1]

	var sum decimal.Decimal
	for _, a := range sorted {
		sum = sum.Add(decimal.NewFromInt(a))
	}
	n := decimal.NewFromInt(int64(len(sorted)))
	mean := sum.Div(n)
	st.Mean = mean.Round(2)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		st.Median = decimal.NewFromInt(sorted[mid])
	} else {
		st.Median = decimal.NewFromInt(sorted[mid-1]).Add(decimal.NewFromInt(sorted[mid])).Div(decimal.NewFromInt(2)).Round(2)
	}

	if len(sorted) > 1 {
		var sq decimal.Decimal
		for _, a := range sorted {
			d := decimal.NewFromInt(a).Sub(mean)
			sq = sq.Add(d.Mul(d))
		}
		variance := sq.Div(n.Sub(decimal.NewFromInt(1)))
		st.StdDev = decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64())).Round(2)
	}
	return st
}

// ByPeriod groups applied records by period start, ascending.
func ByPeriod(txs []domain.Transaction, g GroupBy) []PeriodBucket {
	index := make(map[time.Time]int)
	var buckets []PeriodBucket
	for _, t := range applied(txs) {
		start := g.Truncate(t.CreatedAt)
		i, ok := index[start]
		if !ok {
			i = len(buckets)
			index[start] = i
			buckets = append(buckets, PeriodBucket{Start: start, ByKind: make(map[domain.Kind]KindTotals)})
		}
		k := buckets[i].ByKind[t.Kind]
		k.Count++
		k.Volume += t.Amount
		buckets[i].ByKind[t.Kind] = k
	}
	slices.SortFunc(buckets, func(a, b PeriodBucket) int { return a.Start.Compare(b.Start) })
	return buckets
}

// HourlyPattern returns 24 buckets by UTC hour of day.
func HourlyPattern(txs []domain.Transaction) []HourBucket {
	hours := make([]HourBucket, 24)
	for h := range hours {
		hours[h].Hour = h
	}
	for _, t := range applied(txs) {
		h := t.CreatedAt.UTC().Hour()
		hours[h].Count++
		hours[h].Volume += t.Amount
	}
	return hours
}

// TopAccounts ranks accounts by number of applied records, then by volume
// moved, then by id.
func TopAccounts(txs []domain.Transaction, n int) []AccountActivity {
	byID := make(map[int64]*AccountActivity)
	touch := func(id int64) *AccountActivity {
		a, ok := byID[id]
		if !ok {
			a = &AccountActivity{AccountID: id}
			byID[id] = a
		}
		a.Count++
		return a
	}
	for _, t := range applied(txs) {
		if t.SourceAccountID != 0 {
			touch(t.SourceAccountID).Outflow += t.Amount
		}
		if t.DestinationAccountID != 0 {
			touch(t.DestinationAccountID).Inflow += t.Amount
		}
	}
	out := make([]AccountActivity, 0, len(byID))
	for _, a := range byID {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b AccountActivity) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Inflow+b.Outflow, a.Inflow+a.Outflow); c != 0 {
			return c
		}
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// sizeBounds are the bucket lower bounds in minor units: 1,000, 10,000,
// 50,000 and 100,000 major units.
var sizeBounds = []int64{0, 100_000, 1_000_000, 5_000_000, 10_000_000}

// SizeDistribution counts applied records per amount range. Each range
// includes its lower bound and excludes its upper bound.
func SizeDistribution(txs []domain.Transaction) []SizeBucket {
	buckets := make([]SizeBucket, len(sizeBounds))
	for i, lo := range sizeBounds {
		b := SizeBucket{Min: lo}
		if i+1 < len(sizeBounds) {
			b.Max = sizeBounds[i+1]
			b.Label = fmt.Sprintf("%s-%s", domain.FormatMinor(lo), domain.FormatMinor(b.Max))
		} else {
			b.Label = domain.FormatMinor(lo) + "+"
		}
		buckets[i] = b
	}
	for _, t := range applied(txs) {
		i := len(sizeBounds) - 1
		for i > 0 && t.Amount < sizeBounds[i] {
			i--
		}
		buckets[i].Count++
		buckets[i].Volume += t.Amount
	}
	return buckets
}
