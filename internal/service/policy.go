package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/store"
)

const (
	day   = 24 * time.Hour
	month = 30 * day
)

// Policy holds optional operation limits. A zero field disables its limit.
// Outflow limits cover what leaves an account by withdrawal or transfer
// within a rolling window; an account's own Limits take precedence over
// the engine-wide values.
type Policy struct {
	// MaxAmount caps the amount of a single operation.
	MaxAmount           int64
	DailyOutflowLimit   int64
	MonthlyOutflowLimit int64
}

func (p Policy) check(ctx context.Context, tx store.Tx, req domain.OperationRequest, src *domain.Account, now time.Time) error {
	if p.MaxAmount > 0 && req.Amount > p.MaxAmount {
		return fmt.Errorf("amount %d above per-operation limit %d: %w", req.Amount, p.MaxAmount, domain.ErrLimitExceeded)
	}
	if src == nil {
		return nil
	}
	windows := []struct {
		name  string
		limit int64
		span  time.Duration
	}{
		{"daily", pick(src.Limits.Daily, p.DailyOutflowLimit), day},
		{"monthly", pick(src.Limits.Monthly, p.MonthlyOutflowLimit), month},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		spent, err := tx.Outflow(ctx, src.ID, now.Add(-w.span))
		if err != nil {
			return err
		}
		// Compared as a difference so that neither side overflows.
		if spent > w.limit-req.Amount {
			return fmt.Errorf("account %d %s outflow %d + %d above limit %d: %w",
				src.ID, w.name, spent, req.Amount, w.limit, domain.ErrLimitExceeded)
		}
	}
	return nil
}

func pick(own, fallback int64) int64 {
	if own > 0 {
		return own
	}
	return fallback
}
