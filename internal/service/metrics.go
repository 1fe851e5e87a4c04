package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/bankledger/internal/domain"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Submitted operations, labeled by kind, outcome and rejection reason",
	}, []string{"kind", "status", "reason"})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_lock_wait_seconds",
		Help:    "Time spent waiting for account locks",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})
)

func observe(kind domain.Kind, res *domain.OperationResult, err error) {
	status, reason := "error", errorLabel(err)
	if err == nil {
		status, reason = string(res.Status), string(res.Reason)
		if res.Replayed {
			status = "replayed"
		}
	}
	operationsTotal.WithLabelValues(kindLabel(kind), status, reason).Inc()
}

// kindLabel keeps the kind label to the closed set of operation kinds.
func kindLabel(kind domain.Kind) string {
	if k, err := domain.ParseKind(string(kind)); err == nil {
		return string(k)
	}
	return "unknown"
}

func errorLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return "idempotency_mismatch"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	}
	return "other"
}
