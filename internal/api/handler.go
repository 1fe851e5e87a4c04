package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/bankledger/internal/analytics"
	"github.com/punchamoorthee/bankledger/internal/cache"
	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/models"
	"github.com/punchamoorthee/bankledger/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Retry-After sent with ErrBusy, in seconds.
const busyRetryAfter = "1"

// Caches are the optional read caches of the HTTP surface. A nil cache is
// skipped.
type Caches struct {
	Reports *cache.ViewCache[analytics.Report]
	Stats   *cache.ViewCache[analytics.SystemStats]
}

type Handler struct {
	engine *service.Engine
	auth   *Authenticator
	caches Caches
	logger *slog.Logger
}

func NewHandler(engine *service.Engine, auth *Authenticator, caches Caches, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, auth: auth, caches: caches, logger: logger}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r *mux.Router) {
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.auth.Middleware)
	v1.HandleFunc("/users", h.CreateUserHandler).Methods(http.MethodPost)
	v1.HandleFunc("/users", h.ListUsersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", h.GetUserHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts", h.ListAccountsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id:[0-9]+}/status", h.SetAccountStatusHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/accounts/{id:[0-9]+}/limits", h.SetAccountLimitsHandler).Methods(http.MethodPut)
	v1.HandleFunc("/accounts/{id:[0-9]+}/transactions", h.AccountHistoryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id:[0-9]+}/audit", h.AuditHandler).Methods(http.MethodGet)
	v1.HandleFunc("/operations", h.SubmitOperationHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions", h.HistoryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/analytics", h.AnalyticsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.SystemStatsHandler).Methods(http.MethodGet)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// statusFor maps a returned error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondWithErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if errors.Is(err, domain.ErrBusy) {
		w.Header().Set("Retry-After", busyRetryAfter)
	}
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(code)
	}
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidArgument, mux.Vars(r)["id"])
	}
	return id, nil
}

// timeRange reads the optional RFC 3339 "from" and "to" query parameters.
func timeRange(r *http.Request) (domain.TimeRange, error) {
	var tr domain.TimeRange
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &tr.From}, {"to", &tr.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", domain.ErrInvalidArgument, p.name)
		}
		*p.dst = t
	}
	return tr, tr.Validate()
}
