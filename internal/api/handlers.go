package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/bankledger/internal/analytics"
	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/models"
)

const (
	maxBodyBytes      = 1 << 20
	maxIdempotencyKey = 128
	maxHistoryLimit   = 1000
	statsCacheKey     = "system"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	if errs := models.Validate(dst); errs != nil {
		respondWithJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request data", Details: errs})
		return false
	}
	return true
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := actorFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
	}
	return actor, ok
}

type createUserResponse struct {
	User  models.UserResponse `json:"user"`
	Token string              `json:"token"`
}

func (h *Handler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req models.CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.engine.RegisterUser(r.Context(), actor, req.Name, req.Email, domain.Role(req.Role))
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	token, err := h.auth.IssueToken(u.ID, u.Role)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	h.invalidateStats(r)
	w.Header().Set("Location", "/api/v1/users/"+u.ID)
	respondWithJSON(w, http.StatusCreated, createUserResponse{User: models.NewUserResponse(u), Token: token})
}

func (h *Handler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	users, err := h.engine.Users(r.Context(), actor)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	out := make([]models.UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, models.NewUserResponse(u))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	u, err := h.engine.User(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewUserResponse(u))
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req models.OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.engine.OpenAccount(r.Context(), actor, req.OwnerID, domain.AccountType(req.Type), req.InitialBalance)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	h.invalidateStats(r)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acc.ID))
	respondWithJSON(w, http.StatusCreated, models.NewAccountResponse(acc))
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	accs, err := h.engine.Accounts(r.Context(), actor, r.URL.Query().Get("owner_id"))
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	out := make([]models.AccountResponse, 0, len(accs))
	for _, a := range accs {
		out = append(out, models.NewAccountResponse(a))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	acc, err := h.engine.Account(r.Context(), actor, id)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewAccountResponse(acc))
}

func (h *Handler) SetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	var req models.StatusRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.engine.SetAccountStatus(r.Context(), actor, id, domain.AccountStatus(req.Status))
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	h.invalidateStats(r)
	respondWithJSON(w, http.StatusOK, models.NewAccountResponse(acc))
}

func (h *Handler) SetAccountLimitsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	var req models.LimitsRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.engine.SetAccountLimits(r.Context(), actor, id, req.ToDomain())
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewAccountResponse(acc))
}

// SubmitOperationHandler answers 201 for an applied operation, 422 for a
// rejected one and 200 for a replay of an earlier request.
func (h *Handler) SubmitOperationHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if len(key) > maxIdempotencyKey {
		respondWithError(w, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}
	var req models.OperationRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.engine.Submit(r.Context(), req.ToDomain(actor, key))
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}

	code := http.StatusCreated
	switch {
	case res.Replayed:
		code = http.StatusOK
	case res.Status == domain.TxRejected:
		code = http.StatusUnprocessableEntity
	}
	respondWithJSON(w, code, models.NewOperationResponse(res))
}

func (h *Handler) AccountHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	h.history(w, r, id)
}

func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, 0)
}

// history streams at most limit records of the account, or of the whole
// log when accountID is zero.
func (h *Handler) history(w http.ResponseWriter, r *http.Request, accountID int64) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	tr, err := timeRange(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", maxHistoryLimit)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
		return
	}

	seq, err := h.engine.History(r.Context(), actor, accountID, tr)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	out := make([]models.TransactionResponse, 0)
	for t, err := range seq {
		if err != nil {
			h.respondWithErr(w, r, err)
			return
		}
		out = append(out, models.NewTransactionResponse(t))
		if len(out) == limit {
			break
		}
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) AuditHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	res, err := h.engine.Audit(r.Context(), actor, id)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// AnalyticsHandler serves reports, from the report cache when one is
// configured.
func (h *Handler) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		respondWithError(w, http.StatusForbidden, "analytics are restricted to admins")
		return
	}
	tr, err := timeRange(r)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	group, err := analytics.ParseGroupBy(r.URL.Query().Get("group_by"))
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	top, err := queryInt(r, "top", analytics.DefaultTopN)
	if err != nil || top <= 0 {
		respondWithError(w, http.StatusBadRequest, "top must be a positive integer")
		return
	}

	key := fmt.Sprintf("%s|%s|%s|%d", r.URL.Query().Get("from"), r.URL.Query().Get("to"), group, top)
	if h.caches.Reports != nil {
		if cached, ok := h.caches.Reports.Get(r.Context(), key); ok {
			w.Header().Set("X-Cache", "HIT")
			respondWithJSON(w, http.StatusOK, cached)
			return
		}
	}

	report, err := h.engine.Analytics(r.Context(), actor, tr, analytics.Options{GroupBy: group, TopN: top})
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	if h.caches.Reports != nil {
		h.caches.Reports.Set(r.Context(), key, &report)
		w.Header().Set("X-Cache", "MISS")
	}
	respondWithJSON(w, http.StatusOK, report)
}

// SystemStatsHandler serves the admin overview. Cached stats are dropped
// when users or accounts change; balances may lag by the cache TTL.
func (h *Handler) SystemStatsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		respondWithError(w, http.StatusForbidden, "system statistics are restricted to admins")
		return
	}
	if h.caches.Stats != nil {
		if cached, ok := h.caches.Stats.Get(r.Context(), statsCacheKey); ok {
			w.Header().Set("X-Cache", "HIT")
			respondWithJSON(w, http.StatusOK, cached)
			return
		}
	}
	stats, err := h.engine.SystemStats(r.Context(), actor)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	if h.caches.Stats != nil {
		h.caches.Stats.Set(r.Context(), statsCacheKey, &stats)
		w.Header().Set("X-Cache", "MISS")
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) invalidateStats(r *http.Request) {
	if h.caches.Stats != nil {
		h.caches.Stats.Delete(r.Context(), statsCacheKey)
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
