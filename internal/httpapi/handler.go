package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/identity"
	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"
	"github.com/Ali5Raza/queue-management-system/internal/tokennum"

	"github.com/google/uuid"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 500
)

// Dispatcher is the coordinator surface the API exposes.
type Dispatcher interface {
	IssueToken(ctx context.Context, cnic string) (models.Token, error)
	CallNext(ctx context.Context, counterID string) (models.Token, error)
	CallToken(ctx context.Context, tokenID, counterID string) (models.Token, error)
	CompleteToken(ctx context.Context, tokenID string) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	Status(ctx context.Context) (store.Snapshot, error)
}

type Handler struct {
	dispatcher Dispatcher
	counters   store.CounterStore
	queues     store.QueueStore
	reports    store.ReportStore
}

func NewHandler(dispatcher Dispatcher, counters store.CounterStore, queues store.QueueStore, reports store.ReportStore) *Handler {
	return &Handler{dispatcher: dispatcher, counters: counters, queues: queues, reports: reports}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleIssueToken)
	mux.HandleFunc("/api/tokens/", h.handleTokenByID)
	mux.HandleFunc("/api/queue/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/call", h.handleCallToken)
	mux.HandleFunc("/api/queue/status", h.handleStatus)
	mux.HandleFunc("/api/admin/tokens", h.handleAdminTokens)
	mux.HandleFunc("/api/admin/stats", h.handleAdminStats)
	mux.HandleFunc("/api/admin/counters", h.handleCounters)
	mux.HandleFunc("/api/admin/counters/", h.handleCounterByID)
	mux.HandleFunc("/api/admin/queues", h.handleQueues)
	mux.HandleFunc("/api/admin/queues/", h.handleQueueByID)
	return mux
}

type issueTokenRequest struct {
	Cnic string `json:"cnic"`
}

type callNextRequest struct {
	CounterID string `json:"counter_id"`
}

type callTokenRequest struct {
	TokenID   string `json:"token_id"`
	CounterID string `json:"counter_id"`
}

type adminRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Cnic = strings.TrimSpace(req.Cnic)
	if req.Cnic == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "cnic is required")
		return
	}

	token, err := h.dispatcher.IssueToken(r.Context(), req.Cnic)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// handleTokenByID serves GET /api/tokens/{id} and POST /api/tokens/{id}/complete.
func (h *Handler) handleTokenByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	tokenID, action, _ := strings.Cut(rest, "/")
	if !isValidUUID(tokenID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token id must be a UUID")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		token, err := h.dispatcher.GetToken(r.Context(), tokenID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	case action == "complete" && r.Method == http.MethodPost:
		token, err := h.dispatcher.CompleteToken(r.Context(), tokenID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	token, err := h.dispatcher.CallNext(r.Context(), req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCallToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TokenID = strings.TrimSpace(req.TokenID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	if !isValidUUID(req.TokenID) || !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_id and counter_id must be UUIDs")
		return
	}

	token, err := h.dispatcher.CallToken(r.Context(), req.TokenID, req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := h.dispatcher.Status(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleAdminTokens serves the token history: every token regardless of
// status, newest first, with optional date window, status, and paging.
func (h *Handler) handleAdminTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter, ok := tokenFilterFromQuery(w, r)
	if !ok {
		return
	}
	tokens, err := h.reports.ListTokens(r.Context(), filter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.reports.DashboardStats(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func tokenFilterFromQuery(w http.ResponseWriter, r *http.Request) (store.TokenFilter, bool) {
	var filter store.TokenFilter
	query := r.URL.Query()

	if raw := query.Get("start_date"); raw != "" {
		from, err := parseQueryDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "start_date must be RFC 3339 or YYYY-MM-DD")
			return store.TokenFilter{}, false
		}
		filter.From = from
	}
	if raw := query.Get("end_date"); raw != "" {
		to, err := parseQueryDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "end_date must be RFC 3339 or YYYY-MM-DD")
			return store.TokenFilter{}, false
		}
		filter.To = to
	}
	if status := query.Get("status"); status != "" {
		switch status {
		case models.StatusWaiting, models.StatusCalled, models.StatusCompleted:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "status must be waiting, called, or completed")
			return store.TokenFilter{}, false
		}
	}

	page := queryInt(query.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(query.Get("page_size"), 50)
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	return filter, true
}

func parseQueryDate(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", raw)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		counters, err := h.counters.ListCounters(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counters)
	case http.MethodPost:
		req, ok := decodeAdminRequest(w, r)
		if !ok {
			return
		}
		created, err := h.counters.CreateCounter(r.Context(), models.Counter{
			Name:        req.Name,
			Description: req.Description,
			Active:      req.Active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCounterByID(w http.ResponseWriter, r *http.Request) {
	counterID := strings.TrimPrefix(r.URL.Path, "/api/admin/counters/")
	if !isValidUUID(counterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter id must be a UUID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		counter, err := h.counters.GetCounter(r.Context(), counterID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counter)
	case http.MethodPut:
		req, ok := decodeAdminRequest(w, r)
		if !ok {
			return
		}
		updated, err := h.counters.UpdateCounter(r.Context(), models.Counter{
			CounterID:   counterID,
			Name:        req.Name,
			Description: req.Description,
			Active:      req.Active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		// Deactivate rather than delete: completed tokens keep their
		// assignment history.
		if err := h.counters.DeactivateCounter(r.Context(), counterID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		queues, err := h.queues.ListQueues(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, queues)
	case http.MethodPost:
		req, ok := decodeAdminRequest(w, r)
		if !ok {
			return
		}
		created, err := h.queues.CreateQueue(r.Context(), models.Queue{
			Name:        req.Name,
			Description: req.Description,
			Active:      req.Active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueueByID(w http.ResponseWriter, r *http.Request) {
	queueID := strings.TrimPrefix(r.URL.Path, "/api/admin/queues/")
	if !isValidUUID(queueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue id must be a UUID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		queue, err := h.queues.GetQueue(r.Context(), queueID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, queue)
	case http.MethodPut:
		req, ok := decodeAdminRequest(w, r)
		if !ok {
			return
		}
		updated, err := h.queues.UpdateQueue(r.Context(), models.Queue{
			QueueID:     queueID,
			Name:        req.Name,
			Description: req.Description,
			Active:      req.Active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.queues.DeactivateQueue(r.Context(), queueID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func decodeAdminRequest(w http.ResponseWriter, r *http.Request) (adminRequest, bool) {
	var req adminRequest
	if !decodeJSON(w, r, &req) {
		return adminRequest{}, false
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return adminRequest{}, false
	}
	if len(req.Name) > maxNameLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "name cannot exceed 100 characters")
		return adminRequest{}, false
	}
	if len(req.Description) > maxDescriptionLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "description cannot exceed 500 characters")
		return adminRequest{}, false
	}
	return req, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid_cnic", "cnic must be exactly 13 digits"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrNoTokenWaiting):
		return http.StatusConflict, "queue_empty", "no tokens in queue"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is already serving a token"
	case errors.Is(err, store.ErrDuplicateIdentity):
		return http.StatusConflict, "duplicate_cnic", "a waiting token already exists for this cnic"
	case errors.Is(err, store.ErrDuplicateNumber):
		return http.StatusConflict, "duplicate_token_number", "token number already exists"
	case errors.Is(err, tokennum.ErrExhausted):
		return http.StatusServiceUnavailable, "token_number_exhausted", "could not allocate a free token number"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "storage is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
