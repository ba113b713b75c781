/**
 * @description
 * This file contains the HTTP handlers for the ledger-service API. Handlers
 * parse requests, call the orchestrator, and map results and errors to HTTP
 * responses. A transfer response is always one of: committed, failed with a
 * reason, or a contention signal advising a retry with the same idempotency
 * key. Pending is only ever observable through the polling endpoint.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: orchestrator, models, errors.
 * - prometheus/client_golang: request metrics on the transfer endpoint.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

var (
	transferRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_transfer_requests_total",
		Help: "Transfer submissions by response status code.",
	}, []string{"status"})
	transferRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_transfer_duration_seconds",
		Help:    "Latency of transfer submissions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// LedgerHandlers holds the orchestrator that handlers delegate to.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates the handler set for the router.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// transferResponse is the canonical transfer outcome payload.
type transferResponse struct {
	TransactionID  string  `json:"transaction_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Status         string  `json:"status"`
	Amount         int64   `json:"amount"`
	SenderID       string  `json:"sender_id"`
	ReceiverID     string  `json:"receiver_id"`
	FailureReason  *string `json:"failure_reason,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func buildTransferResponse(rec *domain.TransferRecord) transferResponse {
	resp := transferResponse{
		TransactionID:  rec.ID.String(),
		IdempotencyKey: rec.IdempotencyKey,
		Status:         string(rec.Status),
		Amount:         rec.Amount,
		SenderID:       rec.SenderID.String(),
		ReceiverID:     rec.ReceiverID.String(),
		FailureReason:  rec.FailureReason,
	}
	if rec.CompletedAt != nil {
		formatted := rec.CompletedAt.UTC().Format(time.RFC3339Nano)
		resp.CompletedAt = &formatted
	}
	return resp
}

// TransferHandler executes a transfer. The idempotency key comes from the
// Idempotency-Key header; repeating a request with the same key returns the
// stored outcome without moving money again.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(transferRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	var payload domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeTransferError(w, http.StatusBadRequest, "Invalid request payload.")
		return
	}
	idempotencyKey := r.Header.Get("Idempotency-Key")

	record, err := h.service.Transfer(r.Context(), idempotencyKey, payload.SenderID, payload.ReceiverID, payload.Amount)
	if err != nil {
		status, message := mapTransferError(err)
		var rateLimited *app.RateLimitedError
		if errors.As(err, &rateLimited) {
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		}
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=transfer outcome=failed sender_id=%s err=%v", payload.SenderID, err)
		}
		h.writeTransferError(w, status, message)
		return
	}

	switch record.Status {
	case domain.TransferCommitted:
		transferRequestsTotal.WithLabelValues(strconv.Itoa(http.StatusCreated)).Inc()
		h.writeJSON(w, http.StatusCreated, buildTransferResponse(record))
	case domain.TransferFailed:
		transferRequestsTotal.WithLabelValues(strconv.Itoa(http.StatusUnprocessableEntity)).Inc()
		h.writeJSON(w, http.StatusUnprocessableEntity, buildTransferResponse(record))
	default:
		// Non-terminal outcomes are never returned as a final response; the
		// caller polls by idempotency key.
		transferRequestsTotal.WithLabelValues(strconv.Itoa(http.StatusAccepted)).Inc()
		h.writeJSON(w, http.StatusAccepted, buildTransferResponse(record))
	}
}

func mapTransferError(err error) (int, string) {
	var rateLimited *app.RateLimitedError
	switch {
	case errors.Is(err, app.ErrSameAccount),
		errors.Is(err, app.ErrNonPositiveAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrTransferContended):
		return http.StatusConflict, "Transfer contended. Retry with the same Idempotency-Key."
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, rateLimited.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "Deadline exceeded before the debit committed. Poll by Idempotency-Key."
	}
	return http.StatusInternalServerError, "Could not process transfer."
}

// GetTransferHandler returns the journal record for an idempotency key.
// This is the polling endpoint for callers whose deadline expired mid-flight.
func (h *LedgerHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "idempotencyKey"))
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "Idempotency key required.")
		return
	}

	record, err := h.service.GetTransfer(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found.")
			return
		}
		log.Printf("level=error component=api endpoint=get_transfer outcome=failed idempotency_key=%s err=%v", key, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve transfer.")
		return
	}

	h.writeJSON(w, http.StatusOK, buildTransferResponse(record))
}

// ListTransfersHandler returns journal records filtered by account and time
// range, newest first.
func (h *LedgerHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := parseTransferFilter(r)
	if errMsg != "" {
		h.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	records, err := h.service.QueryTransfers(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transfers outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve transfers.")
		return
	}
	if records == nil {
		records = []domain.TransferRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"transfers": records})
}

// GetAccountHandler returns the current balance row for an account.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id.")
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found.")
			return
		}
		log.Printf("level=error component=api endpoint=get_account outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve account.")
		return
	}

	h.writeJSON(w, http.StatusOK, account)
}

// CreateAccountHandler provisions a ledger balance row for an account the
// registry collaborator already knows about.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload.")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrNegativeOpeningBalance):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicateAccount):
			h.writeError(w, http.StatusConflict, "Account already exists.")
		default:
			log.Printf("level=error component=api endpoint=create_account outcome=failed err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Could not create account.")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, account)
}

// AccountSummaryHandler returns the committed-transfer aggregates for an
// account over an optional time range.
func (h *LedgerHandlers) AccountSummaryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id.")
		return
	}
	start, errMsg := parseTimeParam(r.URL.Query().Get("start"))
	if errMsg != "" {
		h.writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	end, errMsg := parseTimeParam(r.URL.Query().Get("end"))
	if errMsg != "" {
		h.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	summary, err := h.service.GetAccountSummary(r.Context(), accountID, start, end)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found.")
			return
		}
		log.Printf("level=error component=api endpoint=account_summary outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not compute summary.")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func parseTransferFilter(r *http.Request) (domain.TransferFilter, string) {
	var filter domain.TransferFilter

	if raw := strings.TrimSpace(r.URL.Query().Get("account_id")); raw != "" {
		accountID, err := uuid.Parse(raw)
		if err != nil {
			return filter, "Invalid account_id."
		}
		filter.AccountID = &accountID
	}

	start, errMsg := parseTimeParam(r.URL.Query().Get("start"))
	if errMsg != "" {
		return filter, errMsg
	}
	filter.Start = start

	end, errMsg := parseTimeParam(r.URL.Query().Get("end"))
	if errMsg != "" {
		return filter, errMsg
	}
	filter.End = end

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		return filter, "Invalid limit."
	}
	filter.Limit = limit

	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		return filter, "Invalid offset."
	}
	filter.Offset = offset

	return filter, ""
}

func parseTimeParam(raw string) (*time.Time, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ""
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, "Time parameters must be RFC 3339 timestamps."
	}
	return &parsed, ""
}

func parseOptionalPositiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return value, nil
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *LedgerHandlers) writeTransferError(w http.ResponseWriter, status int, message string) {
	transferRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	h.writeError(w, status, message)
}
