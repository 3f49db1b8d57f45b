/**
 * @description
 * This file contains the HTTP handlers for the settlement service's escrow
 * and refund endpoints. Handlers parse incoming requests, call the
 * appropriate application service, and write the HTTP response. They act as
 * the bridge between the web layer and the ledger logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradora/settlement-service/internal/app"
	"github.com/tradora/settlement-service/internal/domain"
	"github.com/tradora/settlement-service/internal/store"
)

// SettlementHandlers holds the application services that handlers will use.
type SettlementHandlers struct {
	escrow     *app.EscrowService
	refunds    *app.RefundService
	commission *app.CommissionService
	payouts    *app.PayoutService
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(escrow *app.EscrowService, refunds *app.RefundService, commission *app.CommissionService, payouts *app.PayoutService) *SettlementHandlers {
	return &SettlementHandlers{
		escrow:     escrow,
		refunds:    refunds,
		commission: commission,
		payouts:    payouts,
	}
}

// AllocateEscrowHandler records a confirmed sub-order payment into escrow.
func (h *SettlementHandlers) AllocateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.AllocateEscrowPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	escrow, err := h.escrow.Allocate(r.Context(), payload)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateAllocation) {
			h.writeError(w, http.StatusConflict, "Sub-order is already allocated")
			return
		}
		h.writeServiceError(w, err, "allocate_escrow")
		return
	}
	h.writeJSON(w, http.StatusCreated, escrow)
}

// MarkEscrowEligibleHandler transitions one escrow row to eligible_for_payout.
func (h *SettlementHandlers) MarkEscrowEligibleHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.parseUUIDParam(w, r, "escrowID")
	if !ok {
		return
	}
	escrow, err := h.escrow.MarkEligible(r.Context(), escrowID)
	if err != nil {
		h.writeServiceError(w, err, "mark_escrow_eligible")
		return
	}
	h.writeJSON(w, http.StatusOK, escrow)
}

// GetEscrowBySubOrderHandler returns the escrow row for a sub-order.
func (h *SettlementHandlers) GetEscrowBySubOrderHandler(w http.ResponseWriter, r *http.Request) {
	subOrderID, ok := h.parseUUIDParam(w, r, "subOrderID")
	if !ok {
		return
	}
	escrow, err := h.escrow.GetBySubOrder(r.Context(), subOrderID)
	if err != nil {
		h.writeServiceError(w, err, "get_escrow_by_sub_order")
		return
	}
	h.writeJSON(w, http.StatusOK, escrow)
}

// ListStoreEscrowHandler returns a store's escrow rows, newest first.
func (h *SettlementHandlers) ListStoreEscrowHandler(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseUUIDParam(w, r, "storeID")
	if !ok {
		return
	}
	limit, offset := h.parsePagination(r)
	rows, err := h.escrow.ListByStore(r.Context(), storeID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list_store_escrow")
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// FullRefundHandler processes a full refund for a sub-order.
func (h *SettlementHandlers) FullRefundHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.FullRefundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	refund, err := h.refunds.ProcessFullRefund(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, err, "full_refund")
		return
	}
	h.writeRefundOutcome(w, refund)
}

// PartialRefundHandler processes a partial refund for a sub-order.
func (h *SettlementHandlers) PartialRefundHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.PartialRefundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	refund, err := h.refunds.ProcessPartialRefund(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, err, "partial_refund")
		return
	}
	h.writeRefundOutcome(w, refund)
}

// GetRefundHandler returns one refund transaction by ID.
func (h *SettlementHandlers) GetRefundHandler(w http.ResponseWriter, r *http.Request) {
	refundID, ok := h.parseUUIDParam(w, r, "refundID")
	if !ok {
		return
	}
	refund, err := h.refunds.GetRefund(r.Context(), refundID)
	if err != nil {
		h.writeServiceError(w, err, "get_refund")
		return
	}
	h.writeJSON(w, http.StatusOK, refund)
}

// ListRefundsBySubOrderHandler returns every refund attempt for a sub-order.
func (h *SettlementHandlers) ListRefundsBySubOrderHandler(w http.ResponseWriter, r *http.Request) {
	subOrderID, ok := h.parseUUIDParam(w, r, "subOrderID")
	if !ok {
		return
	}
	refunds, err := h.refunds.ListBySubOrder(r.Context(), subOrderID)
	if err != nil {
		h.writeServiceError(w, err, "list_refunds")
		return
	}
	h.writeJSON(w, http.StatusOK, refunds)
}

// ReconcileRefundsHandler cross-checks a sub-order's refund bookkeeping.
func (h *SettlementHandlers) ReconcileRefundsHandler(w http.ResponseWriter, r *http.Request) {
	subOrderID, ok := h.parseUUIDParam(w, r, "subOrderID")
	if !ok {
		return
	}
	rec, err := h.refunds.ReconcileSubOrder(r.Context(), subOrderID)
	if err != nil {
		h.writeServiceError(w, err, "reconcile_refunds")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// writeRefundOutcome maps a terminal refund transaction to an HTTP status:
// a completed refund is 200, a provider-declined one is 502 with the stored
// failure reason so the caller can surface it.
func (h *SettlementHandlers) writeRefundOutcome(w http.ResponseWriter, refund *domain.RefundTransaction) {
	if refund.Status == domain.RefundFailed {
		h.writeJSON(w, http.StatusBadGateway, refund)
		return
	}
	h.writeJSON(w, http.StatusOK, refund)
}

// writeServiceError translates service-layer errors into HTTP responses.
func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, err error, endpoint string) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		h.writeError(w, http.StatusUnprocessableEntity, validationErr.Reason)
		return
	}

	var conflictErr *domain.RuleConflictError
	if errors.As(err, &conflictErr) {
		ids := make([]string, 0, len(conflictErr.ConflictingRuleIDs))
		for _, id := range conflictErr.ConflictingRuleIDs {
			ids = append(ids, id.String())
		}
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":                "Rule conflicts with existing active rules",
			"conflicting_rule_ids": ids,
		})
		return
	}

	var rateLimitErr *app.RateLimitError
	if errors.As(err, &rateLimitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimitErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many refund requests. Please try again later.")
		return
	}

	switch {
	case errors.Is(err, store.ErrEscrowNotFound),
		errors.Is(err, store.ErrRuleNotFound),
		errors.Is(err, store.ErrRefundNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrCommissionTxNotFound):
		h.writeError(w, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrEscrowNotRefundable):
		h.writeError(w, http.StatusUnprocessableEntity, "Escrow is not refundable in its current state")
	case errors.Is(err, store.ErrRefundExceedsBalance):
		h.writeError(w, http.StatusUnprocessableEntity, "Refund exceeds the remaining refundable balance")
	case errors.Is(err, store.ErrBelowPayoutThreshold):
		h.writeError(w, http.StatusUnprocessableEntity, "Eligible balance is below the payout threshold")
	case errors.Is(err, store.ErrPayoutNotClaimable):
		h.writeError(w, http.StatusConflict, "Payout is not in a processable state")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *SettlementHandlers) parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (h *SettlementHandlers) parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
