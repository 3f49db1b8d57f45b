/**
 * @description
 * HTTP handlers for payout endpoints: eligible balance queries, on-demand
 * payout creation, payout processing and per-store payout settings.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/tradora/settlement-service/internal/domain"
)

// GetEligibleBalanceHandler returns a store's payable escrow summary.
func (h *SettlementHandlers) GetEligibleBalanceHandler(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseUUIDParam(w, r, "storeID")
	if !ok {
		return
	}
	balance, err := h.payouts.GetEligibleBalance(r.Context(), storeID)
	if err != nil {
		h.writeServiceError(w, err, "get_eligible_balance")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// CreatePayoutHandler creates an on-demand payout for a store.
func (h *SettlementHandlers) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.CreatePayoutPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payout, err := h.payouts.CreatePayout(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, err, "create_payout")
		return
	}
	h.writeJSON(w, http.StatusCreated, payout)
}

// GetPayoutHandler returns one payout.
func (h *SettlementHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.parseUUIDParam(w, r, "payoutID")
	if !ok {
		return
	}
	payout, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil {
		h.writeServiceError(w, err, "get_payout")
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// ListPayoutsHandler returns payouts, optionally filtered by store_id.
func (h *SettlementHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := h.parsePagination(r)

	var storeID *uuid.UUID
	if raw := r.URL.Query().Get("store_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid store_id")
			return
		}
		storeID = &parsed
	}

	payouts, err := h.payouts.ListPayouts(r.Context(), storeID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list_payouts")
		return
	}
	h.writeJSON(w, http.StatusOK, payouts)
}

// ProcessPayoutHandler submits one payout to the provider immediately,
// outside the scheduled sweeps. The response carries the outcome: paid,
// retry scheduled, or terminally failed.
func (h *SettlementHandlers) ProcessPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.parseUUIDParam(w, r, "payoutID")
	if !ok {
		return
	}
	payout, err := h.payouts.ProcessPayout(r.Context(), payoutID)
	if err != nil {
		h.writeServiceError(w, err, "process_payout")
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// PayoutSweepHandler triggers the generation and processing sweeps on
// demand, outside the cron schedule. Useful for support tooling.
func (h *SettlementHandlers) PayoutSweepHandler(w http.ResponseWriter, r *http.Request) {
	created, err := h.payouts.GenerateScheduledPayouts(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "payout_sweep_generate")
		return
	}
	attempted, err := h.payouts.ProcessDuePayouts(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "payout_sweep_process")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{
		"payouts_created":   created,
		"payouts_attempted": attempted,
	})
}

// UpsertStorePayoutSettingsHandler sets a store's payout configuration.
func (h *SettlementHandlers) UpsertStorePayoutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.parseUUIDParam(w, r, "storeID")
	if !ok {
		return
	}

	var settings domain.StorePayoutSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	settings.StoreID = storeID

	if err := h.payouts.UpdateStoreSettings(r.Context(), &settings); err != nil {
		h.writeServiceError(w, err, "upsert_store_payout_settings")
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}
