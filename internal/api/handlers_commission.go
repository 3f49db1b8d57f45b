/**
 * @description
 * HTTP handlers for the admin commission endpoints: rule management and the
 * commission ledger views. Rule writes carry the authenticated admin's
 * subject for the audit fields.
 */

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tradora/settlement-service/internal/domain"
)

// CreateCommissionRuleHandler handles admin creation of a commission rule.
func (h *SettlementHandlers) CreateCommissionRuleHandler(w http.ResponseWriter, r *http.Request) {
	adminSubject, ok := GetAdminSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get admin identity from context")
		return
	}

	var payload domain.CreateCommissionRulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.commission.CreateRule(r.Context(), payload, adminSubject)
	if err != nil {
		h.writeServiceError(w, err, "create_commission_rule")
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

// UpdateCommissionRuleHandler handles admin updates to an existing rule.
func (h *SettlementHandlers) UpdateCommissionRuleHandler(w http.ResponseWriter, r *http.Request) {
	adminSubject, ok := GetAdminSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get admin identity from context")
		return
	}

	ruleID, ok := h.parseUUIDParam(w, r, "ruleID")
	if !ok {
		return
	}

	var payload domain.CreateCommissionRulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.commission.UpdateRule(r.Context(), ruleID, payload, adminSubject)
	if err != nil {
		h.writeServiceError(w, err, "update_commission_rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// DeactivateCommissionRuleHandler retires a rule without deleting it.
func (h *SettlementHandlers) DeactivateCommissionRuleHandler(w http.ResponseWriter, r *http.Request) {
	adminSubject, ok := GetAdminSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get admin identity from context")
		return
	}

	ruleID, ok := h.parseUUIDParam(w, r, "ruleID")
	if !ok {
		return
	}

	rule, err := h.commission.DeactivateRule(r.Context(), ruleID, adminSubject)
	if err != nil {
		h.writeServiceError(w, err, "deactivate_commission_rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// GetCommissionRuleHandler returns one rule.
func (h *SettlementHandlers) GetCommissionRuleHandler(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := h.parseUUIDParam(w, r, "ruleID")
	if !ok {
		return
	}
	rule, err := h.commission.GetRule(r.Context(), ruleID)
	if err != nil {
		h.writeServiceError(w, err, "get_commission_rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// ListCommissionRulesHandler returns rules for the admin UI.
func (h *SettlementHandlers) ListCommissionRulesHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := h.parsePagination(r)
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.commission.ListRules(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list_commission_rules")
		return
	}
	h.writeJSON(w, http.StatusOK, rules)
}

// ListCommissionLedgerHandler returns commission ledger rows in a reporting
// window. Defaults to the last 30 days.
func (h *SettlementHandlers) ListCommissionLedgerHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := h.parsePagination(r)

	to := time.Now()
	from := to.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp, expected RFC3339")
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp, expected RFC3339")
			return
		}
		to = parsed
	}

	rows, err := h.commission.ListLedger(r.Context(), from, to, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list_commission_ledger")
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// GetEscrowCommissionLedgerHandler returns the commission rows for one
// escrow transaction, oldest first.
func (h *SettlementHandlers) GetEscrowCommissionLedgerHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.parseUUIDParam(w, r, "escrowID")
	if !ok {
		return
	}
	rows, err := h.commission.ListLedgerByEscrow(r.Context(), escrowID)
	if err != nil {
		h.writeServiceError(w, err, "get_escrow_commission_ledger")
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}
