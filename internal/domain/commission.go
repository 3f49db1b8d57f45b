/**
 * @description
 * Domain models for commission rules and the immutable commission ledger.
 * A CommissionRule describes the platform's cut (percentage plus fixed fee)
 * for a given applicability scope and effective-date range. Every gross
 * payment and every refund produces a CommissionTransaction row; rows are
 * append-only and never mutated, forming the compliance audit trail.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents),
 *   which avoids floating-point inaccuracies with financial data.
 * - Percentages are `float64` values between 0 and 100 with two-decimal
 *   precision; all currency rounding is half-up.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RuleScope identifies the applicability of a commission rule.
// Specificity order during resolution: category > seller > seller_tier > global.
type RuleScope string

const (
	RuleScopeGlobal     RuleScope = "global"
	RuleScopeCategory   RuleScope = "category"
	RuleScopeSeller     RuleScope = "seller"
	RuleScopeSellerTier RuleScope = "seller_tier"
)

// IsValid reports whether the scope is one of the known values.
func (s RuleScope) IsValid() bool {
	switch s {
	case RuleScopeGlobal, RuleScopeCategory, RuleScopeSeller, RuleScopeSellerTier:
		return true
	}
	return false
}

// Specificity returns the resolution precedence of the scope. Higher wins.
func (s RuleScope) Specificity() int {
	switch s {
	case RuleScopeCategory:
		return 4
	case RuleScopeSeller:
		return 3
	case RuleScopeSellerTier:
		return 2
	case RuleScopeGlobal:
		return 1
	default:
		return 0
	}
}

// CommissionRule maps to the `commission_rules` table. Historical values are
// superseded by date-ranging new rules, never by editing old ones.
type CommissionRule struct {
	ID             uuid.UUID  `json:"id"`
	Scope          RuleScope  `json:"scope"`
	CategoryID     *uuid.UUID `json:"category_id,omitempty"`
	StoreID        *uuid.UUID `json:"store_id,omitempty"`
	SellerTier     *string    `json:"seller_tier,omitempty"`
	Percent        float64    `json:"percent"`         // 0-100, two-decimal precision
	FixedFeeCents  int64      `json:"fixed_fee_cents"` // in cents
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"` // nil = open-ended
	Priority       int        `json:"priority"`
	IsActive       bool       `json:"is_active"`
	CreatedBy      string     `json:"created_by"`
	UpdatedBy      *string    `json:"updated_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScopeKey returns a comparable identity for the rule's applicability scope.
// Two rules with the same ScopeKey target the same population and therefore
// conflict when their effective-date ranges overlap.
func (r *CommissionRule) ScopeKey() string {
	switch r.Scope {
	case RuleScopeCategory:
		if r.CategoryID != nil {
			return "category:" + r.CategoryID.String()
		}
	case RuleScopeSeller:
		if r.StoreID != nil {
			return "seller:" + r.StoreID.String()
		}
	case RuleScopeSellerTier:
		if r.SellerTier != nil {
			return "seller_tier:" + strings.ToLower(strings.TrimSpace(*r.SellerTier))
		}
	}
	return "global"
}

// OverlapsRange reports whether the rule's effective range overlaps
// [from, until). A nil `until` (and a nil rule end) is treated as +infinity.
func (r *CommissionRule) OverlapsRange(from time.Time, until *time.Time) bool {
	if r.EffectiveUntil != nil && !from.Before(*r.EffectiveUntil) {
		return false
	}
	if until != nil && !r.EffectiveFrom.Before(*until) {
		return false
	}
	return true
}

// AppliesOn reports whether the rule is in effect on the given date.
func (r *CommissionRule) AppliesOn(date time.Time) bool {
	if date.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && date.After(*r.EffectiveUntil) {
		return false
	}
	return true
}

// CommissionTransactionType distinguishes the initial charge from the
// compensating entry recorded when part of the payment is refunded.
type CommissionTransactionType string

const (
	CommissionTypeInitial          CommissionTransactionType = "initial"
	CommissionTypeRefundAdjustment CommissionTransactionType = "refund_adjustment"
)

// CommissionTransaction maps to the `commission_transactions` table.
// Rows are immutable: refunds append a `refund_adjustment` row referencing
// the original, they never rewrite it.
type CommissionTransaction struct {
	ID                  uuid.UUID                 `json:"id"`
	EscrowTransactionID uuid.UUID                 `json:"escrow_transaction_id"`
	RuleID              *uuid.UUID                `json:"rule_id,omitempty"` // nil when the platform default applied
	Source              RuleScope                 `json:"source"`
	Type                CommissionTransactionType `json:"type"`
	OriginalID          *uuid.UUID                `json:"original_id,omitempty"` // set on refund adjustments
	GrossAmountCents    int64                     `json:"gross_amount_cents"`
	Percent             float64                   `json:"percent"`
	FixedFeeCents       int64                     `json:"fixed_fee_cents"`
	CommissionCents     int64                     `json:"commission_cents"`
	CreatedAt           time.Time                 `json:"created_at"`
}

// ResolvedCommission is the outcome of commission rule resolution for one
// transaction context.
type ResolvedCommission struct {
	Percent       float64    `json:"percent"`
	FixedFeeCents int64      `json:"fixed_fee_cents"`
	RuleID        *uuid.UUID `json:"rule_id,omitempty"` // nil when the platform default applied
	Source        RuleScope  `json:"source"`
}

// CreateCommissionRulePayload is the DTO for the admin rule-creation endpoint.
type CreateCommissionRulePayload struct {
	Scope          RuleScope  `json:"scope"`
	CategoryID     *uuid.UUID `json:"category_id,omitempty"`
	StoreID        *uuid.UUID `json:"store_id,omitempty"`
	SellerTier     *string    `json:"seller_tier,omitempty"`
	Percent        float64    `json:"percent"`
	FixedFeeCents  int64      `json:"fixed_fee_cents"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	Priority       int        `json:"priority"`
}

// RuleConflictError is returned when a rule write would overlap an existing
// active rule with the same applicability scope at the same priority.
type RuleConflictError struct {
	ConflictingRuleIDs []uuid.UUID
}

func (e *RuleConflictError) Error() string {
	ids := make([]string, 0, len(e.ConflictingRuleIDs))
	for _, id := range e.ConflictingRuleIDs {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("commission rule conflicts with existing rule(s): %s", strings.Join(ids, ", "))
}

// ValidationError is a recoverable, caller's-fault failure. It carries a
// human-readable reason for the calling UI and never accompanies a partial
// write.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
