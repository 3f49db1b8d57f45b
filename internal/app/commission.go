/**
 * @description
 * Commission rule resolution and the append-only commission ledger. The
 * resolver picks the single rule that applies to a transaction context
 * (category, then seller, then seller tier, then global) and the ledger
 * records one immutable row per gross payment plus a compensating
 * `refund_adjustment` row for every refund.
 *
 * @notes
 * - Rule writes are rejected, not merged, when they overlap an existing
 *   active rule at the same scope and priority. Ambiguity is a configuration
 *   error surfaced to the admin, never resolved silently at charge time.
 * - The platform default percentage is injected from configuration and
 *   validated at startup; Resolve never invents a fallback of its own.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradora/settlement-service/internal/domain"
	"github.com/tradora/settlement-service/internal/store"
)

// maxRulePercent is the upper bound for a commission percentage.
const maxRulePercent = 100.0

// commissionCents computes the platform's cut of a gross amount:
// round-half-up of gross * percent / 100, plus the fixed fee.
func commissionCents(grossCents int64, percent float64, fixedFeeCents int64) int64 {
	pct := int64(math.Round(float64(grossCents) * percent / 100.0))
	return pct + fixedFeeCents
}

// proportionalAdjustmentCents computes the commission to reverse for a
// partial refund: the original commission scaled by the refunded share of
// the gross amount, rounded half-up. A zero or negative original gross
// yields zero rather than a division error.
func proportionalAdjustmentCents(originalCommissionCents, refundPortionCents, originalGrossCents int64) int64 {
	if originalGrossCents <= 0 {
		return 0
	}
	return int64(math.Round(float64(originalCommissionCents) * float64(refundPortionCents) / float64(originalGrossCents)))
}

// CommissionService resolves commission rules and maintains the commission
// ledger.
type CommissionService struct {
	repo store.Repository

	// defaultPercent is the platform-wide fallback applied when no rule
	// matches at any scope. Validated non-negative at startup.
	defaultPercent float64
}

// NewCommissionService creates a new CommissionService.
func NewCommissionService(repo store.Repository, defaultPercent float64) *CommissionService {
	return &CommissionService{repo: repo, defaultPercent: defaultPercent}
}

// Resolve returns the commission terms for a transaction context at a point
// in time. Matching rules are ranked by scope specificity (category > seller
// > seller tier > global), then priority descending, then the most recent
// effective_from; the result is deterministic for a fixed rule set.
func (s *CommissionService) Resolve(ctx context.Context, at time.Time, storeID uuid.UUID, categoryID *uuid.UUID, sellerTier *string) (*domain.ResolvedCommission, error) {
	rules, err := s.repo.FindActiveRulesOn(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("failed to load active commission rules: %w", err)
	}

	matches := make([]domain.CommissionRule, 0, len(rules))
	for _, r := range rules {
		if ruleMatchesContext(&r, storeID, categoryID, sellerTier) {
			matches = append(matches, r)
		}
	}

	if len(matches) == 0 {
		return &domain.ResolvedCommission{
			Percent:       s.defaultPercent,
			FixedFeeCents: 0,
			RuleID:        nil,
			Source:        domain.RuleScopeGlobal,
		}, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := &matches[i], &matches[j]
		if sa, sb := a.Scope.Specificity(), b.Scope.Specificity(); sa != sb {
			return sa > sb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.After(b.EffectiveFrom)
		}
		// Last resort so the sort is a total order.
		return a.ID.String() < b.ID.String()
	})

	winner := matches[0]
	ruleID := winner.ID
	return &domain.ResolvedCommission{
		Percent:       winner.Percent,
		FixedFeeCents: winner.FixedFeeCents,
		RuleID:        &ruleID,
		Source:        winner.Scope,
	}, nil
}

func ruleMatchesContext(r *domain.CommissionRule, storeID uuid.UUID, categoryID *uuid.UUID, sellerTier *string) bool {
	switch r.Scope {
	case domain.RuleScopeGlobal:
		return true
	case domain.RuleScopeCategory:
		return categoryID != nil && r.CategoryID != nil && *r.CategoryID == *categoryID
	case domain.RuleScopeSeller:
		return r.StoreID != nil && *r.StoreID == storeID
	case domain.RuleScopeSellerTier:
		return sellerTier != nil && r.SellerTier != nil && normalizeTier(*r.SellerTier) == normalizeTier(*sellerTier)
	}
	return false
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

// CreateRule validates and persists a new commission rule. A rule whose
// effective range overlaps an existing active rule at the same scope and
// priority is rejected with a RuleConflictError listing the offenders.
func (s *CommissionService) CreateRule(ctx context.Context, payload domain.CreateCommissionRulePayload, createdBy string) (*domain.CommissionRule, error) {
	if err := validateRulePayload(&payload); err != nil {
		return nil, err
	}

	now := time.Now()
	rule := &domain.CommissionRule{
		ID:             uuid.New(),
		Scope:          payload.Scope,
		CategoryID:     payload.CategoryID,
		StoreID:        payload.StoreID,
		SellerTier:     payload.SellerTier,
		Percent:        payload.Percent,
		FixedFeeCents:  payload.FixedFeeCents,
		EffectiveFrom:  payload.EffectiveFrom,
		EffectiveUntil: payload.EffectiveUntil,
		Priority:       payload.Priority,
		IsActive:       true,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.rejectConflicts(ctx, rule); err != nil {
		return nil, err
	}

	if err := s.repo.CreateCommissionRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create commission rule: %w", err)
	}
	log.Printf("level=info component=commission_service msg=\"commission rule created\" rule_id=%s scope=%s priority=%d", rule.ID, rule.Scope, rule.Priority)
	return rule, nil
}

// UpdateRule applies new terms to an existing rule. The same overlap check
// as creation applies, with the rule's own ID excluded.
func (s *CommissionService) UpdateRule(ctx context.Context, ruleID uuid.UUID, payload domain.CreateCommissionRulePayload, updatedBy string) (*domain.CommissionRule, error) {
	if err := validateRulePayload(&payload); err != nil {
		return nil, err
	}

	rule, err := s.repo.GetCommissionRuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	rule.Scope = payload.Scope
	rule.CategoryID = payload.CategoryID
	rule.StoreID = payload.StoreID
	rule.SellerTier = payload.SellerTier
	rule.Percent = payload.Percent
	rule.FixedFeeCents = payload.FixedFeeCents
	rule.EffectiveFrom = payload.EffectiveFrom
	rule.EffectiveUntil = payload.EffectiveUntil
	rule.Priority = payload.Priority
	rule.UpdatedBy = &updatedBy
	rule.UpdatedAt = time.Now()

	if rule.IsActive {
		if err := s.rejectConflicts(ctx, rule); err != nil {
			return nil, err
		}
	}

	if err := s.repo.UpdateCommissionRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update commission rule: %w", err)
	}
	log.Printf("level=info component=commission_service msg=\"commission rule updated\" rule_id=%s scope=%s", rule.ID, rule.Scope)
	return rule, nil
}

// DeactivateRule retires a rule. Rules are never deleted; historical
// commission rows keep referencing them.
func (s *CommissionService) DeactivateRule(ctx context.Context, ruleID uuid.UUID, updatedBy string) (*domain.CommissionRule, error) {
	rule, err := s.repo.GetCommissionRuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.IsActive {
		return rule, nil
	}
	rule.IsActive = false
	rule.UpdatedBy = &updatedBy
	rule.UpdatedAt = time.Now()
	if err := s.repo.UpdateCommissionRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to deactivate commission rule: %w", err)
	}
	log.Printf("level=info component=commission_service msg=\"commission rule deactivated\" rule_id=%s", rule.ID)
	return rule, nil
}

// GetRule returns a single rule by ID.
func (s *CommissionService) GetRule(ctx context.Context, ruleID uuid.UUID) (*domain.CommissionRule, error) {
	return s.repo.GetCommissionRuleByID(ctx, ruleID)
}

// ListRules returns rules for the admin UI, newest first.
func (s *CommissionService) ListRules(ctx context.Context, activeOnly bool, limit, offset int) ([]domain.CommissionRule, error) {
	return s.repo.ListCommissionRules(ctx, activeOnly, limit, offset)
}

func (s *CommissionService) rejectConflicts(ctx context.Context, rule *domain.CommissionRule) error {
	conflicts, err := s.repo.FindOverlappingActiveRules(ctx, rule)
	if err != nil {
		return fmt.Errorf("failed to check rule overlaps: %w", err)
	}
	if len(conflicts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}
	return &domain.RuleConflictError{ConflictingRuleIDs: ids}
}

func validateRulePayload(p *domain.CreateCommissionRulePayload) error {
	if !p.Scope.IsValid() {
		return domain.NewValidationError("invalid rule scope: %q", p.Scope)
	}
	switch p.Scope {
	case domain.RuleScopeCategory:
		if p.CategoryID == nil {
			return domain.NewValidationError("category-scoped rule requires category_id")
		}
	case domain.RuleScopeSeller:
		if p.StoreID == nil {
			return domain.NewValidationError("seller-scoped rule requires store_id")
		}
	case domain.RuleScopeSellerTier:
		if p.SellerTier == nil || normalizeTier(*p.SellerTier) == "" {
			return domain.NewValidationError("tier-scoped rule requires seller_tier")
		}
	}
	if p.Percent < 0 || p.Percent > maxRulePercent {
		return domain.NewValidationError("percent must be between 0 and 100, got %.2f", p.Percent)
	}
	if p.FixedFeeCents < 0 {
		return domain.NewValidationError("fixed fee must not be negative")
	}
	if p.EffectiveFrom.IsZero() {
		return domain.NewValidationError("effective_from is required")
	}
	if p.EffectiveUntil != nil && !p.EffectiveUntil.After(p.EffectiveFrom) {
		return domain.NewValidationError("effective_until must be after effective_from")
	}
	return nil
}

// BuildInitial constructs (without persisting) the initial commission row for
// a newly allocated escrow transaction. Allocation inserts it in the same
// database transaction as the escrow row. commissionCharged is the escrow's
// final commission, which may be capped below the rule's nominal amount on
// tiny orders; the ledger row mirrors what was actually charged.
func (s *CommissionService) BuildInitial(escrowID uuid.UUID, grossCents, commissionCharged int64, resolved *domain.ResolvedCommission) *domain.CommissionTransaction {
	return &domain.CommissionTransaction{
		ID:                  uuid.New(),
		EscrowTransactionID: escrowID,
		RuleID:              resolved.RuleID,
		Source:              resolved.Source,
		Type:                domain.CommissionTypeInitial,
		GrossAmountCents:    grossCents,
		Percent:             resolved.Percent,
		FixedFeeCents:       resolved.FixedFeeCents,
		CommissionCents:     commissionCharged,
		CreatedAt:           time.Now(),
	}
}

// BuildRefundAdjustment constructs (without persisting) the compensating
// ledger row for a refund against the given initial commission row. The
// reversed amount is proportional to the refunded share of the gross; the
// fixed fee is reversed pro rata with the rest, never double-counted.
func (s *CommissionService) BuildRefundAdjustment(original *domain.CommissionTransaction, refundPortionCents int64) *domain.CommissionTransaction {
	originalID := original.ID
	adjustment := proportionalAdjustmentCents(original.CommissionCents, refundPortionCents, original.GrossAmountCents)
	return &domain.CommissionTransaction{
		ID:                  uuid.New(),
		EscrowTransactionID: original.EscrowTransactionID,
		RuleID:              original.RuleID,
		Source:              original.Source,
		Type:                domain.CommissionTypeRefundAdjustment,
		OriginalID:          &originalID,
		GrossAmountCents:    refundPortionCents,
		Percent:             original.Percent,
		FixedFeeCents:       original.FixedFeeCents,
		CommissionCents:     -adjustment,
		CreatedAt:           time.Now(),
	}
}

// RecordRefundAdjustment loads the original row, builds the compensating
// entry and persists it. The refund flow inlines the insert into its atomic
// commit instead; this standalone form exists for manual corrections.
func (s *CommissionService) RecordRefundAdjustment(ctx context.Context, originalTransactionID uuid.UUID, refundPortionCents int64) (*domain.CommissionTransaction, error) {
	original, err := s.repo.GetCommissionTransactionByID(ctx, originalTransactionID)
	if err != nil {
		return nil, err
	}
	if original.Type != domain.CommissionTypeInitial {
		return nil, domain.NewValidationError("refund adjustments must reference an initial commission row")
	}
	if refundPortionCents <= 0 {
		return nil, domain.NewValidationError("refund portion must be positive")
	}
	adjustment := s.BuildRefundAdjustment(original, refundPortionCents)
	if err := s.repo.CreateCommissionTransaction(ctx, adjustment); err != nil {
		return nil, fmt.Errorf("failed to record commission adjustment: %w", err)
	}
	return adjustment, nil
}

// ListLedgerByEscrow returns every commission row tied to one escrow
// transaction, oldest first.
func (s *CommissionService) ListLedgerByEscrow(ctx context.Context, escrowID uuid.UUID) ([]domain.CommissionTransaction, error) {
	return s.repo.ListCommissionTransactionsByEscrowID(ctx, escrowID)
}

// ListLedger returns commission rows in a reporting window.
func (s *CommissionService) ListLedger(ctx context.Context, from, to time.Time, limit, offset int) ([]domain.CommissionTransaction, error) {
	return s.repo.ListCommissionTransactions(ctx, from, to, limit, offset)
}
