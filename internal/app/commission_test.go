package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradora/settlement-service/internal/domain"
	"github.com/tradora/settlement-service/internal/store"
)

func TestCommissionCents(t *testing.T) {
	tests := []struct {
		name       string
		grossCents int64
		percent    float64
		fixedFee   int64
		want       int64
	}{
		{name: "ten percent plus thirty cents on one hundred dollars", grossCents: 10000, percent: 10, fixedFee: 30, want: 1030},
		{name: "rounds half up", grossCents: 1005, percent: 2.5, fixedFee: 0, want: 25}, // 25.125 -> 25
		{name: "half cent rounds up", grossCents: 10, percent: 5, fixedFee: 0, want: 1}, // 0.5 -> 1
		{name: "zero percent only fixed fee", grossCents: 5000, percent: 0, fixedFee: 30, want: 30},
		{name: "full percent", grossCents: 1234, percent: 100, fixedFee: 0, want: 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := commissionCents(tt.grossCents, tt.percent, tt.fixedFee)
			if got != tt.want {
				t.Fatalf("commissionCents(%d, %v, %d) = %d, want %d", tt.grossCents, tt.percent, tt.fixedFee, got, tt.want)
			}
		})
	}
}

func TestProportionalAdjustmentCents(t *testing.T) {
	tests := []struct {
		name               string
		originalCommission int64
		refundPortion      int64
		originalGross      int64
		want               int64
	}{
		// $30 refund on a $100 order with $10.30 commission reverses $3.09.
		{name: "thirty percent refund", originalCommission: 1030, refundPortion: 3000, originalGross: 10000, want: 309},
		{name: "full refund reverses everything", originalCommission: 1030, refundPortion: 10000, originalGross: 10000, want: 1030},
		{name: "zero gross yields zero", originalCommission: 1030, refundPortion: 3000, originalGross: 0, want: 0},
		{name: "rounds half up", originalCommission: 101, refundPortion: 5000, originalGross: 10000, want: 51}, // 50.5 -> 51
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proportionalAdjustmentCents(tt.originalCommission, tt.refundPortion, tt.originalGross)
			if got != tt.want {
				t.Fatalf("proportionalAdjustmentCents(%d, %d, %d) = %d, want %d",
					tt.originalCommission, tt.refundPortion, tt.originalGross, got, tt.want)
			}
		})
	}
}

// resolveStubRepo serves a fixed rule set to the resolver.
type resolveStubRepo struct {
	store.Repository
	rules []domain.CommissionRule
}

func (r *resolveStubRepo) FindActiveRulesOn(ctx context.Context, date time.Time) ([]domain.CommissionRule, error) {
	out := make([]domain.CommissionRule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.IsActive && rule.AppliesOn(date) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func makeRule(scope domain.RuleScope, percent float64, priority int, effectiveFrom time.Time) domain.CommissionRule {
	return domain.CommissionRule{
		ID:            uuid.New(),
		Scope:         scope,
		Percent:       percent,
		Priority:      priority,
		EffectiveFrom: effectiveFrom,
		IsActive:      true,
	}
}

func TestResolvePrecedence(t *testing.T) {
	now := time.Now()
	yearAgo := now.AddDate(-1, 0, 0)

	storeID := uuid.New()
	categoryID := uuid.New()
	tier := "gold"

	global := makeRule(domain.RuleScopeGlobal, 10, 0, yearAgo)
	tierRule := makeRule(domain.RuleScopeSellerTier, 8, 0, yearAgo)
	tierRule.SellerTier = &tier
	sellerRule := makeRule(domain.RuleScopeSeller, 6, 0, yearAgo)
	sellerRule.StoreID = &storeID
	categoryRule := makeRule(domain.RuleScopeCategory, 4, 0, yearAgo)
	categoryRule.CategoryID = &categoryID

	repo := &resolveStubRepo{rules: []domain.CommissionRule{global, tierRule, sellerRule, categoryRule}}
	svc := NewCommissionService(repo, 12)

	tests := []struct {
		name        string
		categoryID  *uuid.UUID
		sellerTier  *string
		wantPercent float64
		wantSource  domain.RuleScope
	}{
		{name: "category wins over everything", categoryID: &categoryID, sellerTier: &tier, wantPercent: 4, wantSource: domain.RuleScopeCategory},
		{name: "seller beats tier and global", categoryID: nil, sellerTier: &tier, wantPercent: 6, wantSource: domain.RuleScopeSeller},
		{name: "unknown category falls through to seller", categoryID: ptrUUID(uuid.New()), sellerTier: nil, wantPercent: 6, wantSource: domain.RuleScopeSeller},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := svc.Resolve(context.Background(), now, storeID, tt.categoryID, tt.sellerTier)
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if resolved.Percent != tt.wantPercent {
				t.Errorf("Resolve percent = %v, want %v", resolved.Percent, tt.wantPercent)
			}
			if resolved.Source != tt.wantSource {
				t.Errorf("Resolve source = %v, want %v", resolved.Source, tt.wantSource)
			}
		})
	}
}

func TestResolveTierBeatsGlobalOnly(t *testing.T) {
	now := time.Now()
	yearAgo := now.AddDate(-1, 0, 0)
	tier := "gold"

	global := makeRule(domain.RuleScopeGlobal, 10, 0, yearAgo)
	tierRule := makeRule(domain.RuleScopeSellerTier, 8, 0, yearAgo)
	tierRule.SellerTier = &tier

	repo := &resolveStubRepo{rules: []domain.CommissionRule{global, tierRule}}
	svc := NewCommissionService(repo, 12)

	resolved, err := svc.Resolve(context.Background(), now, uuid.New(), nil, &tier)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved.Source != domain.RuleScopeSellerTier || resolved.Percent != 8 {
		t.Fatalf("Resolve = %v/%v, want seller_tier/8", resolved.Source, resolved.Percent)
	}
}

func TestResolvePriorityAndRecencyTieBreak(t *testing.T) {
	now := time.Now()

	lowPriority := makeRule(domain.RuleScopeGlobal, 10, 1, now.AddDate(-1, 0, 0))
	highPriority := makeRule(domain.RuleScopeGlobal, 7, 5, now.AddDate(-1, 0, 0))
	repo := &resolveStubRepo{rules: []domain.CommissionRule{lowPriority, highPriority}}
	svc := NewCommissionService(repo, 12)

	resolved, err := svc.Resolve(context.Background(), now, uuid.New(), nil, nil)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved.Percent != 7 {
		t.Fatalf("priority tie-break: percent = %v, want 7", resolved.Percent)
	}

	// Same priority: the most recently effective rule wins.
	older := makeRule(domain.RuleScopeGlobal, 10, 1, now.AddDate(-2, 0, 0))
	newer := makeRule(domain.RuleScopeGlobal, 9, 1, now.AddDate(0, -1, 0))
	repo.rules = []domain.CommissionRule{older, newer}

	resolved, err = svc.Resolve(context.Background(), now, uuid.New(), nil, nil)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved.Percent != 9 {
		t.Fatalf("recency tie-break: percent = %v, want 9", resolved.Percent)
	}
}

func TestResolveFallsBackToPlatformDefault(t *testing.T) {
	repo := &resolveStubRepo{}
	svc := NewCommissionService(repo, 12.5)

	resolved, err := svc.Resolve(context.Background(), time.Now(), uuid.New(), nil, nil)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved.Percent != 12.5 {
		t.Errorf("default percent = %v, want 12.5", resolved.Percent)
	}
	if resolved.RuleID != nil {
		t.Errorf("default resolution must not reference a rule, got %v", resolved.RuleID)
	}
	if resolved.FixedFeeCents != 0 {
		t.Errorf("default fixed fee = %d, want 0", resolved.FixedFeeCents)
	}
}

// ruleWriteStubRepo records rule writes and serves configurable overlaps.
type ruleWriteStubRepo struct {
	store.Repository
	overlaps []domain.CommissionRule
	created  *domain.CommissionRule
}

func (r *ruleWriteStubRepo) FindOverlappingActiveRules(ctx context.Context, candidate *domain.CommissionRule) ([]domain.CommissionRule, error) {
	return r.overlaps, nil
}

func (r *ruleWriteStubRepo) CreateCommissionRule(ctx context.Context, rule *domain.CommissionRule) error {
	r.created = rule
	return nil
}

func TestCreateRuleRejectsConflicts(t *testing.T) {
	existing := makeRule(domain.RuleScopeGlobal, 10, 1, time.Now().AddDate(-1, 0, 0))
	repo := &ruleWriteStubRepo{overlaps: []domain.CommissionRule{existing}}
	svc := NewCommissionService(repo, 10)

	_, err := svc.CreateRule(context.Background(), domain.CreateCommissionRulePayload{
		Scope:         domain.RuleScopeGlobal,
		Percent:       12,
		EffectiveFrom: time.Now(),
		Priority:      1,
	}, "admin@platform")

	var conflictErr *domain.RuleConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected RuleConflictError, got %v", err)
	}
	if len(conflictErr.ConflictingRuleIDs) != 1 || conflictErr.ConflictingRuleIDs[0] != existing.ID {
		t.Errorf("conflict should name the existing rule %s, got %v", existing.ID, conflictErr.ConflictingRuleIDs)
	}
	if repo.created != nil {
		t.Error("conflicting rule must not be persisted")
	}
}

func TestCreateRuleValidation(t *testing.T) {
	repo := &ruleWriteStubRepo{}
	svc := NewCommissionService(repo, 10)
	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name    string
		payload domain.CreateCommissionRulePayload
	}{
		{name: "invalid scope", payload: domain.CreateCommissionRulePayload{Scope: "planet", Percent: 10, EffectiveFrom: now}},
		{name: "category scope without category", payload: domain.CreateCommissionRulePayload{Scope: domain.RuleScopeCategory, Percent: 10, EffectiveFrom: now}},
		{name: "seller scope without store", payload: domain.CreateCommissionRulePayload{Scope: domain.RuleScopeSeller, Percent: 10, EffectiveFrom: now}},
		{name: "negative percent", payload: domain.CreateCommissionRulePayload{Scope: domain.RuleScopeGlobal, Percent: -1, EffectiveFrom: now}},
		{name: "percent above hundred", payload: domain.CreateCommissionRulePayload{Scope: domain.RuleScopeGlobal, Percent: 101, EffectiveFrom: now}},
		{name: "negative fixed fee", payload: domain.CreateCommissionRulePayload{Scope: domain.RuleScopeGlobal, Percent: 10, FixedFeeCents: -1, EffectiveFrom: now}},
		{name: "end before start", payload: domain.CreateCommissionRulePayload{Scope: domain.RuleScopeGlobal, Percent: 10, EffectiveFrom: now, EffectiveUntil: &earlier}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRule(context.Background(), tt.payload, "admin@platform")
			var validationErr *domain.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestBuildRefundAdjustment(t *testing.T) {
	ruleID := uuid.New()
	original := &domain.CommissionTransaction{
		ID:                  uuid.New(),
		EscrowTransactionID: uuid.New(),
		RuleID:              &ruleID,
		Source:              domain.RuleScopeCategory,
		Type:                domain.CommissionTypeInitial,
		GrossAmountCents:    10000,
		Percent:             10,
		FixedFeeCents:       30,
		CommissionCents:     1030,
	}

	svc := NewCommissionService(&resolveStubRepo{}, 10)
	adj := svc.BuildRefundAdjustment(original, 3000)

	if adj.Type != domain.CommissionTypeRefundAdjustment {
		t.Errorf("adjustment type = %v, want refund_adjustment", adj.Type)
	}
	if adj.CommissionCents != -309 {
		t.Errorf("adjustment amount = %d, want -309", adj.CommissionCents)
	}
	if adj.OriginalID == nil || *adj.OriginalID != original.ID {
		t.Errorf("adjustment must reference the original row")
	}
	if adj.EscrowTransactionID != original.EscrowTransactionID {
		t.Errorf("adjustment must share the original's escrow transaction")
	}

	// A full refund leaves net commission zero.
	full := svc.BuildRefundAdjustment(original, 10000)
	if original.CommissionCents+full.CommissionCents != 0 {
		t.Errorf("full refund net commission = %d, want 0", original.CommissionCents+full.CommissionCents)
	}
}

func ptrUUID(id uuid.UUID) *uuid.UUID { return &id }
