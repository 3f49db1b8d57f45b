package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tradora/settlement-service/internal/domain"
	"github.com/tradora/settlement-service/internal/store"
)

// stubProvider fakes the payment provider for refund and payout flows.
type stubProvider struct {
	refundID    string
	refundErr   error
	refundCalls int

	payoutID    string
	payoutErr   error
	payoutCalls int
}

func (p *stubProvider) ProcessRefund(ctx context.Context, amountCents int64, originalTransactionRef, reason string) (string, error) {
	p.refundCalls++
	if p.refundErr != nil {
		return "", p.refundErr
	}
	return p.refundID, nil
}

func (p *stubProvider) ProcessPayout(ctx context.Context, amountCents int64, method, methodDetails, reference string) (string, error) {
	p.payoutCalls++
	if p.payoutErr != nil {
		return "", p.payoutErr
	}
	return p.payoutID, nil
}

// refundStubRepo captures the refund write sequence in memory.
type refundStubRepo struct {
	store.Repository
	escrow            *domain.EscrowTransaction
	initialCommission *domain.CommissionTransaction

	createdRefund    *domain.RefundTransaction
	markedProcessing bool
	failureReason    string

	completeParams *store.CompleteRefundParams
	completeErrs   []error // popped per CompleteRefund call
	completeCalls  int
}

func (r *refundStubRepo) GetEscrowBySubOrderID(ctx context.Context, subOrderID uuid.UUID) (*domain.EscrowTransaction, error) {
	if r.escrow == nil || r.escrow.SubOrderID != subOrderID {
		return nil, store.ErrEscrowNotFound
	}
	return r.escrow, nil
}

func (r *refundStubRepo) CreateRefundTransaction(ctx context.Context, refund *domain.RefundTransaction) error {
	r.createdRefund = refund
	return nil
}

func (r *refundStubRepo) MarkRefundProcessing(ctx context.Context, refundID uuid.UUID) error {
	r.markedProcessing = true
	return nil
}

func (r *refundStubRepo) MarkRefundFailed(ctx context.Context, refundID uuid.UUID, failureReason string) error {
	r.failureReason = failureReason
	return nil
}

func (r *refundStubRepo) GetInitialCommissionByEscrowID(ctx context.Context, escrowID uuid.UUID) (*domain.CommissionTransaction, error) {
	if r.initialCommission == nil {
		return nil, store.ErrCommissionTxNotFound
	}
	return r.initialCommission, nil
}

func (r *refundStubRepo) SumCompletedRefundsBySubOrder(ctx context.Context, subOrderID uuid.UUID) (int64, error) {
	return r.escrow.RefundedAmountCents, nil
}

func (r *refundStubRepo) CompleteRefund(ctx context.Context, params store.CompleteRefundParams) (*domain.EscrowTransaction, error) {
	r.completeCalls++
	if len(r.completeErrs) > 0 {
		err := r.completeErrs[0]
		r.completeErrs = r.completeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	r.completeParams = &params
	r.escrow.RefundedAmountCents += params.AmountCents
	if r.escrow.RefundedAmountCents >= r.escrow.GrossAmountCents {
		r.escrow.Status = domain.EscrowReturnedToBuyer
	} else {
		r.escrow.Status = domain.EscrowPartiallyRefunded
	}
	return r.escrow, nil
}

func newRefundFixture() (*refundStubRepo, *stubProvider, *RefundService) {
	escrowID := uuid.New()
	repo := &refundStubRepo{
		escrow: &domain.EscrowTransaction{
			ID:               escrowID,
			PaymentID:        uuid.New(),
			SubOrderID:       uuid.New(),
			StoreID:          uuid.New(),
			GrossAmountCents: 10000,
			CommissionCents:  1030,
			NetAmountCents:   8970,
			Status:           domain.EscrowPendingClearance,
		},
		initialCommission: &domain.CommissionTransaction{
			ID:                  uuid.New(),
			EscrowTransactionID: escrowID,
			Type:                domain.CommissionTypeInitial,
			GrossAmountCents:    10000,
			Percent:             10,
			FixedFeeCents:       30,
			CommissionCents:     1030,
		},
	}
	provider := &stubProvider{refundID: "prov_ref_123"}
	commission := NewCommissionService(repo, 10)
	svc := NewRefundService(repo, provider, commission, nil, "settlement.events", 1, 3, nil, 0)
	return repo, provider, svc
}

func TestPartialRefundHappyPath(t *testing.T) {
	repo, provider, svc := newRefundFixture()

	refund, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 3000,
		Reason:      "item returned",
		InitiatorID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("ProcessPartialRefund returned error: %v", err)
	}

	if refund.Status != domain.RefundCompleted {
		t.Fatalf("refund status = %v, want completed", refund.Status)
	}
	if refund.ProviderRefundID == nil || *refund.ProviderRefundID != "prov_ref_123" {
		t.Error("refund must carry the provider's reference")
	}
	if provider.refundCalls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.refundCalls)
	}
	if !repo.markedProcessing {
		t.Error("refund must pass through processing before the provider call")
	}

	params := repo.completeParams
	if params == nil {
		t.Fatal("CompleteRefund was not called")
	}
	if params.AmountCents != 3000 {
		t.Errorf("committed amount = %d, want 3000", params.AmountCents)
	}
	if params.CommissionAdjustment == nil {
		t.Fatal("commit must carry the commission adjustment")
	}
	if params.CommissionAdjustment.CommissionCents != -309 {
		t.Errorf("adjustment = %d, want -309", params.CommissionAdjustment.CommissionCents)
	}
	if repo.escrow.Status != domain.EscrowPartiallyRefunded {
		t.Errorf("escrow status = %v, want partially_refunded", repo.escrow.Status)
	}
}

func TestFullRefundRefundsRemainingBalance(t *testing.T) {
	repo, _, svc := newRefundFixture()
	repo.escrow.RefundedAmountCents = 3000
	repo.escrow.Status = domain.EscrowPartiallyRefunded

	refund, err := svc.ProcessFullRefund(context.Background(), domain.FullRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		Reason:      "order cancelled",
		InitiatorID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("ProcessFullRefund returned error: %v", err)
	}

	if refund.AmountCents != 7000 {
		t.Errorf("full refund amount = %d, want remaining 7000", refund.AmountCents)
	}
	if repo.escrow.Status != domain.EscrowReturnedToBuyer {
		t.Errorf("escrow status = %v, want returned_to_buyer", repo.escrow.Status)
	}
	if repo.escrow.RefundedAmountCents != repo.escrow.GrossAmountCents {
		t.Errorf("refunded = %d, want gross %d", repo.escrow.RefundedAmountCents, repo.escrow.GrossAmountCents)
	}
}

func TestFullRefundRejectsAlreadyFullyRefunded(t *testing.T) {
	repo, provider, svc := newRefundFixture()
	repo.escrow.RefundedAmountCents = repo.escrow.GrossAmountCents
	repo.escrow.Status = domain.EscrowReturnedToBuyer

	_, err := svc.ProcessFullRefund(context.Background(), domain.FullRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		InitiatorID: uuid.New(),
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if provider.refundCalls != 0 {
		t.Error("provider must not be called for an exhausted escrow")
	}
}

func TestPartialRefundRejectsOverdraw(t *testing.T) {
	repo, provider, svc := newRefundFixture()
	repo.escrow.RefundedAmountCents = 9000
	repo.escrow.Status = domain.EscrowPartiallyRefunded

	_, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 2000, // remaining is 1000 (+1 tolerance)
		InitiatorID: uuid.New(),
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if provider.refundCalls != 0 {
		t.Error("provider must not be called when validation fails")
	}
	if repo.completeCalls != 0 {
		t.Error("ledger must stay untouched on a rejected refund")
	}
}

func TestPartialRefundWithinToleranceSucceeds(t *testing.T) {
	repo, _, svc := newRefundFixture()
	repo.escrow.RefundedAmountCents = 9000
	repo.escrow.Status = domain.EscrowPartiallyRefunded

	_, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 1001, // remaining 1000, tolerance 1
		InitiatorID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("refund within tolerance should succeed, got %v", err)
	}
}

func TestPartialRefundKeepsEscrowPayable(t *testing.T) {
	repo, _, svc := newRefundFixture()
	eligibleAt := time.Now().Add(-time.Hour)
	repo.escrow.Status = domain.EscrowEligibleForPayout
	repo.escrow.EligibleAt = &eligibleAt

	if _, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 3000,
		InitiatorID: uuid.New(),
	}); err != nil {
		t.Fatalf("ProcessPartialRefund returned error: %v", err)
	}

	if repo.escrow.Status != domain.EscrowPartiallyRefunded {
		t.Fatalf("escrow status = %v, want partially_refunded", repo.escrow.Status)
	}
	if !repo.escrow.Payable() {
		t.Error("a partial refund must not strand the seller's remainder")
	}
	if got := repo.escrow.PayableCents(); got != 5970 {
		t.Errorf("payable remainder = %d, want 5970", got)
	}
}

func TestRefundRejectsPaidEscrow(t *testing.T) {
	repo, provider, svc := newRefundFixture()
	repo.escrow.Status = domain.EscrowPaid

	_, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 1000,
		InitiatorID: uuid.New(),
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for paid escrow, got %v", err)
	}
	if provider.refundCalls != 0 {
		t.Error("provider must not be called for paid escrow")
	}
}

func TestProviderFailureLeavesLedgersUntouched(t *testing.T) {
	repo, provider, svc := newRefundFixture()
	provider.refundErr = errors.New("card network unavailable")

	refund, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 3000,
		InitiatorID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("a recorded provider failure is not a service error, got %v", err)
	}

	if refund.Status != domain.RefundFailed {
		t.Fatalf("refund status = %v, want failed", refund.Status)
	}
	if refund.FailureReason == nil || *refund.FailureReason != "card network unavailable" {
		t.Error("failure reason must carry the provider error")
	}
	if repo.completeCalls != 0 {
		t.Error("ledger commit must not run after a provider failure")
	}
	if repo.escrow.RefundedAmountCents != 0 {
		t.Errorf("escrow refunded = %d, want 0", repo.escrow.RefundedAmountCents)
	}
	if repo.escrow.Status != domain.EscrowPendingClearance {
		t.Errorf("escrow status = %v, want unchanged pending_clearance", repo.escrow.Status)
	}
}

func TestRefundRetriesTransientConflicts(t *testing.T) {
	repo, _, svc := newRefundFixture()
	transient := &pgconn.PgError{Code: "40001"}
	repo.completeErrs = []error{transient, transient, nil}

	refund, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 3000,
		InitiatorID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("refund should succeed after transient conflicts, got %v", err)
	}
	if refund.Status != domain.RefundCompleted {
		t.Fatalf("refund status = %v, want completed", refund.Status)
	}
	if repo.completeCalls != 3 {
		t.Errorf("CompleteRefund calls = %d, want 3", repo.completeCalls)
	}
}

func TestRefundRateLimit(t *testing.T) {
	repo, provider, svc := newRefundFixture()
	svc.rateLimiter = &stubRateLimiter{count: 31, retryAfter: 42}
	svc.rateLimitPerMinute = 30

	_, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 3000,
		InitiatorID: uuid.New(),
	})

	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.RetryAfterSeconds != 42 {
		t.Errorf("retry after = %d, want 42", rateErr.RetryAfterSeconds)
	}
	if provider.refundCalls != 0 {
		t.Error("provider must not be called when rate limited")
	}
}

func TestReconcileSubOrder(t *testing.T) {
	repo, _, svc := newRefundFixture()

	if _, err := svc.ProcessPartialRefund(context.Background(), domain.PartialRefundPayload{
		SubOrderID:  repo.escrow.SubOrderID,
		AmountCents: 3000,
		InitiatorID: uuid.New(),
	}); err != nil {
		t.Fatalf("ProcessPartialRefund returned error: %v", err)
	}

	rec, err := svc.ReconcileSubOrder(context.Background(), repo.escrow.SubOrderID)
	if err != nil {
		t.Fatalf("ReconcileSubOrder returned error: %v", err)
	}
	if !rec.Consistent {
		t.Error("counter and refund sum written together must reconcile")
	}
	if rec.EscrowRefundedCents != 3000 || rec.CompletedRefundSumCents != 3000 {
		t.Errorf("reconciliation = %d/%d, want 3000/3000", rec.EscrowRefundedCents, rec.CompletedRefundSumCents)
	}
}

type stubRateLimiter struct {
	count      int
	retryAfter int
}

func (s *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, s.retryAfter, nil
}
