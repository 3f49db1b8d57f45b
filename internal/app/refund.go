/**
 * @description
 * Refund reconciliation. A refund is two-phase: the payment provider is
 * asked to return funds first, and only on provider success are the three
 * ledger writes (escrow refunded-amount bump, commission adjustment, refund
 * row completion) committed in one database transaction.
 *
 * @notes
 * - A provider failure leaves the ledgers untouched: the refund row is
 *   marked failed with the provider's error and every balance stays as it
 *   was.
 * - Concurrent refunds against the same escrow serialize on the row lock
 *   inside store.CompleteRefund; transient serialization conflicts get a
 *   bounded retry here.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradora/settlement-service/internal/domain"
	"github.com/tradora/settlement-service/internal/store"
	"github.com/tradora/settlement-service/pkg/rabbitmq"
)

// PaymentProvider is the subset of the provider client the settlement flows
// need. Declared here so tests can stub the provider without HTTP.
type PaymentProvider interface {
	ProcessRefund(ctx context.Context, amountCents int64, originalTransactionRef, reason string) (string, error)
	ProcessPayout(ctx context.Context, amountCents int64, method, methodDetails, reference string) (string, error)
}

// RefundRateLimiter throttles refund submissions per initiator.
type RefundRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitError is returned when an initiator exceeds the refund submission
// limit. The API layer maps it to 429 with a Retry-After header.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("refund rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// RefundService coordinates provider refunds with the ledger commit.
type RefundService struct {
	repo     store.Repository
	provider PaymentProvider
	producer rabbitmq.Publisher
	exchange string

	commission *CommissionService

	toleranceCents  int64
	conflictRetries int

	rateLimiter        RefundRateLimiter
	rateLimitPerMinute int
}

// NewRefundService creates a new RefundService. rateLimiter may be nil when
// Redis is not configured; throttling is then disabled.
func NewRefundService(
	repo store.Repository,
	provider PaymentProvider,
	commission *CommissionService,
	producer rabbitmq.Publisher,
	exchange string,
	toleranceCents int64,
	conflictRetries int,
	rateLimiter RefundRateLimiter,
	rateLimitPerMinute int,
) *RefundService {
	if conflictRetries <= 0 {
		conflictRetries = 1
	}
	return &RefundService{
		repo:               repo,
		provider:           provider,
		commission:         commission,
		producer:           producer,
		exchange:           exchange,
		toleranceCents:     toleranceCents,
		conflictRetries:    conflictRetries,
		rateLimiter:        rateLimiter,
		rateLimitPerMinute: rateLimitPerMinute,
	}
}

// ProcessFullRefund refunds everything still refundable on a sub-order's
// escrow. The returned transaction may carry a failed status when the
// provider declined; the ledgers are untouched in that case.
func (s *RefundService) ProcessFullRefund(ctx context.Context, payload domain.FullRefundPayload) (*domain.RefundTransaction, error) {
	escrow, err := s.repo.GetEscrowBySubOrderID(ctx, payload.SubOrderID)
	if err != nil {
		return nil, err
	}
	amount := escrow.RemainingRefundableCents()
	if amount <= 0 {
		return nil, domain.NewValidationError("sub-order %s is already fully refunded", payload.SubOrderID)
	}
	return s.processRefund(ctx, escrow, domain.RefundTypeFull, amount, payload.Reason, payload.InitiatorID, nil)
}

// ProcessPartialRefund refunds part of a sub-order's escrow, typically for a
// single returned item.
func (s *RefundService) ProcessPartialRefund(ctx context.Context, payload domain.PartialRefundPayload) (*domain.RefundTransaction, error) {
	if payload.AmountCents <= 0 {
		return nil, domain.NewValidationError("refund amount must be positive, got %d", payload.AmountCents)
	}
	escrow, err := s.repo.GetEscrowBySubOrderID(ctx, payload.SubOrderID)
	if err != nil {
		return nil, err
	}
	if payload.AmountCents > escrow.RemainingRefundableCents()+s.toleranceCents {
		return nil, domain.NewValidationError(
			"refund of %d exceeds remaining refundable balance %d",
			payload.AmountCents, escrow.RemainingRefundableCents(),
		)
	}
	return s.processRefund(ctx, escrow, domain.RefundTypePartial, payload.AmountCents, payload.Reason, payload.InitiatorID, payload.ReturnRequestID)
}

func (s *RefundService) processRefund(
	ctx context.Context,
	escrow *domain.EscrowTransaction,
	refundType domain.RefundType,
	amountCents int64,
	reason string,
	initiatorID uuid.UUID,
	returnRequestID *uuid.UUID,
) (*domain.RefundTransaction, error) {
	if !escrow.Status.Refundable() {
		return nil, domain.NewValidationError("escrow for sub-order %s is not refundable in status %q", escrow.SubOrderID, escrow.Status)
	}

	if s.rateLimiter != nil && s.rateLimitPerMinute > 0 && initiatorID != uuid.Nil {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "refund_submit", initiatorID.String(), s.rateLimitPerMinute, time.Minute)
		if err != nil {
			// Redis trouble must not block refunds; log and continue.
			log.Printf("level=warn component=refund_service msg=\"rate limiter unavailable; allowing refund\" initiator_id=%s err=%v", initiatorID, err)
		} else if count > s.rateLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	now := time.Now()
	refund := &domain.RefundTransaction{
		ID:                  uuid.New(),
		EscrowTransactionID: escrow.ID,
		SubOrderID:          escrow.SubOrderID,
		Type:                refundType,
		AmountCents:         amountCents,
		Status:              domain.RefundRequested,
		Reason:              reason,
		InitiatorID:         initiatorID,
		ReturnRequestID:     returnRequestID,
		RequestedAt:         now,
	}
	if err := s.repo.CreateRefundTransaction(ctx, refund); err != nil {
		return nil, fmt.Errorf("failed to create refund transaction: %w", err)
	}
	if err := s.repo.MarkRefundProcessing(ctx, refund.ID); err != nil {
		return nil, err
	}
	refund.Status = domain.RefundProcessing

	providerRefundID, providerErr := s.provider.ProcessRefund(ctx, amountCents, escrow.PaymentID.String(), reason)
	if providerErr != nil {
		return s.failRefund(ctx, refund, escrow, providerErr)
	}

	adjustment := s.buildAdjustment(ctx, escrow, amountCents)

	params := store.CompleteRefundParams{
		RefundID:             refund.ID,
		EscrowTransactionID:  escrow.ID,
		AmountCents:          amountCents,
		ToleranceCents:       s.toleranceCents,
		CommissionAdjustment: adjustment,
		ProviderRefundID:     providerRefundID,
		CompletedAt:          time.Now(),
	}

	var updatedEscrow *domain.EscrowTransaction
	var commitErr error
	for attempt := 1; attempt <= s.conflictRetries; attempt++ {
		updatedEscrow, commitErr = s.repo.CompleteRefund(ctx, params)
		if commitErr == nil || !store.IsTransientConflict(commitErr) {
			break
		}
		log.Printf("level=warn component=refund_service msg=\"transient conflict committing refund; retrying\" refund_id=%s attempt=%d err=%v", refund.ID, attempt, commitErr)
	}
	if commitErr != nil {
		// The provider has already moved the money. Failing here means the
		// provider's books and ours disagree until an operator reconciles.
		log.Printf("level=critical component=refund_service msg=\"provider refunded but ledger commit failed\" refund_id=%s provider_refund_id=%s err=%v", refund.ID, providerRefundID, commitErr)
		if markErr := s.repo.MarkRefundFailed(ctx, refund.ID, fmt.Sprintf("ledger commit rejected after provider refund %s: %v", providerRefundID, commitErr)); markErr != nil {
			log.Printf("level=error component=refund_service msg=\"failed to mark refund failed\" refund_id=%s err=%v", refund.ID, markErr)
		}
		return nil, fmt.Errorf("provider refund %s succeeded but ledger commit failed: %w", providerRefundID, commitErr)
	}

	completedAt := params.CompletedAt
	refund.Status = domain.RefundCompleted
	refund.ProviderRefundID = &providerRefundID
	refund.CompletedAt = &completedAt

	log.Printf("level=info component=refund_service msg=\"refund completed\" refund_id=%s sub_order_id=%s amount=%d escrow_status=%s",
		refund.ID, refund.SubOrderID, refund.AmountCents, updatedEscrow.Status)

	s.publishRefundEvent(ctx, domain.EventRefundCompleted, refund, escrow.StoreID, nil)
	return refund, nil
}

// buildAdjustment loads the initial commission row and derives the
// compensating entry for this refund. A missing initial row is a broken
// invariant; the refund still completes but with no adjustment, loudly.
func (s *RefundService) buildAdjustment(ctx context.Context, escrow *domain.EscrowTransaction, amountCents int64) *domain.CommissionTransaction {
	original, err := s.repo.GetInitialCommissionByEscrowID(ctx, escrow.ID)
	if err != nil {
		log.Printf("level=critical component=refund_service msg=\"no initial commission row for escrow; refund will not adjust commission\" escrow_id=%s err=%v", escrow.ID, err)
		return nil
	}
	return s.commission.BuildRefundAdjustment(original, amountCents)
}

func (s *RefundService) failRefund(ctx context.Context, refund *domain.RefundTransaction, escrow *domain.EscrowTransaction, providerErr error) (*domain.RefundTransaction, error) {
	reason := providerErr.Error()
	if err := s.repo.MarkRefundFailed(ctx, refund.ID, reason); err != nil {
		log.Printf("level=error component=refund_service msg=\"failed to record refund failure\" refund_id=%s err=%v", refund.ID, err)
		return nil, err
	}
	refund.Status = domain.RefundFailed
	refund.FailureReason = &reason

	log.Printf("level=warn component=refund_service msg=\"provider declined refund\" refund_id=%s sub_order_id=%s amount=%d err=%v",
		refund.ID, refund.SubOrderID, refund.AmountCents, providerErr)

	s.publishRefundEvent(ctx, domain.EventRefundFailed, refund, escrow.StoreID, &reason)
	return refund, nil
}

// RefundReconciliation compares the escrow row's refunded counter against
// the sum of its completed refund attempts.
type RefundReconciliation struct {
	SubOrderID              uuid.UUID `json:"sub_order_id"`
	EscrowRefundedCents     int64     `json:"escrow_refunded_cents"`
	CompletedRefundSumCents int64     `json:"completed_refund_sum_cents"`
	Consistent              bool      `json:"consistent"`
}

// ReconcileSubOrder cross-checks a sub-order's refund bookkeeping. The two
// figures are written in the same transaction, so any drift means manual
// intervention happened and an operator should look.
func (s *RefundService) ReconcileSubOrder(ctx context.Context, subOrderID uuid.UUID) (*RefundReconciliation, error) {
	escrow, err := s.repo.GetEscrowBySubOrderID(ctx, subOrderID)
	if err != nil {
		return nil, err
	}
	sum, err := s.repo.SumCompletedRefundsBySubOrder(ctx, subOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum completed refunds: %w", err)
	}
	rec := &RefundReconciliation{
		SubOrderID:              subOrderID,
		EscrowRefundedCents:     escrow.RefundedAmountCents,
		CompletedRefundSumCents: sum,
		Consistent:              escrow.RefundedAmountCents == sum,
	}
	if !rec.Consistent {
		log.Printf("level=error component=refund_service msg=\"refund bookkeeping drift\" sub_order_id=%s escrow_refunded=%d refund_sum=%d",
			subOrderID, rec.EscrowRefundedCents, rec.CompletedRefundSumCents)
	}
	return rec, nil
}

// GetRefund returns one refund transaction.
func (s *RefundService) GetRefund(ctx context.Context, refundID uuid.UUID) (*domain.RefundTransaction, error) {
	return s.repo.GetRefundTransactionByID(ctx, refundID)
}

// ListBySubOrder returns every refund attempt against a sub-order.
func (s *RefundService) ListBySubOrder(ctx context.Context, subOrderID uuid.UUID) ([]domain.RefundTransaction, error) {
	return s.repo.ListRefundsBySubOrder(ctx, subOrderID)
}

func (s *RefundService) publishRefundEvent(ctx context.Context, routingKey string, refund *domain.RefundTransaction, storeID uuid.UUID, failureReason *string) {
	if s.producer == nil {
		return
	}
	event := domain.RefundEvent{
		RefundTransactionID: refund.ID,
		SubOrderID:          refund.SubOrderID,
		StoreID:             storeID,
		AmountCents:         refund.AmountCents,
		Status:              string(refund.Status),
		FailureReason:       failureReason,
		OccurredAt:          time.Now(),
	}
	if err := s.producer.Publish(ctx, s.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=refund_service msg=\"failed to publish refund event\" routing_key=%s refund_id=%s err=%v", routingKey, refund.ID, err)
	}
}
