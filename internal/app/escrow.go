/**
 * @description
 * Escrow ledger service. Allocation splits a confirmed sub-order payment
 * into commission and net amounts and opens a pending_clearance escrow row;
 * clearance transitions rows to eligible_for_payout once the platform's
 * clearance window has elapsed.
 *
 * @notes
 * - Allocation is idempotent on sub_order_id: a duplicate allocation
 *   surfaces store.ErrDuplicateAllocation and writes nothing.
 * - Event publishing is best-effort. A dropped event never rolls back a
 *   ledger write.
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

// EscrowService owns the escrow transaction lifecycle.
type EscrowService struct {
	repo       store.Repository
	commission *CommissionService
	producer   rabbitmq.Publisher
	exchange   string

	// clearanceWindow is how long allocated funds are held before becoming
	// eligible for payout.
	clearanceWindow time.Duration
}

// NewEscrowService creates a new EscrowService.
func NewEscrowService(repo store.Repository, commission *CommissionService, producer rabbitmq.Publisher, exchange string, clearanceWindow time.Duration) *EscrowService {
	return &EscrowService{
		repo:            repo,
		commission:      commission,
		producer:        producer,
		exchange:        exchange,
		clearanceWindow: clearanceWindow,
	}
}

// Allocate records a confirmed sub-order payment: it resolves the commission
// terms for the transaction context, computes the platform's cut, and opens a
// pending_clearance escrow row together with its initial commission ledger
// row in one database transaction.
func (s *EscrowService) Allocate(ctx context.Context, payload domain.AllocateEscrowPayload) (*domain.EscrowTransaction, error) {
	if payload.GrossAmountCents <= 0 {
		return nil, domain.NewValidationError("gross amount must be positive, got %d", payload.GrossAmountCents)
	}
	if payload.PaymentID == uuid.Nil || payload.SubOrderID == uuid.Nil || payload.StoreID == uuid.Nil {
		return nil, domain.NewValidationError("payment_id, sub_order_id and store_id are required")
	}

	now := time.Now()
	resolved, err := s.commission.Resolve(ctx, now, payload.StoreID, payload.CategoryID, payload.SellerTier)
	if err != nil {
		return nil, err
	}

	commission := commissionCents(payload.GrossAmountCents, resolved.Percent, resolved.FixedFeeCents)
	if commission > payload.GrossAmountCents {
		// A fixed fee can exceed a tiny order. The platform's cut is capped
		// at the gross so the seller's net never goes negative.
		log.Printf("level=warn component=escrow_service msg=\"commission capped at gross\" sub_order_id=%s gross=%d commission=%d", payload.SubOrderID, payload.GrossAmountCents, commission)
		commission = payload.GrossAmountCents
	}

	escrow := &domain.EscrowTransaction{
		ID:               uuid.New(),
		PaymentID:        payload.PaymentID,
		SubOrderID:       payload.SubOrderID,
		StoreID:          payload.StoreID,
		GrossAmountCents: payload.GrossAmountCents,
		CommissionCents:  commission,
		NetAmountCents:   payload.GrossAmountCents - commission,
		Status:           domain.EscrowPendingClearance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	initial := s.commission.BuildInitial(escrow.ID, payload.GrossAmountCents, commission, resolved)
	if err := s.repo.AllocateEscrow(ctx, escrow, initial); err != nil {
		return nil, err
	}

	log.Printf("level=info component=escrow_service msg=\"escrow allocated\" escrow_id=%s sub_order_id=%s store_id=%s gross=%d commission=%d net=%d source=%s",
		escrow.ID, escrow.SubOrderID, escrow.StoreID, escrow.GrossAmountCents, escrow.CommissionCents, escrow.NetAmountCents, resolved.Source)

	s.publishEscrowEvent(ctx, domain.EventEscrowAllocated, escrow)
	return escrow, nil
}

// MarkEligible releases one escrow row from clearance: a pending_clearance
// row becomes eligible_for_payout, a partially refunded row keeps its status
// and only gets its clearance release recorded. Calling it on a row that was
// already released is a no-op.
func (s *EscrowService) MarkEligible(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error) {
	transitioned, err := s.repo.MarkEscrowEligible(ctx, escrowID, time.Now())
	if err != nil {
		return nil, err
	}
	escrow, err := s.repo.GetEscrowByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		log.Printf("level=info component=escrow_service msg=\"escrow eligible for payout\" escrow_id=%s store_id=%s", escrow.ID, escrow.StoreID)
		s.publishEscrowEvent(ctx, domain.EventEscrowEligible, escrow)
	}
	return escrow, nil
}

// ReleaseClearedFunds is the clearance sweep: every unreleased row older
// than the clearance window is released for payout, partially refunded rows
// included. It returns the number of rows released.
func (s *EscrowService) ReleaseClearedFunds(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.Add(-s.clearanceWindow)
	released, err := s.repo.ReleaseClearedEscrow(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release cleared escrow: %w", err)
	}
	for i := range released {
		s.publishEscrowEvent(ctx, domain.EventEscrowEligible, &released[i])
	}
	return len(released), nil
}

// GetByID returns one escrow transaction.
func (s *EscrowService) GetByID(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error) {
	return s.repo.GetEscrowByID(ctx, escrowID)
}

// GetBySubOrder returns the escrow transaction for a sub-order.
func (s *EscrowService) GetBySubOrder(ctx context.Context, subOrderID uuid.UUID) (*domain.EscrowTransaction, error) {
	return s.repo.GetEscrowBySubOrderID(ctx, subOrderID)
}

// ListByStore returns a store's escrow rows, newest first.
func (s *EscrowService) ListByStore(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]domain.EscrowTransaction, error) {
	return s.repo.ListEscrowByStore(ctx, storeID, limit, offset)
}

func (s *EscrowService) publishEscrowEvent(ctx context.Context, routingKey string, escrow *domain.EscrowTransaction) {
	if s.producer == nil {
		return
	}
	event := domain.EscrowEvent{
		EscrowTransactionID: escrow.ID,
		SubOrderID:          escrow.SubOrderID,
		StoreID:             escrow.StoreID,
		GrossAmountCents:    escrow.GrossAmountCents,
		NetAmountCents:      escrow.NetAmountCents,
		Status:              string(escrow.Status),
		OccurredAt:          time.Now(),
	}
	if err := s.producer.Publish(ctx, s.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=escrow_service msg=\"failed to publish escrow event\" routing_key=%s escrow_id=%s err=%v", routingKey, escrow.ID, err)
	}
}
