/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the settlement service needs. Defining an interface decouples the
 * ledger business logic from PostgreSQL and lets tests stub persistence by
 * embedding the interface in a struct and overriding the methods they need.
 *
 * @notes
 * - Methods that implement a check-then-write (refund completion, payout
 *   creation, payout settlement) are single atomic operations here, not
 *   sequences the caller composes: the invariant check must run inside the
 *   same database transaction that performs the write.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tradora/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Commission rule methods
	CreateCommissionRule(ctx context.Context, rule *domain.CommissionRule) error
	UpdateCommissionRule(ctx context.Context, rule *domain.CommissionRule) error
	GetCommissionRuleByID(ctx context.Context, ruleID uuid.UUID) (*domain.CommissionRule, error)
	ListCommissionRules(ctx context.Context, activeOnly bool, limit, offset int) ([]domain.CommissionRule, error)
	// FindActiveRulesOn returns all active rules whose effective range covers the date.
	FindActiveRulesOn(ctx context.Context, date time.Time) ([]domain.CommissionRule, error)
	// FindOverlappingActiveRules returns active rules sharing the candidate's
	// scope whose effective ranges overlap the candidate's. The candidate's
	// own ID (when set) is excluded so updates do not conflict with themselves.
	FindOverlappingActiveRules(ctx context.Context, candidate *domain.CommissionRule) ([]domain.CommissionRule, error)

	// Commission ledger methods (append-only)
	CreateCommissionTransaction(ctx context.Context, tx *domain.CommissionTransaction) error
	GetCommissionTransactionByID(ctx context.Context, id uuid.UUID) (*domain.CommissionTransaction, error)
	GetInitialCommissionByEscrowID(ctx context.Context, escrowID uuid.UUID) (*domain.CommissionTransaction, error)
	ListCommissionTransactionsByEscrowID(ctx context.Context, escrowID uuid.UUID) ([]domain.CommissionTransaction, error)
	ListCommissionTransactions(ctx context.Context, from, to time.Time, limit, offset int) ([]domain.CommissionTransaction, error)

	// Escrow methods
	// AllocateEscrow inserts the allocation row and its initial commission
	// ledger row in one transaction; on any failure neither row is written.
	AllocateEscrow(ctx context.Context, escrow *domain.EscrowTransaction, initial *domain.CommissionTransaction) error
	GetEscrowByID(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error)
	GetEscrowBySubOrderID(ctx context.Context, subOrderID uuid.UUID) (*domain.EscrowTransaction, error)
	// MarkEscrowEligible releases one row from clearance: pending_clearance
	// moves to eligible_for_payout, a partially refunded row keeps its status
	// and gets eligible_at set. Returns false when the row was already
	// released (no-op).
	MarkEscrowEligible(ctx context.Context, escrowID uuid.UUID, at time.Time) (bool, error)
	// ReleaseClearedEscrow releases every unreleased row created at or before
	// the cutoff and returns the released rows.
	ReleaseClearedEscrow(ctx context.Context, cutoff, at time.Time) ([]domain.EscrowTransaction, error)
	ListEscrowByStore(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]domain.EscrowTransaction, error)

	// Refund methods
	CreateRefundTransaction(ctx context.Context, refund *domain.RefundTransaction) error
	GetRefundTransactionByID(ctx context.Context, refundID uuid.UUID) (*domain.RefundTransaction, error)
	MarkRefundProcessing(ctx context.Context, refundID uuid.UUID) error
	MarkRefundFailed(ctx context.Context, refundID uuid.UUID, failureReason string) error
	// CompleteRefund is the atomic commit step of a successful refund: it
	// re-validates the escrow balance under a row lock, increments the
	// refunded amount, appends the commission adjustment and completes the
	// refund row — all in one database transaction.
	CompleteRefund(ctx context.Context, params CompleteRefundParams) (*domain.EscrowTransaction, error)
	SumCompletedRefundsBySubOrder(ctx context.Context, subOrderID uuid.UUID) (int64, error)
	ListRefundsBySubOrder(ctx context.Context, subOrderID uuid.UUID) ([]domain.RefundTransaction, error)

	// Payout methods
	GetStorePayoutSettings(ctx context.Context, storeID uuid.UUID) (*domain.StorePayoutSettings, error)
	UpsertStorePayoutSettings(ctx context.Context, settings *domain.StorePayoutSettings) error
	// GetEligibleEscrowSummary sums the payable remainder (net minus
	// refunded, floored at zero) over cleared rows not yet linked to a
	// payout; partially refunded rows past clearance stay payable.
	GetEligibleEscrowSummary(ctx context.Context, storeID uuid.UUID) (amountCents int64, count int, err error)
	HasPendingPayout(ctx context.Context, storeID uuid.UUID) (bool, error)
	// CreatePayout locks the store's eligible unlinked escrow rows, re-checks
	// the threshold inside the transaction, inserts the payout and links the
	// contributing rows.
	CreatePayout(ctx context.Context, params CreatePayoutParams) (*domain.Payout, error)
	GetPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	// MarkPayoutProcessing claims a scheduled payout for provider submission.
	MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	// MarkPayoutPaid settles the payout and marks every linked escrow row paid.
	MarkPayoutPaid(ctx context.Context, payoutID uuid.UUID, externalTransactionID string, at time.Time) error
	// MarkPayoutRetryScheduled records a failed attempt with retry budget left.
	MarkPayoutRetryScheduled(ctx context.Context, payoutID uuid.UUID, failureReason string, nextRetryAt time.Time) error
	// MarkPayoutFailed records a terminal failure with a support reference.
	MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, failureReason, errorReference string) error
	ListStoresWithEligibleEscrow(ctx context.Context) ([]uuid.UUID, error)
	ListPayoutsDueForRetry(ctx context.Context, now time.Time) ([]domain.Payout, error)
	ListDueScheduledPayouts(ctx context.Context, now time.Time) ([]domain.Payout, error)
	ListPayouts(ctx context.Context, storeID *uuid.UUID, limit, offset int) ([]domain.Payout, error)
}

// CompleteRefundParams carries the three writes of a successful refund.
type CompleteRefundParams struct {
	RefundID             uuid.UUID
	EscrowTransactionID  uuid.UUID
	AmountCents          int64
	ToleranceCents       int64
	CommissionAdjustment *domain.CommissionTransaction
	ProviderRefundID     string
	CompletedAt          time.Time
}

// CreatePayoutParams carries the inputs for atomic payout creation.
type CreatePayoutParams struct {
	StoreID        uuid.UUID
	ScheduledFor   time.Time
	ThresholdCents int64
	MaxRetries     int
}
