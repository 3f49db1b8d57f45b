/**
 * @description
 * Domain models for the escrow ledger, refund transactions and payouts.
 * An EscrowTransaction is a seller's claim on the net proceeds of one
 * sub-order payment; refunds decrement a monotonic RefundedAmount counter
 * and payouts aggregate eligible rows into a single outbound transfer.
 *
 * @notes
 * - Statuses are closed typed-string enums with explicit transition checks
 *   so an invalid transition is an error at the domain boundary, not a
 *   silently accepted integer.
 * - NetAmount is fixed at allocation time (gross - commission) and never
 *   recomputed; the payable remainder is always net - refunded.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EscrowStatus is the lifecycle state of an escrow transaction.
type EscrowStatus string

const (
	EscrowPendingClearance  EscrowStatus = "pending_clearance"
	EscrowEligibleForPayout EscrowStatus = "eligible_for_payout"
	EscrowPaid              EscrowStatus = "paid"
	EscrowPartiallyRefunded EscrowStatus = "partially_refunded"
	EscrowReturnedToBuyer   EscrowStatus = "returned_to_buyer"
)

// IsValid reports whether the status is a known value.
func (s EscrowStatus) IsValid() bool {
	switch s {
	case EscrowPendingClearance, EscrowEligibleForPayout, EscrowPaid,
		EscrowPartiallyRefunded, EscrowReturnedToBuyer:
		return true
	}
	return false
}

// Refundable reports whether further refunds may be applied in this state.
// Paid escrow is not refundable: clawbacks against already-paid-out funds
// are a separate flow this service does not implement.
func (s EscrowStatus) Refundable() bool {
	switch s {
	case EscrowPendingClearance, EscrowEligibleForPayout, EscrowPartiallyRefunded:
		return true
	}
	return false
}

// EscrowTransaction maps to the `escrow_transactions` table.
// One row per seller sub-order payment; never deleted.
type EscrowTransaction struct {
	ID                  uuid.UUID    `json:"id"`
	PaymentID           uuid.UUID    `json:"payment_id"`
	SubOrderID          uuid.UUID    `json:"sub_order_id"`
	StoreID             uuid.UUID    `json:"store_id"`
	GrossAmountCents    int64        `json:"gross_amount_cents"`
	CommissionCents     int64        `json:"commission_cents"`
	NetAmountCents      int64        `json:"net_amount_cents"` // gross - commission, fixed at allocation
	RefundedAmountCents int64        `json:"refunded_amount_cents"`
	Status              EscrowStatus `json:"status"`
	EligibleAt          *time.Time   `json:"eligible_at,omitempty"`
	PayoutID            *uuid.UUID   `json:"payout_id,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Payable reports whether this row's remainder can be swept into a payout:
// the clearance window has elapsed (eligible_at is set), the row is not
// already linked to a payout, and no full refund has emptied it. A partial
// refund shrinks the remainder but never strands it.
func (e *EscrowTransaction) Payable() bool {
	if e.PayoutID != nil || e.EligibleAt == nil {
		return false
	}
	return e.Status == EscrowEligibleForPayout || e.Status == EscrowPartiallyRefunded
}

// PayableCents returns the amount still owed to the seller for this row.
func (e *EscrowTransaction) PayableCents() int64 {
	remaining := e.NetAmountCents - e.RefundedAmountCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingRefundableCents returns how much of the gross amount can still be
// refunded to the buyer.
func (e *EscrowTransaction) RemainingRefundableCents() int64 {
	remaining := e.GrossAmountCents - e.RefundedAmountCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RefundType distinguishes a full-order refund from a partial one.
type RefundType string

const (
	RefundTypeFull    RefundType = "full"
	RefundTypePartial RefundType = "partial"
)

// RefundStatus is the per-attempt refund state machine:
// requested -> processing -> completed | failed.
type RefundStatus string

const (
	RefundRequested  RefundStatus = "requested"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// Terminal reports whether the refund attempt has reached a final state.
func (s RefundStatus) Terminal() bool {
	return s == RefundCompleted || s == RefundFailed
}

// RefundTransaction maps to the `refund_transactions` table. Each row is one
// attempt; failed attempts stay on record and a retry is a new row.
type RefundTransaction struct {
	ID                  uuid.UUID    `json:"id"`
	EscrowTransactionID uuid.UUID    `json:"escrow_transaction_id"`
	SubOrderID          uuid.UUID    `json:"sub_order_id"`
	Type                RefundType   `json:"type"`
	AmountCents         int64        `json:"amount_cents"`
	Status              RefundStatus `json:"status"`
	Reason              string       `json:"reason"`
	InitiatorID         uuid.UUID    `json:"initiator_id"`
	ReturnRequestID     *uuid.UUID   `json:"return_request_id,omitempty"`
	ProviderRefundID    *string      `json:"provider_refund_id,omitempty"`
	FailureReason       *string      `json:"failure_reason,omitempty"`
	RequestedAt         time.Time    `json:"requested_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutScheduled  PayoutStatus = "scheduled"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
)

// Pending reports whether the payout still occupies the store's payout slot
// (a store with a pending payout must not get a second one generated).
func (s PayoutStatus) Pending() bool {
	return s == PayoutScheduled || s == PayoutProcessing
}

// Payout maps to the `payouts` table. One outbound transfer aggregating one
// or more eligible escrow rows for a single store.
type Payout struct {
	ID                    uuid.UUID    `json:"id"`
	StoreID               uuid.UUID    `json:"store_id"`
	AmountCents           int64        `json:"amount_cents"`
	Status                PayoutStatus `json:"status"`
	ScheduledFor          time.Time    `json:"scheduled_for"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
	ExternalTransactionID *string      `json:"external_transaction_id,omitempty"`
	RetryCount            int          `json:"retry_count"`
	MaxRetries            int          `json:"max_retries"`
	NextRetryAt           *time.Time   `json:"next_retry_at,omitempty"`
	ErrorReference        *string      `json:"error_reference,omitempty"`
	FailureReason         *string      `json:"failure_reason,omitempty"`
	EscrowTransactionIDs  []uuid.UUID  `json:"escrow_transaction_ids,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// RetryBudgetLeft reports whether another provider attempt is allowed.
func (p *Payout) RetryBudgetLeft() bool {
	return p.RetryCount < p.MaxRetries
}

// StorePayoutSettings holds the per-store payout configuration. Stores
// without a row fall back to the platform defaults.
type StorePayoutSettings struct {
	StoreID             uuid.UUID `json:"store_id"`
	MinimumPayoutCents  int64     `json:"minimum_payout_cents"`
	PayoutMethod        string    `json:"payout_method"` // e.g. 'bank_transfer'
	PayoutMethodDetails string    `json:"payout_method_details"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// EligibleBalance summarizes a store's payable escrow ahead of payout
// creation.
type EligibleBalance struct {
	StoreID          uuid.UUID `json:"store_id"`
	AmountCents      int64     `json:"amount_cents"`
	TransactionCount int       `json:"transaction_count"`
	ThresholdCents   int64     `json:"threshold_cents"`
	MeetsThreshold   bool      `json:"meets_threshold"`
}

// AllocateEscrowPayload is the DTO the order/checkout subsystem posts once a
// payment is confirmed.
type AllocateEscrowPayload struct {
	PaymentID        uuid.UUID  `json:"payment_id"`
	SubOrderID       uuid.UUID  `json:"sub_order_id"`
	StoreID          uuid.UUID  `json:"store_id"`
	CategoryID       *uuid.UUID `json:"category_id,omitempty"`
	SellerTier       *string    `json:"seller_tier,omitempty"`
	GrossAmountCents int64      `json:"gross_amount_cents"`
}

// FullRefundPayload is the DTO for a full refund of a sub-order payment.
type FullRefundPayload struct {
	SubOrderID  uuid.UUID `json:"sub_order_id"`
	Reason      string    `json:"reason"`
	InitiatorID uuid.UUID `json:"initiator_id"`
}

// PartialRefundPayload is the DTO for a partial refund request, optionally
// traceable to a return request.
type PartialRefundPayload struct {
	SubOrderID      uuid.UUID  `json:"sub_order_id"`
	AmountCents     int64      `json:"amount_cents"`
	Reason          string     `json:"reason"`
	InitiatorID     uuid.UUID  `json:"initiator_id"`
	ReturnRequestID *uuid.UUID `json:"return_request_id,omitempty"`
}

// CreatePayoutPayload is the DTO for on-demand payout creation.
type CreatePayoutPayload struct {
	StoreID      uuid.UUID  `json:"store_id"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}
