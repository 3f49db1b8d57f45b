/**
 * @description
 * Event payloads published to RabbitMQ for asynchronous consumers
 * (notification delivery, admin reporting projections). The settlement
 * service only publishes; it never consumes its own events.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys used on the settlement event exchange.
const (
	EventEscrowAllocated = "escrow.allocated"
	EventEscrowEligible  = "escrow.eligible"
	EventRefundCompleted = "refund.completed"
	EventRefundFailed    = "refund.failed"
	EventPayoutCreated   = "payout.created"
	EventPayoutPaid      = "payout.paid"
	EventPayoutFailed    = "payout.failed"
)

// EscrowEvent is published when an escrow row is allocated or becomes
// eligible for payout.
type EscrowEvent struct {
	EscrowTransactionID uuid.UUID `json:"escrow_transaction_id"`
	SubOrderID          uuid.UUID `json:"sub_order_id"`
	StoreID             uuid.UUID `json:"store_id"`
	GrossAmountCents    int64     `json:"gross_amount_cents"`
	NetAmountCents      int64     `json:"net_amount_cents"`
	Status              string    `json:"status"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// RefundEvent is published when a refund attempt reaches a terminal state.
type RefundEvent struct {
	RefundTransactionID uuid.UUID `json:"refund_transaction_id"`
	SubOrderID          uuid.UUID `json:"sub_order_id"`
	StoreID             uuid.UUID `json:"store_id"`
	AmountCents         int64     `json:"amount_cents"`
	Status              string    `json:"status"`
	FailureReason       *string   `json:"failure_reason,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// PayoutEvent is published on payout creation and on terminal payout states.
type PayoutEvent struct {
	PayoutID       uuid.UUID `json:"payout_id"`
	StoreID        uuid.UUID `json:"store_id"`
	AmountCents    int64     `json:"amount_cents"`
	Status         string    `json:"status"`
	ErrorReference *string   `json:"error_reference,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
