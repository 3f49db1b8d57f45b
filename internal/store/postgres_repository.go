/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. It contains all
 * SQL for the five settlement tables (commission_rules,
 * commission_transactions, escrow_transactions, refund_transactions,
 * payouts) plus per-store payout settings.
 *
 * Key features:
 * - Every balance check-then-write runs inside a transaction holding a
 *   `SELECT ... FOR UPDATE` lock on the escrow row(s), so two concurrent
 *   partial refunds can never both pass the balance check.
 * - Refund completion commits the escrow decrement, the commission
 *   adjustment and the refund-row transition as one transaction: either all
 *   three land or none do.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tradora/settlement-service/internal/domain"
)

var (
	ErrRuleNotFound         = errors.New("commission rule not found")
	ErrCommissionTxNotFound = errors.New("commission transaction not found")
	ErrEscrowNotFound       = errors.New("escrow transaction not found")
	ErrRefundNotFound       = errors.New("refund transaction not found")
	ErrPayoutNotFound       = errors.New("payout not found")
	ErrSettingsNotFound     = errors.New("store payout settings not found")
	ErrDuplicateAllocation  = errors.New("escrow already allocated for sub-order")
	ErrRefundExceedsBalance = errors.New("refund amount exceeds remaining escrow balance")
	ErrEscrowNotRefundable  = errors.New("escrow transaction is not in a refundable state")
	ErrRefundNotProcessing  = errors.New("refund transaction is not in processing state")
	ErrBelowPayoutThreshold = errors.New("eligible balance below payout threshold")
	ErrPayoutNotClaimable   = errors.New("payout is not in a claimable state")
	ErrPayoutNotProcessing  = errors.New("payout is not in processing state")
)

// IsTransientConflict reports whether the error is a retryable concurrency
// conflict (serialization failure or deadlock) rather than a logical failure.
func IsTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// --- Commission rules ---

const commissionRuleColumns = `
	id, scope, category_id, store_id, seller_tier, percent, fixed_fee_cents,
	effective_from, effective_until, priority, is_active, created_by,
	updated_by, created_at, updated_at`

func scanCommissionRule(row pgx.Row) (*domain.CommissionRule, error) {
	var rule domain.CommissionRule
	err := row.Scan(
		&rule.ID, &rule.Scope, &rule.CategoryID, &rule.StoreID, &rule.SellerTier,
		&rule.Percent, &rule.FixedFeeCents, &rule.EffectiveFrom, &rule.EffectiveUntil,
		&rule.Priority, &rule.IsActive, &rule.CreatedBy, &rule.UpdatedBy,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateCommissionRule inserts a new rule row.
func (r *PostgresRepository) CreateCommissionRule(ctx context.Context, rule *domain.CommissionRule) error {
	query := `
		INSERT INTO commission_rules (
			id, scope, category_id, store_id, seller_tier, percent, fixed_fee_cents,
			effective_from, effective_until, priority, is_active, created_by,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		rule.ID, rule.Scope, rule.CategoryID, rule.StoreID, rule.SellerTier,
		rule.Percent, rule.FixedFeeCents, rule.EffectiveFrom, rule.EffectiveUntil,
		rule.Priority, rule.IsActive, rule.CreatedBy,
	)
	return err
}

// UpdateCommissionRule updates an existing rule's configurable fields.
// Historical pricing is superseded by date-ranging, so amount fields on rules
// already referenced by the ledger should be changed via a new rule; this
// update exists for date/priority/active adjustments.
func (r *PostgresRepository) UpdateCommissionRule(ctx context.Context, rule *domain.CommissionRule) error {
	query := `
		UPDATE commission_rules
		SET percent = $2, fixed_fee_cents = $3, effective_from = $4,
			effective_until = $5, priority = $6, is_active = $7,
			updated_by = $8, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		rule.ID, rule.Percent, rule.FixedFeeCents, rule.EffectiveFrom,
		rule.EffectiveUntil, rule.Priority, rule.IsActive, rule.UpdatedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// GetCommissionRuleByID retrieves a rule by its ID.
func (r *PostgresRepository) GetCommissionRuleByID(ctx context.Context, ruleID uuid.UUID) (*domain.CommissionRule, error) {
	query := `SELECT ` + commissionRuleColumns + ` FROM commission_rules WHERE id = $1`
	rule, err := scanCommissionRule(r.db.QueryRow(ctx, query, ruleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

// ListCommissionRules returns rules ordered by creation time, newest first.
func (r *PostgresRepository) ListCommissionRules(ctx context.Context, activeOnly bool, limit, offset int) ([]domain.CommissionRule, error) {
	query := `SELECT ` + commissionRuleColumns + ` FROM commission_rules`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommissionRules(rows)
}

// FindActiveRulesOn returns active rules whose effective range covers the date.
func (r *PostgresRepository) FindActiveRulesOn(ctx context.Context, date time.Time) ([]domain.CommissionRule, error) {
	query := `
		SELECT ` + commissionRuleColumns + `
		FROM commission_rules
		WHERE is_active = TRUE
		  AND effective_from <= $1
		  AND (effective_until IS NULL OR effective_until >= $1)
		ORDER BY priority DESC, effective_from DESC
	`
	rows, err := r.db.Query(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommissionRules(rows)
}

// FindOverlappingActiveRules finds active rules with the same applicability
// scope and priority whose effective-date range overlaps the candidate's.
// An absent end date is treated as +infinity on both sides.
func (r *PostgresRepository) FindOverlappingActiveRules(ctx context.Context, candidate *domain.CommissionRule) ([]domain.CommissionRule, error) {
	query := `
		SELECT ` + commissionRuleColumns + `
		FROM commission_rules
		WHERE is_active = TRUE
		  AND id != $1
		  AND scope = $2
		  AND category_id IS NOT DISTINCT FROM $3
		  AND store_id IS NOT DISTINCT FROM $4
		  AND lower(btrim(COALESCE(seller_tier, ''))) = lower(btrim(COALESCE($5, '')))
		  AND priority = $6
		  AND effective_from < COALESCE($8, 'infinity'::timestamptz)
		  AND COALESCE(effective_until, 'infinity'::timestamptz) > $7
	`
	rows, err := r.db.Query(ctx, query,
		candidate.ID, candidate.Scope, candidate.CategoryID, candidate.StoreID,
		candidate.SellerTier, candidate.Priority,
		candidate.EffectiveFrom, candidate.EffectiveUntil,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommissionRules(rows)
}

func collectCommissionRules(rows pgx.Rows) ([]domain.CommissionRule, error) {
	var rules []domain.CommissionRule
	for rows.Next() {
		rule, err := scanCommissionRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// --- Commission ledger ---

const commissionTxColumns = `
	id, escrow_transaction_id, rule_id, source, type, original_id,
	gross_amount_cents, percent, fixed_fee_cents, commission_cents, created_at`

func scanCommissionTx(row pgx.Row) (*domain.CommissionTransaction, error) {
	var tx domain.CommissionTransaction
	err := row.Scan(
		&tx.ID, &tx.EscrowTransactionID, &tx.RuleID, &tx.Source, &tx.Type,
		&tx.OriginalID, &tx.GrossAmountCents, &tx.Percent, &tx.FixedFeeCents,
		&tx.CommissionCents, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateCommissionTransaction appends an immutable ledger row. There is no
// corresponding update or delete anywhere in this repository.
func (r *PostgresRepository) CreateCommissionTransaction(ctx context.Context, tx *domain.CommissionTransaction) error {
	return insertCommissionTx(ctx, r.db, tx)
}

// insertCommissionTx runs against either the pool or an open transaction.
func insertCommissionTx(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, tx *domain.CommissionTransaction) error {
	query := `
		INSERT INTO commission_transactions (
			id, escrow_transaction_id, rule_id, source, type, original_id,
			gross_amount_cents, percent, fixed_fee_cents, commission_cents, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`
	_, err := q.Exec(ctx, query,
		tx.ID, tx.EscrowTransactionID, tx.RuleID, tx.Source, tx.Type, tx.OriginalID,
		tx.GrossAmountCents, tx.Percent, tx.FixedFeeCents, tx.CommissionCents,
	)
	return err
}

// GetCommissionTransactionByID retrieves a single ledger row.
func (r *PostgresRepository) GetCommissionTransactionByID(ctx context.Context, id uuid.UUID) (*domain.CommissionTransaction, error) {
	query := `SELECT ` + commissionTxColumns + ` FROM commission_transactions WHERE id = $1`
	tx, err := scanCommissionTx(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommissionTxNotFound
		}
		return nil, err
	}
	return tx, nil
}

// GetInitialCommissionByEscrowID returns the `initial` ledger row for an
// escrow allocation. Refund adjustments are computed against this row.
func (r *PostgresRepository) GetInitialCommissionByEscrowID(ctx context.Context, escrowID uuid.UUID) (*domain.CommissionTransaction, error) {
	query := `
		SELECT ` + commissionTxColumns + `
		FROM commission_transactions
		WHERE escrow_transaction_id = $1 AND type = 'initial'
		ORDER BY created_at ASC
		LIMIT 1
	`
	tx, err := scanCommissionTx(r.db.QueryRow(ctx, query, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommissionTxNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListCommissionTransactionsByEscrowID returns all ledger rows for one escrow
// allocation, oldest first.
func (r *PostgresRepository) ListCommissionTransactionsByEscrowID(ctx context.Context, escrowID uuid.UUID) ([]domain.CommissionTransaction, error) {
	query := `
		SELECT ` + commissionTxColumns + `
		FROM commission_transactions
		WHERE escrow_transaction_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommissionTxs(rows)
}

// ListCommissionTransactions is the read-only reporting query for dashboards
// and invoices.
func (r *PostgresRepository) ListCommissionTransactions(ctx context.Context, from, to time.Time, limit, offset int) ([]domain.CommissionTransaction, error) {
	query := `
		SELECT ` + commissionTxColumns + `
		FROM commission_transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommissionTxs(rows)
}

func collectCommissionTxs(rows pgx.Rows) ([]domain.CommissionTransaction, error) {
	var txs []domain.CommissionTransaction
	for rows.Next() {
		tx, err := scanCommissionTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// --- Escrow ---

const escrowColumns = `
	id, payment_id, sub_order_id, store_id, gross_amount_cents,
	commission_cents, net_amount_cents, refunded_amount_cents, status,
	eligible_at, payout_id, created_at, updated_at`

func scanEscrow(row pgx.Row) (*domain.EscrowTransaction, error) {
	var e domain.EscrowTransaction
	err := row.Scan(
		&e.ID, &e.PaymentID, &e.SubOrderID, &e.StoreID, &e.GrossAmountCents,
		&e.CommissionCents, &e.NetAmountCents, &e.RefundedAmountCents, &e.Status,
		&e.EligibleAt, &e.PayoutID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AllocateEscrow inserts the allocation row and its initial commission ledger
// row in a single transaction: either both rows exist afterwards or neither
// does. The unique index on sub_order_id makes allocation idempotent per
// sub-order payment.
func (r *PostgresRepository) AllocateEscrow(ctx context.Context, escrow *domain.EscrowTransaction, initial *domain.CommissionTransaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO escrow_transactions (
			id, payment_id, sub_order_id, store_id, gross_amount_cents,
			commission_cents, net_amount_cents, refunded_amount_cents, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NOW(), NOW())
	`
	if _, err := tx.Exec(ctx, query,
		escrow.ID, escrow.PaymentID, escrow.SubOrderID, escrow.StoreID,
		escrow.GrossAmountCents, escrow.CommissionCents, escrow.NetAmountCents,
		escrow.Status,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAllocation
		}
		return err
	}

	if err := insertCommissionTx(ctx, tx, initial); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetEscrowByID retrieves an escrow row by its ID.
func (r *PostgresRepository) GetEscrowByID(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE id = $1`
	escrow, err := scanEscrow(r.db.QueryRow(ctx, query, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return escrow, nil
}

// GetEscrowBySubOrderID retrieves the escrow row for a seller sub-order.
func (r *PostgresRepository) GetEscrowBySubOrderID(ctx context.Context, subOrderID uuid.UUID) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE sub_order_id = $1`
	escrow, err := scanEscrow(r.db.QueryRow(ctx, query, subOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return escrow, nil
}

// MarkEscrowEligible releases one escrow row from clearance. A
// pending_clearance row moves to eligible_for_payout; a row partially
// refunded during clearance keeps its status and only gets eligible_at set,
// which is what makes its remainder payable. The eligible_at IS NULL guard
// makes the call idempotent: a second call matches no rows and reports a
// no-op.
func (r *PostgresRepository) MarkEscrowEligible(ctx context.Context, escrowID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE escrow_transactions
		SET status = CASE WHEN status = $4 THEN $2 ELSE status END,
			eligible_at = $3, updated_at = NOW()
		WHERE id = $1 AND eligible_at IS NULL AND status IN ($4, $5)
	`
	tag, err := r.db.Exec(ctx, query, escrowID, domain.EscrowEligibleForPayout, at, domain.EscrowPendingClearance, domain.EscrowPartiallyRefunded)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// No transition happened: distinguish "already eligible or beyond" from
	// "row does not exist".
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, escrowID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrEscrowNotFound
	}
	return false, nil
}

// ReleaseClearedEscrow releases every row whose clearance window elapsed:
// pending rows become eligible_for_payout, partially refunded rows keep their
// status and get eligible_at set. Returns the released rows.
func (r *PostgresRepository) ReleaseClearedEscrow(ctx context.Context, cutoff, at time.Time) ([]domain.EscrowTransaction, error) {
	query := `
		UPDATE escrow_transactions
		SET status = CASE WHEN status = $3 THEN $1 ELSE status END,
			eligible_at = $2, updated_at = NOW()
		WHERE eligible_at IS NULL AND status IN ($3, $4) AND created_at <= $5
		RETURNING ` + escrowColumns
	rows, err := r.db.Query(ctx, query, domain.EscrowEligibleForPayout, at, domain.EscrowPendingClearance, domain.EscrowPartiallyRefunded, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListEscrowByStore is the read-only seller-facing/reporting query.
func (r *PostgresRepository) ListEscrowByStore(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]domain.EscrowTransaction, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, storeID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func collectEscrows(rows pgx.Rows) ([]domain.EscrowTransaction, error) {
	var escrows []domain.EscrowTransaction
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

// --- Refunds ---

const refundColumns = `
	id, escrow_transaction_id, sub_order_id, type, amount_cents, status,
	reason, initiator_id, return_request_id, provider_refund_id,
	failure_reason, requested_at, completed_at`

func scanRefund(row pgx.Row) (*domain.RefundTransaction, error) {
	var ref domain.RefundTransaction
	err := row.Scan(
		&ref.ID, &ref.EscrowTransactionID, &ref.SubOrderID, &ref.Type,
		&ref.AmountCents, &ref.Status, &ref.Reason, &ref.InitiatorID,
		&ref.ReturnRequestID, &ref.ProviderRefundID, &ref.FailureReason,
		&ref.RequestedAt, &ref.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// CreateRefundTransaction inserts a refund attempt in `requested` status.
func (r *PostgresRepository) CreateRefundTransaction(ctx context.Context, refund *domain.RefundTransaction) error {
	query := `
		INSERT INTO refund_transactions (
			id, escrow_transaction_id, sub_order_id, type, amount_cents, status,
			reason, initiator_id, return_request_id, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		refund.ID, refund.EscrowTransactionID, refund.SubOrderID, refund.Type,
		refund.AmountCents, refund.Status, refund.Reason, refund.InitiatorID,
		refund.ReturnRequestID,
	)
	return err
}

// GetRefundTransactionByID retrieves one refund attempt.
func (r *PostgresRepository) GetRefundTransactionByID(ctx context.Context, refundID uuid.UUID) (*domain.RefundTransaction, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_transactions WHERE id = $1`
	refund, err := scanRefund(r.db.QueryRow(ctx, query, refundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return refund, nil
}

// MarkRefundProcessing transitions requested -> processing ahead of the
// provider call.
func (r *PostgresRepository) MarkRefundProcessing(ctx context.Context, refundID uuid.UUID) error {
	query := `UPDATE refund_transactions SET status = $2 WHERE id = $1 AND status = $3`
	tag, err := r.db.Exec(ctx, query, refundID, domain.RefundProcessing, domain.RefundRequested)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// MarkRefundFailed records a provider failure on the attempt row. Ledgers are
// deliberately untouched; a later retry is a brand-new refund transaction.
func (r *PostgresRepository) MarkRefundFailed(ctx context.Context, refundID uuid.UUID, failureReason string) error {
	query := `
		UPDATE refund_transactions
		SET status = $2, failure_reason = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, refundID, domain.RefundFailed, failureReason, domain.RefundProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotProcessing
	}
	return nil
}

// CompleteRefund is the atomic commit step of a successful refund. Inside a
// single transaction it:
//  1. locks the escrow row and re-validates the running balance,
//  2. increments refunded_amount and moves the escrow status,
//  3. appends the commission refund-adjustment row,
//  4. completes the refund transaction with the provider reference.
func (r *PostgresRepository) CompleteRefund(ctx context.Context, params CompleteRefundParams) (*domain.EscrowTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the escrow row for the duration of the check-then-write.
	lockQuery := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE id = $1 FOR UPDATE`
	escrow, err := scanEscrow(tx.QueryRow(ctx, lockQuery, params.EscrowTransactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}

	if !escrow.Status.Refundable() {
		return nil, ErrEscrowNotRefundable
	}
	newRefunded := escrow.RefundedAmountCents + params.AmountCents
	if newRefunded > escrow.GrossAmountCents+params.ToleranceCents {
		return nil, ErrRefundExceedsBalance
	}

	newStatus := domain.EscrowPartiallyRefunded
	if newRefunded >= escrow.GrossAmountCents {
		newStatus = domain.EscrowReturnedToBuyer
	}

	updateEscrow := `
		UPDATE escrow_transactions
		SET refunded_amount_cents = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateEscrow, escrow.ID, newRefunded, newStatus); err != nil {
		return nil, err
	}

	if params.CommissionAdjustment != nil {
		if err := insertCommissionTx(ctx, tx, params.CommissionAdjustment); err != nil {
			return nil, err
		}
	}

	completeRefund := `
		UPDATE refund_transactions
		SET status = $2, provider_refund_id = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`
	tag, err := tx.Exec(ctx, completeRefund,
		params.RefundID, domain.RefundCompleted, params.ProviderRefundID,
		params.CompletedAt, domain.RefundProcessing,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrRefundNotProcessing
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	escrow.RefundedAmountCents = newRefunded
	escrow.Status = newStatus
	return escrow, nil
}

// SumCompletedRefundsBySubOrder totals the completed refund attempts for a
// sub-order. Used by reporting and invariant checks.
func (r *PostgresRepository) SumCompletedRefundsBySubOrder(ctx context.Context, subOrderID uuid.UUID) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM refund_transactions
		WHERE sub_order_id = $1 AND status = $2
	`
	err := r.db.QueryRow(ctx, query, subOrderID, domain.RefundCompleted).Scan(&total)
	return total, err
}

// ListRefundsBySubOrder returns all refund attempts for a sub-order, newest
// first, for the return/dispute subsystem to display.
func (r *PostgresRepository) ListRefundsBySubOrder(ctx context.Context, subOrderID uuid.UUID) ([]domain.RefundTransaction, error) {
	query := `
		SELECT ` + refundColumns + `
		FROM refund_transactions
		WHERE sub_order_id = $1
		ORDER BY requested_at DESC
	`
	rows, err := r.db.Query(ctx, query, subOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.RefundTransaction
	for rows.Next() {
		ref, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *ref)
	}
	return refunds, rows.Err()
}

// --- Payouts ---

const payoutColumns = `
	id, store_id, amount_cents, status, scheduled_for, completed_at,
	external_transaction_id, retry_count, max_retries, next_retry_at,
	error_reference, failure_reason, created_at, updated_at`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(
		&p.ID, &p.StoreID, &p.AmountCents, &p.Status, &p.ScheduledFor,
		&p.CompletedAt, &p.ExternalTransactionID, &p.RetryCount, &p.MaxRetries,
		&p.NextRetryAt, &p.ErrorReference, &p.FailureReason,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetStorePayoutSettings returns the store's payout configuration row.
func (r *PostgresRepository) GetStorePayoutSettings(ctx context.Context, storeID uuid.UUID) (*domain.StorePayoutSettings, error) {
	var s domain.StorePayoutSettings
	query := `
		SELECT store_id, minimum_payout_cents, payout_method, payout_method_details, updated_at
		FROM store_payout_settings
		WHERE store_id = $1
	`
	err := r.db.QueryRow(ctx, query, storeID).Scan(
		&s.StoreID, &s.MinimumPayoutCents, &s.PayoutMethod, &s.PayoutMethodDetails, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpsertStorePayoutSettings writes the per-store payout configuration.
func (r *PostgresRepository) UpsertStorePayoutSettings(ctx context.Context, settings *domain.StorePayoutSettings) error {
	query := `
		INSERT INTO store_payout_settings (store_id, minimum_payout_cents, payout_method, payout_method_details, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (store_id) DO UPDATE
		SET minimum_payout_cents = EXCLUDED.minimum_payout_cents,
			payout_method = EXCLUDED.payout_method,
			payout_method_details = EXCLUDED.payout_method_details,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		settings.StoreID, settings.MinimumPayoutCents, settings.PayoutMethod, settings.PayoutMethodDetails,
	)
	return err
}

// GetEligibleEscrowSummary sums the payable remainder (net minus refunded,
// floored at zero) over cleared rows not yet linked to a payout. Partially
// refunded rows past clearance contribute their remainder like any other.
func (r *PostgresRepository) GetEligibleEscrowSummary(ctx context.Context, storeID uuid.UUID) (int64, int, error) {
	var amount int64
	var count int
	query := `
		SELECT COALESCE(SUM(GREATEST(net_amount_cents - refunded_amount_cents, 0)), 0), COUNT(*)
		FROM escrow_transactions
		WHERE store_id = $1 AND payout_id IS NULL AND eligible_at IS NOT NULL
		  AND status IN ($2, $3)
	`
	err := r.db.QueryRow(ctx, query, storeID, domain.EscrowEligibleForPayout, domain.EscrowPartiallyRefunded).Scan(&amount, &count)
	return amount, count, err
}

// HasPendingPayout reports whether the store already has a scheduled or
// processing payout. GenerateScheduledPayouts uses this to stay idempotent
// per store per period.
func (r *PostgresRepository) HasPendingPayout(ctx context.Context, storeID uuid.UUID) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payouts
			WHERE store_id = $1 AND status IN ($2, $3)
		)
	`
	err := r.db.QueryRow(ctx, query, storeID, domain.PayoutScheduled, domain.PayoutProcessing).Scan(&exists)
	return exists, err
}

// CreatePayout atomically aggregates the store's eligible escrow into a new
// scheduled payout. The contributing rows are locked, the threshold is
// re-checked inside the transaction, and each row is linked to the payout so
// it can never contribute to a second one.
func (r *PostgresRepository) CreatePayout(ctx context.Context, params CreatePayoutParams) (*domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	lockQuery := `
		SELECT id, GREATEST(net_amount_cents - refunded_amount_cents, 0)
		FROM escrow_transactions
		WHERE store_id = $1 AND payout_id IS NULL AND eligible_at IS NOT NULL
		  AND status IN ($2, $3)
		ORDER BY created_at ASC
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, lockQuery, params.StoreID, domain.EscrowEligibleForPayout, domain.EscrowPartiallyRefunded)
	if err != nil {
		return nil, err
	}

	var escrowIDs []uuid.UUID
	var total int64
	for rows.Next() {
		var id uuid.UUID
		var payable int64
		if err := rows.Scan(&id, &payable); err != nil {
			rows.Close()
			return nil, err
		}
		escrowIDs = append(escrowIDs, id)
		total += payable
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(escrowIDs) == 0 || total < params.ThresholdCents {
		return nil, ErrBelowPayoutThreshold
	}

	payout := &domain.Payout{
		ID:                   uuid.New(),
		StoreID:              params.StoreID,
		AmountCents:          total,
		Status:               domain.PayoutScheduled,
		ScheduledFor:         params.ScheduledFor,
		MaxRetries:           params.MaxRetries,
		EscrowTransactionIDs: escrowIDs,
	}
	insert := `
		INSERT INTO payouts (
			id, store_id, amount_cents, status, scheduled_for, retry_count,
			max_retries, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
	`
	if _, err := tx.Exec(ctx, insert,
		payout.ID, payout.StoreID, payout.AmountCents, payout.Status,
		payout.ScheduledFor, payout.MaxRetries,
	); err != nil {
		return nil, err
	}

	link := `UPDATE escrow_transactions SET payout_id = $1, updated_at = NOW() WHERE id = ANY($2)`
	if _, err := tx.Exec(ctx, link, payout.ID, escrowIDs); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return payout, nil
}

// GetPayoutByID retrieves a payout with its linked escrow row IDs.
func (r *PostgresRepository) GetPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	payout, err := scanPayout(r.db.QueryRow(ctx, query, payoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	if err := r.attachEscrowIDs(ctx, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

func (r *PostgresRepository) attachEscrowIDs(ctx context.Context, payout *domain.Payout) error {
	rows, err := r.db.Query(ctx, `SELECT id FROM escrow_transactions WHERE payout_id = $1 ORDER BY created_at ASC`, payout.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		payout.EscrowTransactionIDs = append(payout.EscrowTransactionIDs, id)
	}
	return rows.Err()
}

// MarkPayoutProcessing claims a scheduled payout for provider submission.
// The conditional update is what prevents two sweeps from double-processing
// the same payout.
func (r *PostgresRepository) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	query := `
		UPDATE payouts
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + payoutColumns
	payout, err := scanPayout(r.db.QueryRow(ctx, query, payoutID, domain.PayoutProcessing, domain.PayoutScheduled))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetPayoutByID(ctx, payoutID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrPayoutNotClaimable
		}
		return nil, err
	}
	if err := r.attachEscrowIDs(ctx, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

// MarkPayoutPaid settles the payout and marks every linked escrow row paid,
// in one transaction.
func (r *PostgresRepository) MarkPayoutPaid(ctx context.Context, payoutID uuid.UUID, externalTransactionID string, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE payouts
		SET status = $2, external_transaction_id = $3, completed_at = $4,
			next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	tag, err := tx.Exec(ctx, update, payoutID, domain.PayoutPaid, externalTransactionID, at, domain.PayoutProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotProcessing
	}

	settle := `UPDATE escrow_transactions SET status = $2, updated_at = NOW() WHERE payout_id = $1`
	if _, err := tx.Exec(ctx, settle, payoutID, domain.EscrowPaid); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkPayoutRetryScheduled records a failed provider attempt that still has
// retry budget: the payout returns to `scheduled` with a future retry time,
// and the linked escrow rows stay untouched.
func (r *PostgresRepository) MarkPayoutRetryScheduled(ctx context.Context, payoutID uuid.UUID, failureReason string, nextRetryAt time.Time) error {
	query := `
		UPDATE payouts
		SET status = $2, retry_count = retry_count + 1, failure_reason = $3,
			next_retry_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query, payoutID, domain.PayoutScheduled, failureReason, nextRetryAt, domain.PayoutProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotProcessing
	}
	return nil
}

// MarkPayoutFailed records a terminal failure once retries are exhausted.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, failureReason, errorReference string) error {
	query := `
		UPDATE payouts
		SET status = $2, retry_count = retry_count + 1, failure_reason = $3,
			error_reference = $4, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query, payoutID, domain.PayoutFailed, failureReason, errorReference, domain.PayoutProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotProcessing
	}
	return nil
}

// ListStoresWithEligibleEscrow returns the distinct stores with at least one
// cleared, unlinked escrow row. The payout generation sweep iterates these.
func (r *PostgresRepository) ListStoresWithEligibleEscrow(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT store_id
		FROM escrow_transactions
		WHERE status IN ($1, $2) AND payout_id IS NULL AND eligible_at IS NOT NULL
		ORDER BY store_id
	`
	rows, err := r.db.Query(ctx, query, domain.EscrowEligibleForPayout, domain.EscrowPartiallyRefunded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPayoutsDueForRetry returns payouts whose retry time has come and whose
// retry budget remains.
func (r *PostgresRepository) ListPayoutsDueForRetry(ctx context.Context, now time.Time) ([]domain.Payout, error) {
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		  AND retry_count < max_retries
		ORDER BY next_retry_at ASC
	`
	rows, err := r.db.Query(ctx, query, domain.PayoutScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// ListDueScheduledPayouts returns first-attempt payouts whose scheduled time
// has come.
func (r *PostgresRepository) ListDueScheduledPayouts(ctx context.Context, now time.Time) ([]domain.Payout, error) {
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status = $1 AND next_retry_at IS NULL AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
	`
	rows, err := r.db.Query(ctx, query, domain.PayoutScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// ListPayouts is the reporting query, optionally filtered by store.
func (r *PostgresRepository) ListPayouts(ctx context.Context, storeID *uuid.UUID, limit, offset int) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	args := []any{}
	if storeID != nil {
		query += ` WHERE store_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, *storeID, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func collectPayouts(rows pgx.Rows) ([]domain.Payout, error) {
	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
