/**
 * @description
 * Payout aggregation. Eligible escrow rows for a store are batched into a
 * single outbound transfer once their payable sum crosses the payout
 * threshold. Submission to the payment provider retries a bounded number of
 * times with a delay; exhausting the budget marks the payout terminally
 * failed with a support reference.
 *
 * @notes
 * - A store never holds more than one pending payout: generation checks the
 *   slot first and creation links the contributing rows atomically, so two
 *   concurrent sweeps cannot double-pay the same escrow row.
 * - Per-store threshold overrides come from store payout settings and fall
 *   back to the platform default.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradora/settlement-service/internal/domain"
	"github.com/tradora/settlement-service/internal/store"
	"github.com/tradora/settlement-service/pkg/rabbitmq"
)

const defaultPayoutMethod = "bank_transfer"

// PayoutService owns payout creation and provider submission.
type PayoutService struct {
	repo     store.Repository
	provider PaymentProvider
	producer rabbitmq.Publisher
	exchange string

	defaultThresholdCents int64
	maxRetries            int
	retryDelay            time.Duration
}

// NewPayoutService creates a new PayoutService.
func NewPayoutService(
	repo store.Repository,
	provider PaymentProvider,
	producer rabbitmq.Publisher,
	exchange string,
	defaultThresholdCents int64,
	maxRetries int,
	retryDelay time.Duration,
) *PayoutService {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &PayoutService{
		repo:                  repo,
		provider:              provider,
		producer:              producer,
		exchange:              exchange,
		defaultThresholdCents: defaultThresholdCents,
		maxRetries:            maxRetries,
		retryDelay:            retryDelay,
	}
}

// GetEligibleBalance summarizes a store's payable escrow against its
// effective payout threshold.
func (s *PayoutService) GetEligibleBalance(ctx context.Context, storeID uuid.UUID) (*domain.EligibleBalance, error) {
	threshold, _, err := s.storePayoutPolicy(ctx, storeID)
	if err != nil {
		return nil, err
	}
	amount, count, err := s.repo.GetEligibleEscrowSummary(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize eligible escrow: %w", err)
	}
	return &domain.EligibleBalance{
		StoreID:          storeID,
		AmountCents:      amount,
		TransactionCount: count,
		ThresholdCents:   threshold,
		MeetsThreshold:   count > 0 && amount >= threshold,
	}, nil
}

// CreatePayout aggregates the store's eligible escrow into a new scheduled
// payout. The threshold is re-checked inside the creation transaction under
// row locks, so a concurrent refund cannot sneak the batch below it.
func (s *PayoutService) CreatePayout(ctx context.Context, payload domain.CreatePayoutPayload) (*domain.Payout, error) {
	if payload.StoreID == uuid.Nil {
		return nil, domain.NewValidationError("store_id is required")
	}

	pending, err := s.repo.HasPendingPayout(ctx, payload.StoreID)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending payouts: %w", err)
	}
	if pending {
		return nil, domain.NewValidationError("store %s already has a pending payout", payload.StoreID)
	}

	threshold, _, err := s.storePayoutPolicy(ctx, payload.StoreID)
	if err != nil {
		return nil, err
	}

	scheduledFor := time.Now()
	if payload.ScheduledFor != nil {
		scheduledFor = *payload.ScheduledFor
	}

	payout, err := s.repo.CreatePayout(ctx, store.CreatePayoutParams{
		StoreID:        payload.StoreID,
		ScheduledFor:   scheduledFor,
		ThresholdCents: threshold,
		MaxRetries:     s.maxRetries,
	})
	if err != nil {
		if errors.Is(err, store.ErrBelowPayoutThreshold) {
			return nil, domain.NewValidationError("eligible balance is below the payout threshold of %d cents", threshold)
		}
		return nil, err
	}

	log.Printf("level=info component=payout_service msg=\"payout created\" payout_id=%s store_id=%s amount=%d transactions=%d",
		payout.ID, payout.StoreID, payout.AmountCents, len(payout.EscrowTransactionIDs))

	s.publishPayoutEvent(ctx, domain.EventPayoutCreated, payout)
	return payout, nil
}

// GenerateScheduledPayouts is the generation sweep: every store with
// eligible escrow above its threshold and no pending payout gets a new
// scheduled payout. Returns the number created.
func (s *PayoutService) GenerateScheduledPayouts(ctx context.Context) (int, error) {
	storeIDs, err := s.repo.ListStoresWithEligibleEscrow(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stores with eligible escrow: %w", err)
	}

	created := 0
	for _, storeID := range storeIDs {
		if _, err := s.CreatePayout(ctx, domain.CreatePayoutPayload{StoreID: storeID}); err != nil {
			var vErr *domain.ValidationError
			if errors.As(err, &vErr) {
				// Below threshold or slot occupied; skip quietly.
				continue
			}
			log.Printf("level=error component=payout_service msg=\"payout generation failed for store\" store_id=%s err=%v", storeID, err)
			continue
		}
		created++
	}
	return created, nil
}

// ProcessPayout claims a scheduled payout and submits it to the provider.
// Provider failures are recorded on the payout (retry scheduled or terminal
// failure) rather than returned as errors; the returned payout carries the
// outcome.
func (s *PayoutService) ProcessPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	payout, err := s.repo.MarkPayoutProcessing(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	_, settings, err := s.storePayoutPolicy(ctx, payout.StoreID)
	if err != nil {
		return nil, err
	}

	externalID, providerErr := s.provider.ProcessPayout(ctx, payout.AmountCents, settings.PayoutMethod, settings.PayoutMethodDetails, payout.ID.String())
	if providerErr != nil {
		return s.recordPayoutFailure(ctx, payout, providerErr)
	}

	if err := s.repo.MarkPayoutPaid(ctx, payout.ID, externalID, time.Now()); err != nil {
		// The provider accepted the transfer but we could not record it.
		log.Printf("level=critical component=payout_service msg=\"provider paid but settlement write failed\" payout_id=%s external_id=%s err=%v", payout.ID, externalID, err)
		return nil, fmt.Errorf("provider payout %s succeeded but settlement write failed: %w", externalID, err)
	}

	paid, err := s.repo.GetPayoutByID(ctx, payout.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=payout_service msg=\"payout paid\" payout_id=%s store_id=%s amount=%d external_id=%s",
		paid.ID, paid.StoreID, paid.AmountCents, externalID)

	s.publishPayoutEvent(ctx, domain.EventPayoutPaid, paid)
	return paid, nil
}

func (s *PayoutService) recordPayoutFailure(ctx context.Context, payout *domain.Payout, providerErr error) (*domain.Payout, error) {
	reason := providerErr.Error()
	attempts := payout.RetryCount + 1

	if attempts < payout.MaxRetries {
		nextRetry := time.Now().Add(s.retryDelay)
		if err := s.repo.MarkPayoutRetryScheduled(ctx, payout.ID, reason, nextRetry); err != nil {
			return nil, err
		}
		log.Printf("level=warn component=payout_service msg=\"payout attempt failed; retry scheduled\" payout_id=%s attempt=%d next_retry_at=%s err=%v",
			payout.ID, attempts, nextRetry.Format(time.RFC3339), providerErr)
	} else {
		reference := fmt.Sprintf("PO-%s-%d", payout.ID.String()[:8], time.Now().Unix())
		if err := s.repo.MarkPayoutFailed(ctx, payout.ID, reason, reference); err != nil {
			return nil, err
		}
		log.Printf("level=error component=payout_service msg=\"payout terminally failed\" payout_id=%s attempts=%d error_reference=%s err=%v",
			payout.ID, attempts, reference, providerErr)
	}

	updated, err := s.repo.GetPayoutByID(ctx, payout.ID)
	if err != nil {
		return nil, err
	}
	if updated.Status == domain.PayoutFailed {
		s.publishPayoutEvent(ctx, domain.EventPayoutFailed, updated)
	}
	return updated, nil
}

// ProcessDuePayouts is the processing sweep: every scheduled payout whose
// scheduled_for has arrived (and which is not waiting on a retry timer) is
// submitted. Returns the number attempted.
func (s *PayoutService) ProcessDuePayouts(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueScheduledPayouts(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due payouts: %w", err)
	}
	return s.processBatch(ctx, due), nil
}

// RetryFailedPayouts is the retry sweep: scheduled payouts whose retry timer
// has elapsed and whose retry budget remains are re-submitted. Returns the
// number attempted.
func (s *PayoutService) RetryFailedPayouts(ctx context.Context) (int, error) {
	due, err := s.repo.ListPayoutsDueForRetry(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list payouts due for retry: %w", err)
	}
	return s.processBatch(ctx, due), nil
}

func (s *PayoutService) processBatch(ctx context.Context, payouts []domain.Payout) int {
	attempted := 0
	for i := range payouts {
		if _, err := s.ProcessPayout(ctx, payouts[i].ID); err != nil {
			if errors.Is(err, store.ErrPayoutNotClaimable) {
				// Another replica claimed it first.
				continue
			}
			log.Printf("level=error component=payout_service msg=\"payout processing failed\" payout_id=%s err=%v", payouts[i].ID, err)
			continue
		}
		attempted++
	}
	return attempted
}

// UpdateStoreSettings upserts a store's payout configuration.
func (s *PayoutService) UpdateStoreSettings(ctx context.Context, settings *domain.StorePayoutSettings) error {
	if settings.StoreID == uuid.Nil {
		return domain.NewValidationError("store_id is required")
	}
	if settings.MinimumPayoutCents < 0 {
		return domain.NewValidationError("minimum payout must not be negative")
	}
	if settings.PayoutMethod == "" {
		settings.PayoutMethod = defaultPayoutMethod
	}
	settings.UpdatedAt = time.Now()
	return s.repo.UpsertStorePayoutSettings(ctx, settings)
}

// GetPayout returns one payout.
func (s *PayoutService) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	return s.repo.GetPayoutByID(ctx, payoutID)
}

// ListPayouts returns payouts, optionally filtered by store, newest first.
func (s *PayoutService) ListPayouts(ctx context.Context, storeID *uuid.UUID, limit, offset int) ([]domain.Payout, error) {
	return s.repo.ListPayouts(ctx, storeID, limit, offset)
}

// storePayoutPolicy returns the store's effective threshold and payout
// method, falling back to platform defaults when no settings row exists.
func (s *PayoutService) storePayoutPolicy(ctx context.Context, storeID uuid.UUID) (int64, *domain.StorePayoutSettings, error) {
	settings, err := s.repo.GetStorePayoutSettings(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			return s.defaultThresholdCents, &domain.StorePayoutSettings{
				StoreID:      storeID,
				PayoutMethod: defaultPayoutMethod,
			}, nil
		}
		return 0, nil, fmt.Errorf("failed to load store payout settings: %w", err)
	}
	threshold := settings.MinimumPayoutCents
	if threshold <= 0 {
		threshold = s.defaultThresholdCents
	}
	if settings.PayoutMethod == "" {
		settings.PayoutMethod = defaultPayoutMethod
	}
	return threshold, settings, nil
}

func (s *PayoutService) publishPayoutEvent(ctx context.Context, routingKey string, payout *domain.Payout) {
	if s.producer == nil {
		return
	}
	event := domain.PayoutEvent{
		PayoutID:       payout.ID,
		StoreID:        payout.StoreID,
		AmountCents:    payout.AmountCents,
		Status:         string(payout.Status),
		ErrorReference: payout.ErrorReference,
		OccurredAt:     time.Now(),
	}
	if err := s.producer.Publish(ctx, s.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=payout_service msg=\"failed to publish payout event\" routing_key=%s payout_id=%s err=%v", routingKey, payout.ID, err)
	}
}
