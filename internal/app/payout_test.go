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

// payoutStubRepo keeps a single payout and a store's eligible summary in
// memory.
type payoutStubRepo struct {
	store.Repository
	settings       *domain.StorePayoutSettings
	eligibleAmount int64
	eligibleCount  int
	hasPending     bool
	storesEligible []uuid.UUID

	payout      *domain.Payout
	createCalls int
	upserted    *domain.StorePayoutSettings
}

func (r *payoutStubRepo) GetStorePayoutSettings(ctx context.Context, storeID uuid.UUID) (*domain.StorePayoutSettings, error) {
	if r.settings == nil {
		return nil, store.ErrSettingsNotFound
	}
	return r.settings, nil
}

func (r *payoutStubRepo) UpsertStorePayoutSettings(ctx context.Context, settings *domain.StorePayoutSettings) error {
	r.upserted = settings
	return nil
}

func (r *payoutStubRepo) GetEligibleEscrowSummary(ctx context.Context, storeID uuid.UUID) (int64, int, error) {
	return r.eligibleAmount, r.eligibleCount, nil
}

func (r *payoutStubRepo) HasPendingPayout(ctx context.Context, storeID uuid.UUID) (bool, error) {
	return r.hasPending, nil
}

func (r *payoutStubRepo) ListStoresWithEligibleEscrow(ctx context.Context) ([]uuid.UUID, error) {
	return r.storesEligible, nil
}

func (r *payoutStubRepo) CreatePayout(ctx context.Context, params store.CreatePayoutParams) (*domain.Payout, error) {
	r.createCalls++
	if r.eligibleCount == 0 || r.eligibleAmount < params.ThresholdCents {
		return nil, store.ErrBelowPayoutThreshold
	}
	r.payout = &domain.Payout{
		ID:           uuid.New(),
		StoreID:      params.StoreID,
		AmountCents:  r.eligibleAmount,
		Status:       domain.PayoutScheduled,
		ScheduledFor: params.ScheduledFor,
		MaxRetries:   params.MaxRetries,
	}
	return r.payout, nil
}

func (r *payoutStubRepo) GetPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	if r.payout == nil || r.payout.ID != payoutID {
		return nil, store.ErrPayoutNotFound
	}
	return r.payout, nil
}

func (r *payoutStubRepo) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	if r.payout == nil || r.payout.ID != payoutID {
		return nil, store.ErrPayoutNotFound
	}
	if r.payout.Status != domain.PayoutScheduled {
		return nil, store.ErrPayoutNotClaimable
	}
	r.payout.Status = domain.PayoutProcessing
	return r.payout, nil
}

func (r *payoutStubRepo) MarkPayoutPaid(ctx context.Context, payoutID uuid.UUID, externalTransactionID string, at time.Time) error {
	r.payout.Status = domain.PayoutPaid
	r.payout.ExternalTransactionID = &externalTransactionID
	r.payout.CompletedAt = &at
	return nil
}

func (r *payoutStubRepo) MarkPayoutRetryScheduled(ctx context.Context, payoutID uuid.UUID, failureReason string, nextRetryAt time.Time) error {
	r.payout.Status = domain.PayoutScheduled
	r.payout.RetryCount++
	r.payout.FailureReason = &failureReason
	r.payout.NextRetryAt = &nextRetryAt
	return nil
}

func (r *payoutStubRepo) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, failureReason, errorReference string) error {
	r.payout.Status = domain.PayoutFailed
	r.payout.RetryCount++
	r.payout.FailureReason = &failureReason
	r.payout.ErrorReference = &errorReference
	r.payout.NextRetryAt = nil
	return nil
}

func (r *payoutStubRepo) ListDueScheduledPayouts(ctx context.Context, now time.Time) ([]domain.Payout, error) {
	if r.payout != nil && r.payout.Status == domain.PayoutScheduled {
		return []domain.Payout{*r.payout}, nil
	}
	return nil, nil
}

func (r *payoutStubRepo) ListPayoutsDueForRetry(ctx context.Context, now time.Time) ([]domain.Payout, error) {
	if r.payout != nil && r.payout.Status == domain.PayoutScheduled && r.payout.NextRetryAt != nil {
		return []domain.Payout{*r.payout}, nil
	}
	return nil, nil
}

func newPayoutFixture(repo *payoutStubRepo, provider *stubProvider) *PayoutService {
	return NewPayoutService(repo, provider, nil, "settlement.events", 5000, 3, 6*time.Hour)
}

func TestGetEligibleBalanceUsesDefaultThreshold(t *testing.T) {
	repo := &payoutStubRepo{eligibleAmount: 7500, eligibleCount: 3}
	svc := newPayoutFixture(repo, &stubProvider{})

	balance, err := svc.GetEligibleBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetEligibleBalance returned error: %v", err)
	}
	if balance.ThresholdCents != 5000 {
		t.Errorf("threshold = %d, want platform default 5000", balance.ThresholdCents)
	}
	if !balance.MeetsThreshold {
		t.Error("7500 over a 5000 threshold should meet it")
	}
}

func TestGetEligibleBalanceUsesStoreOverride(t *testing.T) {
	repo := &payoutStubRepo{
		eligibleAmount: 7500,
		eligibleCount:  3,
		settings:       &domain.StorePayoutSettings{StoreID: uuid.New(), MinimumPayoutCents: 10000},
	}
	svc := newPayoutFixture(repo, &stubProvider{})

	balance, err := svc.GetEligibleBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetEligibleBalance returned error: %v", err)
	}
	if balance.ThresholdCents != 10000 {
		t.Errorf("threshold = %d, want store override 10000", balance.ThresholdCents)
	}
	if balance.MeetsThreshold {
		t.Error("7500 under a 10000 threshold must not meet it")
	}
}

func TestCreatePayoutBelowThreshold(t *testing.T) {
	repo := &payoutStubRepo{eligibleAmount: 3000, eligibleCount: 1}
	svc := newPayoutFixture(repo, &stubProvider{})

	_, err := svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestPayoutThresholdBoundary(t *testing.T) {
	// A balance exactly at the threshold pays out.
	repo := &payoutStubRepo{eligibleAmount: 5000, eligibleCount: 1}
	svc := newPayoutFixture(repo, &stubProvider{})

	balance, err := svc.GetEligibleBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetEligibleBalance returned error: %v", err)
	}
	if !balance.MeetsThreshold {
		t.Error("a balance equal to the threshold must meet it")
	}
	payout, err := svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	if err != nil {
		t.Fatalf("a payout at the exact threshold must be created, got %v", err)
	}
	if payout.AmountCents != 5000 {
		t.Errorf("payout amount = %d, want 5000", payout.AmountCents)
	}

	// One cent below does not.
	repo = &payoutStubRepo{eligibleAmount: 4999, eligibleCount: 1}
	svc = newPayoutFixture(repo, &stubProvider{})

	balance, err = svc.GetEligibleBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetEligibleBalance returned error: %v", err)
	}
	if balance.MeetsThreshold {
		t.Error("one cent below the threshold must not meet it")
	}
	_, err = svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError one cent below the threshold, got %v", err)
	}
}

func TestCreatePayoutRejectsSecondPending(t *testing.T) {
	repo := &payoutStubRepo{eligibleAmount: 9000, eligibleCount: 2, hasPending: true}
	svc := newPayoutFixture(repo, &stubProvider{})

	_, err := svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if repo.createCalls != 0 {
		t.Error("creation must not reach the store when a payout is pending")
	}
}

func TestCreatePayoutAggregatesEligibleRows(t *testing.T) {
	repo := &payoutStubRepo{eligibleAmount: 9000, eligibleCount: 2}
	svc := newPayoutFixture(repo, &stubProvider{})

	payout, err := svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	if err != nil {
		t.Fatalf("CreatePayout returned error: %v", err)
	}
	if payout.AmountCents != 9000 {
		t.Errorf("payout amount = %d, want 9000", payout.AmountCents)
	}
	if payout.Status != domain.PayoutScheduled {
		t.Errorf("payout status = %v, want scheduled", payout.Status)
	}
	if payout.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", payout.MaxRetries)
	}
}

func TestGenerateScheduledPayouts(t *testing.T) {
	storeA := uuid.New()
	repo := &payoutStubRepo{
		eligibleAmount: 9000,
		eligibleCount:  2,
		storesEligible: []uuid.UUID{storeA},
	}
	svc := newPayoutFixture(repo, &stubProvider{})

	created, err := svc.GenerateScheduledPayouts(context.Background())
	if err != nil {
		t.Fatalf("GenerateScheduledPayouts returned error: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	// A second sweep with the slot occupied creates nothing.
	repo.hasPending = true
	created, err = svc.GenerateScheduledPayouts(context.Background())
	if err != nil {
		t.Fatalf("second sweep returned error: %v", err)
	}
	if created != 0 {
		t.Fatalf("second sweep created = %d, want 0", created)
	}
}

func TestProcessPayoutSuccess(t *testing.T) {
	repo := &payoutStubRepo{eligibleAmount: 9000, eligibleCount: 2}
	provider := &stubProvider{payoutID: "prov_tx_789"}
	svc := newPayoutFixture(repo, provider)

	created, err := svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	if err != nil {
		t.Fatalf("CreatePayout returned error: %v", err)
	}

	paid, err := svc.ProcessPayout(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if paid.Status != domain.PayoutPaid {
		t.Fatalf("payout status = %v, want paid", paid.Status)
	}
	if paid.ExternalTransactionID == nil || *paid.ExternalTransactionID != "prov_tx_789" {
		t.Error("payout must carry the provider's transaction reference")
	}
	if provider.payoutCalls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.payoutCalls)
	}
}

func TestProcessPayoutRetryBudget(t *testing.T) {
	repo := &payoutStubRepo{eligibleAmount: 9000, eligibleCount: 2}
	provider := &stubProvider{payoutErr: errors.New("provider timeout")}
	svc := newPayoutFixture(repo, provider)

	created, err := svc.CreatePayout(context.Background(), domain.CreatePayoutPayload{StoreID: uuid.New()})
	if err != nil {
		t.Fatalf("CreatePayout returned error: %v", err)
	}

	// First two failures reschedule with an increasing retry count.
	for attempt := 1; attempt <= 2; attempt++ {
		updated, err := svc.ProcessPayout(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("attempt %d returned error: %v", attempt, err)
		}
		if updated.Status != domain.PayoutScheduled {
			t.Fatalf("attempt %d status = %v, want scheduled", attempt, updated.Status)
		}
		if updated.RetryCount != attempt {
			t.Fatalf("attempt %d retry count = %d, want %d", attempt, updated.RetryCount, attempt)
		}
		if updated.NextRetryAt == nil {
			t.Fatalf("attempt %d must set a retry timer", attempt)
		}
	}

	// The third failure exhausts the budget.
	final, err := svc.ProcessPayout(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("final attempt returned error: %v", err)
	}
	if final.Status != domain.PayoutFailed {
		t.Fatalf("final status = %v, want failed", final.Status)
	}
	if final.ErrorReference == nil || *final.ErrorReference == "" {
		t.Error("terminal failure must carry a support reference")
	}
	if final.NextRetryAt != nil {
		t.Error("terminal failure must clear the retry timer")
	}

	// A terminally failed payout is not claimable again.
	_, err = svc.ProcessPayout(context.Background(), created.ID)
	if !errors.Is(err, store.ErrPayoutNotClaimable) {
		t.Fatalf("expected ErrPayoutNotClaimable, got %v", err)
	}
}

func TestUpdateStoreSettings(t *testing.T) {
	repo := &payoutStubRepo{}
	svc := newPayoutFixture(repo, &stubProvider{})

	settings := &domain.StorePayoutSettings{StoreID: uuid.New(), MinimumPayoutCents: 2500}
	if err := svc.UpdateStoreSettings(context.Background(), settings); err != nil {
		t.Fatalf("UpdateStoreSettings returned error: %v", err)
	}
	if repo.upserted == nil {
		t.Fatal("settings were not persisted")
	}
	if repo.upserted.PayoutMethod != "bank_transfer" {
		t.Errorf("payout method = %q, want default bank_transfer", repo.upserted.PayoutMethod)
	}

	if err := svc.UpdateStoreSettings(context.Background(), &domain.StorePayoutSettings{StoreID: uuid.New(), MinimumPayoutCents: -1}); err == nil {
		t.Fatal("negative minimum must be rejected")
	}
}
