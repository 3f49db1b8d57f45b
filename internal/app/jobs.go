/**
 * @description
 * Scheduled job implementations for the settlement sweeps: escrow clearance,
 * payout generation, payout processing and payout retries.
 *
 * @notes
 * - Each job holds its own mutex with TryLock so an overrunning sweep is
 *   skipped instead of stacked when the next cron tick fires.
 */

package app

import (
	"context"
	"log/slog"
	"sync"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	escrow  *EscrowService
	payouts *PayoutService
	logger  *slog.Logger

	clearanceMu  sync.Mutex
	generationMu sync.Mutex
	processingMu sync.Mutex
	retryMu      sync.Mutex
}

// NewJobs creates a new Jobs runner.
func NewJobs(escrow *EscrowService, payouts *PayoutService, logger *slog.Logger) *Jobs {
	return &Jobs{
		escrow:  escrow,
		payouts: payouts,
		logger:  logger,
	}
}

// RunClearanceSweep releases escrow rows whose clearance window has elapsed.
func (j *Jobs) RunClearanceSweep() {
	if !j.clearanceMu.TryLock() {
		j.logger.Warn("clearance sweep still running, skipping tick")
		return
	}
	defer j.clearanceMu.Unlock()

	j.logger.Info("starting escrow clearance sweep")
	released, err := j.escrow.ReleaseClearedFunds(context.Background())
	if err != nil {
		j.logger.Error("escrow clearance sweep failed", "error", err)
		return
	}
	j.logger.Info("escrow clearance sweep finished", "released", released)
}

// RunPayoutGeneration creates scheduled payouts for every store whose
// eligible balance crosses its threshold.
func (j *Jobs) RunPayoutGeneration() {
	if !j.generationMu.TryLock() {
		j.logger.Warn("payout generation still running, skipping tick")
		return
	}
	defer j.generationMu.Unlock()

	j.logger.Info("starting payout generation sweep")
	created, err := j.payouts.GenerateScheduledPayouts(context.Background())
	if err != nil {
		j.logger.Error("payout generation sweep failed", "error", err)
		return
	}
	j.logger.Info("payout generation sweep finished", "created", created)
}

// RunPayoutProcessing submits due scheduled payouts to the provider.
func (j *Jobs) RunPayoutProcessing() {
	if !j.processingMu.TryLock() {
		j.logger.Warn("payout processing still running, skipping tick")
		return
	}
	defer j.processingMu.Unlock()

	j.logger.Info("starting payout processing sweep")
	attempted, err := j.payouts.ProcessDuePayouts(context.Background())
	if err != nil {
		j.logger.Error("payout processing sweep failed", "error", err)
		return
	}
	j.logger.Info("payout processing sweep finished", "attempted", attempted)
}

// RunPayoutRetries re-submits payouts whose retry timer has elapsed.
func (j *Jobs) RunPayoutRetries() {
	if !j.retryMu.TryLock() {
		j.logger.Warn("payout retry sweep still running, skipping tick")
		return
	}
	defer j.retryMu.Unlock()

	j.logger.Info("starting payout retry sweep")
	attempted, err := j.payouts.RetryFailedPayouts(context.Background())
	if err != nil {
		j.logger.Error("payout retry sweep failed", "error", err)
		return
	}
	j.logger.Info("payout retry sweep finished", "attempted", attempted)
}
