/**
 * @description
 * Cron scheduler setup for the settlement sweeps.
 */

package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/tradora/settlement-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ClearanceSweepSchedule, s.jobs.RunClearanceSweep); err != nil {
		s.logger.Error("failed to schedule clearance sweep", "error", err)
	} else {
		s.logger.Info("scheduled clearance sweep", "schedule", s.config.ClearanceSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PayoutGenerationSchedule, s.jobs.RunPayoutGeneration); err != nil {
		s.logger.Error("failed to schedule payout generation sweep", "error", err)
	} else {
		s.logger.Info("scheduled payout generation sweep", "schedule", s.config.PayoutGenerationSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PayoutProcessingSchedule, s.jobs.RunPayoutProcessing); err != nil {
		s.logger.Error("failed to schedule payout processing sweep", "error", err)
	} else {
		s.logger.Info("scheduled payout processing sweep", "schedule", s.config.PayoutProcessingSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PayoutRetrySchedule, s.jobs.RunPayoutRetries); err != nil {
		s.logger.Error("failed to schedule payout retry sweep", "error", err)
	} else {
		s.logger.Info("scheduled payout retry sweep", "schedule", s.config.PayoutRetrySchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
