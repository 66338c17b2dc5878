/**
 * @description
 * Cron scheduler setup for the periodic jobs: the email reconciliation poll
 * and the stale-redemption operational alert.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/grouptoken/ledger-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron         *cron.Cron
	pipeline     *EmailPipeline
	orchestrator *RedemptionOrchestrator
	logger       *slog.Logger
	config       config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(pipeline *EmailPipeline, orchestrator *RedemptionOrchestrator, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:         c,
		pipeline:     pipeline,
		orchestrator: orchestrator,
		logger:       logger,
		config:       cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.EmailPollSchedule, s.runEmailPoll); err != nil {
		s.logger.Error("failed to schedule email poll job", "error", err)
	} else {
		s.logger.Info("scheduled email poll job", "schedule", s.config.EmailPollSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.RedemptionAlertSchedule, s.runRedemptionAlert); err != nil {
		s.logger.Error("failed to schedule redemption alert job", "error", err)
	} else {
		s.logger.Info("scheduled redemption alert job", "schedule", s.config.RedemptionAlertSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runEmailPoll() {
	s.logger.Info("starting email reconciliation poll")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.pipeline.Poll(ctx); err != nil {
		s.logger.Error("email reconciliation poll failed", "error", err)
		return
	}
	s.logger.Info("email reconciliation poll finished")
}

func (s *Scheduler) runRedemptionAlert() {
	s.logger.Info("starting stale redemption sweep")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	staleAfter := time.Duration(s.config.RedemptionStaleAfterMinutes) * time.Minute
	if err := s.orchestrator.AlertStaleRedemptions(ctx, staleAfter); err != nil {
		s.logger.Error("stale redemption sweep failed", "error", err)
		return
	}
	s.logger.Info("stale redemption sweep finished")
}
