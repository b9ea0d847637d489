package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
)

// Jobs is the periodic work the worker drives.
type Jobs interface {
	SettleRewards(ctx context.Context) (application.SettlementReport, error)
	ProcessPendingConversions(ctx context.Context) (application.ConversionReport, error)
}

type Intervals struct {
	Settlement  time.Duration
	Conversions time.Duration
}

type Scheduler struct {
	logger    *slog.Logger
	jobs      Jobs
	intervals Intervals
}

func New(logger *slog.Logger, jobs Jobs, intervals Intervals) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if intervals.Settlement <= 0 {
		intervals.Settlement = time.Hour
	}
	if intervals.Conversions <= 0 {
		intervals.Conversions = 5 * time.Second
	}
	return &Scheduler{logger: logger, jobs: jobs, intervals: intervals}
}

// Run registers the settlement and conversion jobs and blocks until ctx is done.
// Each job runs in singleton mode, so a slow pass is never overlapped by the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(s.intervals.Conversions),
		gocron.NewTask(func() { s.processConversions(ctx) }),
		gocron.WithName("process_pending_conversions"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("register conversion job: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(s.intervals.Settlement),
		gocron.NewTask(func() { s.settle(ctx) }),
		gocron.WithName("settle_rewards"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("register settlement job: %w", err)
	}

	sched.Start()
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return ctx.Err()
}

func (s *Scheduler) settle(ctx context.Context) {
	report, err := s.jobs.SettleRewards(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("reward settlement pass failed",
			"module", "M42-Referral-Settlement-Service", "layer", "worker",
			"operation", "settle_rewards", "outcome", "failure", "error", err.Error(),
		)
		return
	}
	if report.Scanned > 0 {
		s.logger.Info("reward settlement pass",
			"module", "M42-Referral-Settlement-Service", "layer", "worker",
			"operation", "settle_rewards", "outcome", "success",
			"scanned", report.Scanned, "payable", report.Payable, "cancelled", report.Cancelled,
		)
	}
}

func (s *Scheduler) processConversions(ctx context.Context) {
	report, err := s.jobs.ProcessPendingConversions(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("conversion pass failed",
			"module", "M42-Referral-Settlement-Service", "layer", "worker",
			"operation", "process_pending_conversions", "outcome", "failure", "error", err.Error(),
		)
		return
	}
	if report.Scanned > 0 {
		s.logger.Info("conversion pass",
			"module", "M42-Referral-Settlement-Service", "layer", "worker",
			"operation", "process_pending_conversions", "outcome", "success",
			"scanned", report.Scanned, "applied", report.Applied, "failed", report.Failed,
		)
	}
}
