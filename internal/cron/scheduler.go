// Package cron runs periodic maintenance jobs against the persistence
// store, following the teacher's tick-and-fire scheduler shape adapted
// from session-scoped cron schedules to this daemon's fixed maintenance
// jobs (currently: reaping agents whose heartbeat has gone stale).
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/quantsys/scc-hub/internal/persistence"
)

// standardParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow), used to validate and schedule each Job's expression.
var standardParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named maintenance task driven by a cron expression.
type Job struct {
	Name     string
	CronExpr string
	schedule cronlib.Schedule
	nextRun  time.Time
	Run      func(ctx context.Context, store *persistence.Store, logger *slog.Logger)
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Jobs     []Job
	Interval time.Duration // tick interval; defaults to 30s if zero
}

// Scheduler ticks at Interval, firing any Job whose cron expression is due.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	jobs     []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler from cfg, parsing every job's cron
// expression up front so a malformed expression is caught at startup
// rather than silently never firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	jobs := make([]Job, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		sched, err := standardParser.Parse(j.CronExpr)
		if err != nil {
			return nil, err
		}
		j.schedule = sched
		j.nextRun = sched.Next(now)
		jobs[i] = j
	}

	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
		jobs:     jobs,
	}, nil
}

// Start begins the scheduler loop in a background goroutine, respecting ctx
// for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for i := range s.jobs {
		j := &s.jobs[i]
		if now.Before(j.nextRun) {
			continue
		}
		s.logger.Info("maintenance job firing", "job", j.Name)
		j.Run(ctx, s.store, s.logger)
		j.nextRun = j.schedule.Next(now)
	}
}

// ReapStaleAgentsJob builds the Job that offlines agents whose heartbeat is
// older than staleAfter, firing on cronExpr (default every 5 minutes:
// "*/5 * * * *").
func ReapStaleAgentsJob(cronExpr string, staleAfter time.Duration) Job {
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return Job{
		Name:     "reap_stale_agents",
		CronExpr: cronExpr,
		Run: func(ctx context.Context, store *persistence.Store, logger *slog.Logger) {
			cutoff := time.Now().Add(-staleAfter)
			reaped, err := store.ReapStaleAgents(ctx, cutoff)
			if err != nil {
				logger.Error("reap stale agents failed", "error", err)
				return
			}
			if len(reaped) > 0 {
				logger.Info("reaped stale agents", "agent_ids", reaped)
			}
		},
	}
}
