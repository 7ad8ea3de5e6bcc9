package scheduler

import (
	"context"
	"log"
	"time"

	"caseline/internal/config"
	"caseline/internal/dispatch"
	"caseline/internal/reaper"
	"caseline/internal/sweep"
)

// Scheduler drives the periodic passes: one goroutine per loop, each on its
// own configured interval. Every loop runs once at startup and then on the
// tick; pass errors are logged and the loop keeps going.
type Scheduler struct {
	Sweeper sweep.Sweeper
	Reaper  reaper.Reaper
	Gateway dispatch.Gateway
	Config  *config.Config
}

// Start launches all loops and returns. They stop when ctx is cancelled.
func (s Scheduler) Start(ctx context.Context) {
	minutes := func(n int) time.Duration { return time.Duration(n) * time.Minute }
	go s.loop(ctx, "followups", minutes(s.Config.Sweeps.FollowUpIntervalMin), func() error {
		report, err := s.Sweeper.SweepFollowUps(ctx)
		logReport("followups", report.Examined, report.Dispatched, err)
		return err
	})
	go s.loop(ctx, "deadlines", minutes(s.Config.Sweeps.DeadlineIntervalMin), func() error {
		report, err := s.Sweeper.SweepDeadlines(ctx)
		logReport("deadlines", report.Examined, report.Proposed+report.Escalated+report.Completed, err)
		return err
	})
	go s.loop(ctx, "orphans", minutes(s.Config.Sweeps.OrphanIntervalMin), func() error {
		report, err := s.Sweeper.SweepOrphans(ctx)
		logReport("orphans", report.Examined, report.Proposed, err)
		return err
	})
	go s.loop(ctx, "decisions", minutes(s.Config.Sweeps.DecisionIntervalMin), func() error {
		report, err := s.Sweeper.SweepStuckDecisions(ctx)
		logReport("decisions", report.Examined, report.Dispatched+report.Escalated, err)
		return err
	})
	go s.loop(ctx, "reaper", minutes(s.Config.Sweeps.ReaperIntervalMin), func() error {
		locks, err := s.Reaper.ReapStuckLocks(ctx)
		if err != nil {
			return err
		}
		stale, err := s.Reaper.ReapStaleRuns(ctx)
		logReport("reaper", locks.Examined+stale.Examined, locks.Recovered+stale.Recovered, err)
		return err
	})
	go s.loop(ctx, "recovery", minutes(s.Config.Sweeps.RecoveryIntervalMin), func() error {
		report, err := s.Gateway.RecoverStaleQueuedRuns(ctx)
		logReport("recovery", report.Examined, report.Failed+report.Reconciled+report.Replaced+report.Exhausted, err)
		return err
	})
}

func (s Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func() error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pass(); err != nil {
			log.Printf("scheduler: %s pass failed: %v", name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logReport(name string, examined, acted int, err error) {
	if err != nil || examined == 0 {
		return
	}
	log.Printf("scheduler: %s examined=%d acted=%d", name, examined, acted)
}
