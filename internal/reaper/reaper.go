package reaper

import (
	"context"
	"log"
	"time"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/repo"
)

// Reaper recovers runs whose worker died without reporting back. Two passes
// with different horizons: ReapStuckLocks watches the heartbeat-extended lock
// expiry on runs that recorded lock acquisition, ReapStaleRuns catches
// anything running past the broader staleness TTL whatever its lock state
// says.
type Reaper struct {
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	Notifier *notify.Notifier
	Now      func() time.Time
}

func (r Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Report summarizes one reaper pass.
type Report struct {
	Examined  int `json:"examined"`
	Recovered int `json:"recovered"`
}

// ReapStuckLocks fails runs whose lock expiry passed without a heartbeat
// refresh. The expiry already carries the lock TTL, so the comparison point
// is plain now. Recovered runs keep their history: recovery_attempted guards
// against reaping the same run twice.
func (r Reaper) ReapStuckLocks(ctx context.Context) (Report, error) {
	now := r.now().UTC().Format(time.RFC3339)
	runs, err := r.Repo.StuckLockedRuns(ctx, now, r.Config.Sweeps.BatchLimit)
	if err != nil {
		return Report{}, err
	}
	return r.reap(ctx, runs, "lock_reaper", "lock TTL expired"), nil
}

// ReapStaleRuns fails any running run past the stale TTL, including runs that
// crashed before they could record the lock.
func (r Reaper) ReapStaleRuns(ctx context.Context) (Report, error) {
	cutoff := r.now().UTC().Add(-r.Config.RunStaleTTL()).Format(time.RFC3339)
	runs, err := r.Repo.StaleRunningRuns(ctx, cutoff, r.Config.Sweeps.BatchLimit)
	if err != nil {
		return Report{}, err
	}
	return r.reap(ctx, runs, "stale_run_reaper", "run stale TTL expired"), nil
}

func (r Reaper) reap(ctx context.Context, runs []domain.AgentRun, reaper, reason string) Report {
	report := Report{Examined: len(runs)}
	for _, run := range runs {
		if err := r.recoverRun(ctx, run, reaper, reason); err != nil {
			log.Printf("%s: run %s: %v", reaper, run.ID, err)
			continue
		}
		report.Recovered++
	}
	return report
}

func (r Reaper) recoverRun(ctx context.Context, run domain.AgentRun, reaper, reason string) error {
	now := r.now().UTC().Format(time.RFC3339)
	heartbeat := ""
	if run.HeartbeatAt != nil {
		heartbeat = *run.HeartbeatAt
	}

	run.Status = domain.RunFailedStale
	run.LockAcquired = false
	run.LockKey = nil
	run.LockExpiresAt = nil
	run.EndedAt = &now
	run.Error = &reason
	run.RecoveryAttempted = true
	run.RecoveredByReaper = true
	run.UpdatedAt = now

	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRun(ctx, tx, run); err != nil {
		return err
	}
	if run.Trigger == domain.TriggerFollowup {
		if err := r.Repo.ReopenProcessingSchedule(ctx, tx, run.CaseID, now); err != nil {
			return err
		}
	}
	if err := r.Repo.AppendReaperAudit(ctx, tx, domain.ReaperAudit{
		Reaper:     reaper,
		TargetKind: "run",
		TargetID:   run.ID,
		CaseID:     run.CaseID,
		Action:     "failed_stale",
		DetailsJSON: repo.MarshalAuditDetails(map[string]any{
			"reason":         reason,
			"last_heartbeat": heartbeat,
		}),
		TS: now,
	}); err != nil {
		return err
	}
	if err := r.Activity.Append(ctx, tx, "reaper.recovered", run.CaseID, "run", run.ID, reason, activity.Payload{
		"reaper": reaper,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.Notifier.Notify(ctx, notify.SeverityWarning, "run reaped as stale", run.CaseID, map[string]any{
		"run_id":         run.ID,
		"reaper":         reaper,
		"reason":         reason,
		"last_heartbeat": heartbeat,
	})
	return nil
}
