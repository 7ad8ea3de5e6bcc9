package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"caseline/internal/activity"
	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/platform"
	"caseline/internal/repo"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Examined   int `json:"examined"`
	Failed     int `json:"failed"`
	Reconciled int `json:"reconciled"`
	Replaced   int `json:"replaced"`
	Exhausted  int `json:"exhausted"`
	Skipped    int `json:"skipped"`
}

// RecoverStaleQueuedRuns reconciles runs stuck in queued past the configured
// age against the platform's view of their execution. A remote answer we
// cannot trust leaves the run alone: resubmitting on uncertainty is the one
// way this system can duplicate work.
func (g Gateway) RecoverStaleQueuedRuns(ctx context.Context) (RecoveryReport, error) {
	cutoff := g.now().UTC().Add(-g.Config.StaleQueuedMaxAge()).Format(time.RFC3339)
	runs, err := g.Repo.StaleQueuedRuns(ctx, cutoff, g.Config.Dispatch.StaleQueuedLimit)
	if err != nil {
		return RecoveryReport{}, err
	}
	var report RecoveryReport
	for _, run := range runs {
		report.Examined++
		if err := g.recoverRun(ctx, run, &report); err != nil {
			log.Printf("recover: run %s: %v", run.ID, err)
			report.Skipped++
		}
	}
	return report, nil
}

func (g Gateway) recoverRun(ctx context.Context, run domain.AgentRun, report *RecoveryReport) error {
	meta := repo.RunMetadata(run)
	correlationID, _ := meta["correlation_id"].(string)
	if correlationID == "" {
		report.Skipped++
		return nil
	}
	status, err := g.Platform.GetStatus(ctx, correlationID)
	if err != nil || status == platform.StatusUnknown {
		report.Skipped++
		return nil
	}
	switch status {
	case platform.StatusAccepted, platform.StatusRunning:
		report.Skipped++
		return nil
	case platform.StatusFailed, platform.StatusCancelled:
		g.failRun(ctx, &run, "platform reported "+status)
		g.audit(ctx, run, "marked_failed", map[string]any{"remote_status": status})
		report.Failed++
		return nil
	case platform.StatusCompleted:
		now := g.stamp()
		run.Status = domain.RunCompleted
		run.EndedAt = &now
		run.UpdatedAt = now
		if err := g.Repo.UpdateRun(ctx, nil, run); err != nil {
			return err
		}
		g.audit(ctx, run, "reconciled_completed", map[string]any{"remote_status": status})
		report.Reconciled++
		return nil
	case platform.StatusPending:
		return g.replacePending(ctx, run, meta, report)
	}
	report.Skipped++
	return nil
}

// replacePending handles an execution the platform acknowledges but never
// picks up: fail the original and resubmit under a fresh key, up to the
// attempt cap.
func (g Gateway) replacePending(ctx context.Context, run domain.AgentRun, meta map[string]any, report *RecoveryReport) error {
	attempt := attemptCount(meta)
	if attempt >= g.Config.Dispatch.StaleQueuedMaxRetries {
		g.failRun(ctx, &run, fmt.Sprintf("still pending after %d attempts", attempt))
		g.audit(ctx, run, "retries_exhausted", map[string]any{"attempts": attempt})
		g.Notifier.Notify(ctx, notify.SeverityAlert, "queued run abandoned after retry cap", run.CaseID, map[string]any{
			"run_id":   run.ID,
			"attempts": attempt,
		})
		report.Exhausted++
		return nil
	}

	// Fail the original first so the replacement is not rejected by the
	// one-active-run constraint.
	g.failRun(ctx, &run, "replaced after stale queue")

	req := Request{
		CaseID:  run.CaseID,
		Source:  "recovery",
		Trigger: run.Trigger,
		Attempt: attempt + 1,
	}
	if run.MessageID != nil {
		req.MessageID = *run.MessageID
	}
	if key, ok := meta["scheduled_key"].(string); ok {
		req.ScheduledKey = key
	}
	if propID, ok := meta["proposal_id"].(string); ok {
		req.ProposalID = propID
	}
	res, err := g.Dispatch(ctx, req)
	if err != nil {
		g.audit(ctx, run, "replacement_failed", map[string]any{"error": err.Error()})
		return err
	}
	if res.Dispatched {
		g.linkReplacement(ctx, run.ID, res.RunID)
	}
	g.audit(ctx, run, "replaced", map[string]any{
		"replacement_run_id": res.RunID,
		"attempt":            attempt + 1,
	})
	report.Replaced++
	return nil
}

func (g Gateway) linkReplacement(ctx context.Context, originalID, replacementID string) {
	run, err := g.Repo.GetRun(ctx, originalID)
	if err != nil {
		return
	}
	meta := repo.RunMetadata(run)
	meta["replaced_by"] = replacementID
	repo.EncodeRunMetadata(&run, meta)
	run.UpdatedAt = g.stamp()
	if err := g.Repo.UpdateRun(ctx, nil, run); err != nil {
		log.Printf("recover: link replacement for %s: %v", originalID, err)
	}
}

func (g Gateway) audit(ctx context.Context, run domain.AgentRun, action string, details map[string]any) {
	err := withTx(ctx, g.Repo.DB, func(tx *sql.Tx) error {
		return g.Repo.AppendReaperAudit(ctx, tx, domain.ReaperAudit{
			Reaper:      "stale_queued_recovery",
			TargetKind:  "run",
			TargetID:    run.ID,
			CaseID:      run.CaseID,
			Action:      action,
			DetailsJSON: repo.MarshalAuditDetails(details),
			TS:          g.stamp(),
		})
	})
	if err != nil {
		log.Printf("recover: audit %s for run %s: %v", action, run.ID, err)
	}
	g.Activity.Log(ctx, "recovery."+action, run.CaseID, "run", run.ID, "", activity.Payload(details))
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func attemptCount(meta map[string]any) int {
	switch v := meta["dispatch_attempts"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}
