package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/platform"
	"caseline/internal/repo"
)

// Gateway is the single entry point for launching case runs. Every sweep,
// API handler and CLI command that wants a run goes through Dispatch.
type Gateway struct {
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	Platform platform.Runner
	Notifier *notify.Notifier
	Now      func() time.Time
}

func (g Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Gateway) stamp() string {
	return g.now().UTC().Format(time.RFC3339)
}

// Request describes a dispatch attempt.
type Request struct {
	CaseID       string
	Source       string
	Trigger      string
	MessageID    string
	Attempt      int
	ScheduledKey string
	ProposalID   string
}

// Result reports the outcome. Dispatched=false with a Reason is a normal
// answer, not an error: the caller lost a race or the case is not eligible.
type Result struct {
	Dispatched bool   `json:"dispatched"`
	Reason     string `json:"reason,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// Dispatch creates and submits a run for the case if its state allows one.
func (g Gateway) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.CaseID == "" {
		return Result{}, errors.New("case is required")
	}
	if req.Trigger == "" {
		return Result{}, errors.New("trigger is required")
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	c, err := g.Repo.GetCase(ctx, req.CaseID)
	if err != nil {
		return Result{}, err
	}
	switch c.Status {
	case domain.CaseCompleted, domain.CaseFailed:
		return Result{Reason: "already_" + c.Status}, nil
	case domain.CaseDraft, domain.CaseSubmissionInProgress:
		return Result{Reason: "unexpected_status_" + c.Status}, nil
	}

	if existing, err := g.Repo.ActiveRun(ctx, req.CaseID); err == nil {
		return Result{Reason: "active_run_exists", RunID: existing.ID}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}

	run, lost, err := g.insertQueuedRun(ctx, c, req)
	if err != nil {
		return Result{}, err
	}
	if lost != nil {
		return *lost, nil
	}
	g.Activity.Log(ctx, "dispatch.queued", req.CaseID, "run", run.ID, req.Source, activity.Payload{
		"trigger": req.Trigger,
		"attempt": req.Attempt,
	})

	return g.triggerTask(ctx, run, req)
}

// insertQueuedRun inserts the queued run row, relying on the one-active-run
// unique index as the final arbiter. Losing the insert race to a concurrent
// dispatcher is a normal outcome, reported as a Result naming the survivor.
func (g Gateway) insertQueuedRun(ctx context.Context, c domain.Case, req Request) (domain.AgentRun, *Result, error) {
	now := g.stamp()
	run := domain.AgentRun{
		ID:        uuid.New().String(),
		CaseID:    req.CaseID,
		Trigger:   req.Trigger,
		Status:    domain.RunQueued,
		Autopilot: c.Autopilot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.MessageID != "" {
		run.MessageID = &req.MessageID
	}
	meta := map[string]any{"dispatch_attempts": req.Attempt}
	if req.ScheduledKey != "" {
		meta["scheduled_key"] = req.ScheduledKey
	}
	if req.ProposalID != "" {
		meta["proposal_id"] = req.ProposalID
	}
	repo.EncodeRunMetadata(&run, meta)

	if err := g.Repo.InsertRun(ctx, run); err != nil {
		if repo.IsUniqueViolation(err) {
			res := Result{Reason: "active_run_exists"}
			if winner, err := g.Repo.ActiveRun(ctx, req.CaseID); err == nil {
				res.RunID = winner.ID
			}
			return domain.AgentRun{}, &res, nil
		}
		return domain.AgentRun{}, nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil, nil
}

// triggerTask submits the queued run to the execution platform, applying
// identity dedup first and starting verification after submission.
func (g Gateway) triggerTask(ctx context.Context, run domain.AgentRun, req Request) (Result, error) {
	if dedupable(req.Trigger) {
		survivor, err := g.Repo.ActiveRunByIdentity(ctx, req.CaseID, req.MessageID, req.Trigger, run.ID)
		if err == nil {
			if err := g.cancelDuplicate(ctx, run, survivor.ID); err != nil {
				return Result{}, err
			}
			return Result{Reason: "duplicate_identity", RunID: survivor.ID}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return Result{}, err
		}
	}

	key := IdempotencyKey(g.Config.Platform.TaskKind, req.CaseID, req.MessageID, req.Trigger, req.Attempt)
	payload := map[string]any{
		"case_id":   req.CaseID,
		"run_id":    run.ID,
		"trigger":   req.Trigger,
		"autopilot": run.Autopilot,
	}
	if req.MessageID != "" {
		payload["message_id"] = req.MessageID
	}
	if req.ProposalID != "" {
		payload["proposal_id"] = req.ProposalID
	}
	sub, err := g.Platform.Submit(ctx, g.Config.Platform.TaskKind, payload, platform.SubmitOptions{
		IdempotencyKey:    key,
		IdempotencyKeyTTL: g.Config.IdempotencyKeyTTL(),
	})
	if err != nil {
		g.failRun(ctx, &run, fmt.Sprintf("platform submit: %v", err))
		return Result{}, fmt.Errorf("submit run %s: %w", run.ID, err)
	}

	now := g.stamp()
	meta := repo.RunMetadata(run)
	meta["correlation_id"] = sub.ExecutionID
	meta["idempotency_key"] = key
	repo.EncodeRunMetadata(&run, meta)
	run.UpdatedAt = now
	if err := g.Repo.UpdateRun(ctx, nil, run); err != nil {
		return Result{}, err
	}
	g.Activity.Log(ctx, "dispatch.submitted", req.CaseID, "run", run.ID, "", activity.Payload{
		"correlation_id": sub.ExecutionID,
		"attempt":        req.Attempt,
	})

	g.VerifyRunStarted(ctx, run.ID, sub.ExecutionID)
	return Result{Dispatched: true, RunID: run.ID}, nil
}

// VerifyRunStarted polls the platform until the execution leaves pending or
// the verification window closes, recording the last observed bucket in run
// metadata. Verification never fails a run on its own: an uncertain answer is
// left for the recovery sweep rather than risking a duplicate.
func (g Gateway) VerifyRunStarted(ctx context.Context, runID, correlationID string) {
	deadline := g.now().Add(g.Config.VerifyWindow())
	last := platform.StatusUnknown
	for {
		status, err := g.Platform.GetStatus(ctx, correlationID)
		if err == nil {
			last = status
			if platform.Started(status) || status == platform.StatusFailed || status == platform.StatusCancelled {
				break
			}
		}
		if !g.now().Add(g.Config.VerifyPoll()).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			g.recordVerifyStatus(ctx, runID, last)
			return
		case <-time.After(g.Config.VerifyPoll()):
		}
	}
	g.recordVerifyStatus(ctx, runID, last)
}

func (g Gateway) recordVerifyStatus(ctx context.Context, runID, status string) {
	run, err := g.Repo.GetRun(ctx, runID)
	if err != nil {
		return
	}
	meta := repo.RunMetadata(run)
	meta["verify_status"] = status
	repo.EncodeRunMetadata(&run, meta)
	run.UpdatedAt = g.stamp()
	if err := g.Repo.UpdateRun(ctx, nil, run); err == nil {
		g.Activity.Log(ctx, "dispatch.verified", run.CaseID, "run", run.ID, "", activity.Payload{
			"verify_status": status,
		})
	}
}

func (g Gateway) cancelDuplicate(ctx context.Context, run domain.AgentRun, survivorID string) error {
	now := g.stamp()
	meta := repo.RunMetadata(run)
	meta["superseded_by"] = survivorID
	repo.EncodeRunMetadata(&run, meta)
	run.Status = domain.RunCancelled
	run.EndedAt = &now
	run.UpdatedAt = now
	if err := g.Repo.UpdateRun(ctx, nil, run); err != nil {
		return err
	}
	g.Activity.Log(ctx, "dispatch.deduplicated", run.CaseID, "run", run.ID, "", activity.Payload{
		"superseded_by": survivorID,
	})
	return nil
}

func (g Gateway) failRun(ctx context.Context, run *domain.AgentRun, message string) {
	now := g.stamp()
	run.Status = domain.RunFailed
	run.Error = &message
	run.EndedAt = &now
	run.UpdatedAt = now
	if err := g.Repo.UpdateRun(ctx, nil, *run); err == nil {
		g.Activity.Log(ctx, "dispatch.failed", run.CaseID, "run", run.ID, message, nil)
	}
	if run.Trigger == domain.TriggerFollowup {
		if err := g.Repo.ReopenProcessingSchedule(ctx, nil, run.CaseID, now); err != nil {
			log.Printf("dispatch: reopen schedule for case %s: %v", run.CaseID, err)
		}
	}
}

// dedupable reports whether a trigger participates in identity dedup. Reset
// runs intentionally supersede whatever is in flight.
func dedupable(trigger string) bool {
	switch trigger {
	case domain.TriggerInboundMessage, domain.TriggerFollowup:
		return true
	}
	return false
}

// IdempotencyKey derives the stable submission key for one logical dispatch.
// Retrying the same dispatch yields the same key, so the platform collapses
// accidental resubmissions; bumping the attempt makes a deliberately fresh key.
func IdempotencyKey(taskKind, caseID, messageID, trigger string, attempt int) string {
	parts := strings.Join([]string{taskKind, caseID, messageID, trigger, fmt.Sprintf("%d", attempt)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(parts)).String()
}
