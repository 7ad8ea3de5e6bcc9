package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CaseCreateOptions are parameters for creating a case.
type CaseCreateOptions struct {
	ID         string
	Name       string
	DeadlineAt string
	PortalURL  string
	Autopilot  bool
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if opts.Name == "" {
		return domain.Case{}, errors.New("name is required")
	}
	id := opts.ID
	now := e.stamp()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Name+"|"+now)).String()
	}
	c := domain.Case{
		ID:        id,
		Name:      opts.Name,
		Status:    domain.CaseDraft,
		Autopilot: opts.Autopilot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.DeadlineAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.DeadlineAt); err != nil {
			return domain.Case{}, fmt.Errorf("invalid deadline: %w", err)
		}
		c.DeadlineAt = &opts.DeadlineAt
	}
	if opts.PortalURL != "" {
		c.PortalURL = &opts.PortalURL
	}
	if err := e.Repo.InsertCase(ctx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	e.Activity.Log(ctx, "case.created", c.ID, "case", c.ID, c.Name, activity.Payload{"status": c.Status})
	return c, nil
}

// SetCaseStatus transitions a case, enforcing the allowed status graph unless
// force is set. Moving into sent stamps sent_at and seeds the follow-up
// schedule for autopilot cases.
func (e Engine) SetCaseStatus(ctx context.Context, caseID, status string, force bool) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Status == status {
		return c, nil
	}
	if err := ensureCaseTransition(c.Status, status, force); err != nil {
		return domain.Case{}, err
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	// Re-read under the transaction; a concurrent transition between the
	// pre-check and here must not be silently overwritten.
	cur, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if cur.Status != c.Status {
		return domain.Case{}, fmt.Errorf("case %s status changed to %s", caseID, cur.Status)
	}
	if err := e.Repo.UpdateCaseStatus(ctx, tx, caseID, status, now); err != nil {
		return domain.Case{}, err
	}
	if status == domain.CaseSent && c.SentAt == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE cases SET sent_at=? WHERE id=?`, now, caseID); err != nil {
			return domain.Case{}, err
		}
		c.SentAt = &now
		if c.Autopilot {
			if err := e.seedSchedule(ctx, tx, caseID, now); err != nil {
				return domain.Case{}, err
			}
		}
	}
	if err := e.Activity.Append(ctx, tx, "case.status", caseID, "case", caseID, "", activity.Payload{
		"from": c.Status,
		"to":   status,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Status = status
	c.UpdatedAt = now
	return c, nil
}

func (e Engine) seedSchedule(ctx context.Context, tx *sql.Tx, caseID, now string) error {
	if _, err := e.Repo.GetSchedule(ctx, caseID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	due := e.now().UTC().Add(e.Config.FollowUpInterval()).Format(time.RFC3339)
	return e.Repo.UpsertSchedule(ctx, tx, domain.FollowUpSchedule{
		CaseID:    caseID,
		NextDueAt: &due,
		SentCount: 0,
		MaxCount:  e.Config.FollowUps.MaxCount,
		Status:    domain.ScheduleScheduled,
		AutoSend:  true,
		UpdatedAt: now,
	})
}

func ensureCaseTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	parked := func(s string) bool {
		switch s {
		case domain.CaseNeedsHumanReview, domain.CaseNeedsPhoneCall, domain.CaseNeedsFeeDecision, domain.CaseNeedsRebuttal:
			return true
		}
		return false
	}
	switch {
	case oldStatus == domain.CaseDraft:
		if newStatus == domain.CaseReady || newStatus == domain.CaseFailed {
			return nil
		}
	case oldStatus == domain.CaseReady:
		if newStatus == domain.CaseSubmissionInProgress || newStatus == domain.CaseSent || newStatus == domain.CaseFailed {
			return nil
		}
	case oldStatus == domain.CaseSubmissionInProgress:
		if newStatus == domain.CaseSent || newStatus == domain.CaseFailed {
			return nil
		}
	case oldStatus == domain.CaseSent:
		if newStatus == domain.CaseAwaitingResponse || newStatus == domain.CaseCompleted || newStatus == domain.CaseFailed || parked(newStatus) {
			return nil
		}
	case oldStatus == domain.CaseAwaitingResponse:
		if newStatus == domain.CaseSent || newStatus == domain.CaseCompleted || newStatus == domain.CaseFailed || parked(newStatus) {
			return nil
		}
	case parked(oldStatus):
		if newStatus == domain.CaseSent || newStatus == domain.CaseAwaitingResponse ||
			newStatus == domain.CaseCompleted || newStatus == domain.CaseFailed || parked(newStatus) {
			return nil
		}
	}
	return fmt.Errorf("invalid case status transition %s -> %s", oldStatus, newStatus)
}

// StartRun moves a queued run to running and takes the case lock: lock_key,
// lock_expires_at = now + lock TTL, started_at and heartbeat_at stamped.
func (e Engine) StartRun(ctx context.Context, runID string) (domain.AgentRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if run.Status != domain.RunQueued && run.Status != domain.RunCreated {
		return domain.AgentRun{}, fmt.Errorf("run %s not startable from status %s", runID, run.Status)
	}
	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	expires := nowT.Add(e.Config.LockTTL()).Format(time.RFC3339)
	lockKey := uuid.New().String()

	run.Status = domain.RunRunning
	run.LockAcquired = true
	run.LockKey = &lockKey
	run.LockExpiresAt = &expires
	run.StartedAt = &now
	run.HeartbeatAt = &now
	run.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.AgentRun{}, err
	}
	if err := e.Activity.Append(ctx, tx, "run.started", run.CaseID, "run", run.ID, "", activity.Payload{
		"trigger":         run.Trigger,
		"lock_expires_at": expires,
	}); err != nil {
		return domain.AgentRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentRun{}, err
	}
	return run, nil
}

// Heartbeat refreshes a running run's liveness stamp and re-extends its lock.
func (e Engine) Heartbeat(ctx context.Context, runID string) (domain.AgentRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if run.Status != domain.RunRunning {
		return domain.AgentRun{}, fmt.Errorf("run %s not running", runID)
	}
	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	expires := nowT.Add(e.Config.LockTTL()).Format(time.RFC3339)
	run.HeartbeatAt = &now
	run.LockExpiresAt = &expires
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, nil, run); err != nil {
		return domain.AgentRun{}, err
	}
	return run, nil
}

// FinishOptions terminalize a run.
type FinishOptions struct {
	Status string // completed, failed or cancelled
	Error  string
}

// FinishRun closes out an active run: releases the lock, stamps ended_at, and
// applies completion side effects (follow-up advance, proposal approval).
func (e Engine) FinishRun(ctx context.Context, runID string, opts FinishOptions) (domain.AgentRun, error) {
	switch opts.Status {
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
	default:
		return domain.AgentRun{}, fmt.Errorf("invalid terminal status %s", opts.Status)
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if !run.Active() {
		return domain.AgentRun{}, fmt.Errorf("run %s already terminal (%s)", runID, run.Status)
	}
	now := e.stamp()
	run.Status = opts.Status
	run.LockAcquired = false
	run.LockKey = nil
	run.LockExpiresAt = nil
	run.EndedAt = &now
	run.UpdatedAt = now
	if opts.Error != "" {
		run.Error = &opts.Error
	}

	var schedule *domain.FollowUpSchedule
	if run.Trigger == domain.TriggerFollowup {
		s, err := e.Repo.GetSchedule(ctx, run.CaseID)
		if err == nil {
			schedule = &s
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.AgentRun{}, err
		}
	}
	meta := repo.RunMetadata(run)
	var proposal *domain.Proposal
	if propID, ok := meta["proposal_id"].(string); ok && propID != "" && opts.Status == domain.RunCompleted {
		p, err := e.Repo.GetProposal(ctx, propID)
		if err == nil && p.Status != domain.ProposalApproved && p.Status != domain.ProposalDismissed {
			proposal = &p
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.AgentRun{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.AgentRun{}, err
	}
	if schedule != nil {
		if opts.Status == domain.RunCompleted {
			if err := e.advanceSchedule(ctx, tx, *schedule, now); err != nil {
				return domain.AgentRun{}, err
			}
		} else {
			// A failed or cancelled follow-up run must not strand the
			// schedule in processing; reopen it so the sweep retries.
			if err := e.Repo.ReopenProcessingSchedule(ctx, tx, run.CaseID, now); err != nil {
				return domain.AgentRun{}, err
			}
		}
	}
	if proposal != nil {
		proposal.Status = domain.ProposalApproved
		proposal.DecidedAt = &now
		proposal.UpdatedAt = now
		if err := e.Repo.UpdateProposal(ctx, tx, *proposal); err != nil {
			return domain.AgentRun{}, err
		}
		if err := e.Activity.Append(ctx, tx, "proposal.approved", run.CaseID, "proposal", proposal.ID, "", activity.Payload{
			"run_id": run.ID,
		}); err != nil {
			return domain.AgentRun{}, err
		}
	}
	if err := e.Activity.Append(ctx, tx, "run.finished", run.CaseID, "run", run.ID, opts.Error, activity.Payload{
		"status": opts.Status,
	}); err != nil {
		return domain.AgentRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentRun{}, err
	}
	return run, nil
}

// advanceSchedule moves the follow-up cycle forward after a completed
// follow-up run: sent_count++, next due date, or max_reached at the cap.
func (e Engine) advanceSchedule(ctx context.Context, tx *sql.Tx, s domain.FollowUpSchedule, now string) error {
	s.SentCount++
	s.ScheduledKey = nil
	s.ErrorCount = 0
	s.UpdatedAt = now
	if s.SentCount >= s.MaxCount {
		s.Status = domain.ScheduleMaxReached
		s.NextDueAt = nil
	} else {
		s.Status = domain.ScheduleScheduled
		due := e.now().UTC().Add(e.Config.FollowUpInterval()).Format(time.RFC3339)
		s.NextDueAt = &due
	}
	return e.Repo.UpsertSchedule(ctx, tx, s)
}

// CancelRun cancels an active run outside the normal finish path; reason is
// stored in run metadata.
func (e Engine) CancelRun(ctx context.Context, runID, reason string) (domain.AgentRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.AgentRun{}, err
	}
	if !run.Active() {
		return domain.AgentRun{}, fmt.Errorf("run %s already terminal (%s)", runID, run.Status)
	}
	now := e.stamp()
	run.Status = domain.RunCancelled
	run.LockAcquired = false
	run.LockKey = nil
	run.LockExpiresAt = nil
	run.EndedAt = &now
	run.UpdatedAt = now
	if reason != "" {
		meta := repo.RunMetadata(run)
		meta["cancel_reason"] = reason
		repo.EncodeRunMetadata(&run, meta)
	}
	if err := e.Repo.UpdateRun(ctx, nil, run); err != nil {
		return domain.AgentRun{}, err
	}
	if run.Trigger == domain.TriggerFollowup {
		if err := e.Repo.ReopenProcessingSchedule(ctx, nil, run.CaseID, now); err != nil {
			return domain.AgentRun{}, err
		}
	}
	e.Activity.Log(ctx, "run.cancelled", run.CaseID, "run", run.ID, reason, nil)
	return run, nil
}

// ProposalUpsertOptions create or refresh a proposal keyed on dedup_key.
type ProposalUpsertOptions struct {
	CaseID   string
	Kind     string
	DedupKey string
	Status   string
	Reason   string
}

func (e Engine) UpsertProposal(ctx context.Context, opts ProposalUpsertOptions) (domain.Proposal, error) {
	if opts.CaseID == "" || opts.Kind == "" {
		return domain.Proposal{}, errors.New("case and kind are required")
	}
	if _, err := e.Repo.GetCase(ctx, opts.CaseID); err != nil {
		return domain.Proposal{}, err
	}
	if opts.DedupKey == "" {
		opts.DedupKey = opts.CaseID + "|" + opts.Kind
	}
	if opts.Status == "" {
		opts.Status = domain.ProposalPendingApproval
	}
	now := e.stamp()
	p := domain.Proposal{
		ID:        uuid.New().String(),
		CaseID:    opts.CaseID,
		Kind:      opts.Kind,
		Status:    opts.Status,
		DedupKey:  opts.DedupKey,
		Reason:    opts.Reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Activity.Append(ctx, tx, "proposal.upserted", p.CaseID, "proposal", p.DedupKey, p.Reason, activity.Payload{
		"kind":   p.Kind,
		"status": p.Status,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	// The upsert keeps the original row id and retry count on conflict.
	return e.Repo.GetProposalByKey(ctx, opts.DedupKey)
}

// ApplyDecision records a reviewer decision on a proposal. The decision sweep
// picks it up from decision_received for execution.
func (e Engine) ApplyDecision(ctx context.Context, proposalID, decisionJSON string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	switch p.Status {
	case domain.ProposalApproved, domain.ProposalDismissed:
		return domain.Proposal{}, fmt.Errorf("proposal %s already resolved (%s)", proposalID, p.Status)
	}
	now := e.stamp()
	p.Status = domain.ProposalDecisionReceived
	p.DecisionJSON = &decisionJSON
	p.DecidedAt = &now
	p.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Activity.Append(ctx, tx, "proposal.decision", p.CaseID, "proposal", p.ID, "", activity.Payload{
		"kind": p.Kind,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// ResolveProposal moves a proposal to a terminal status (approved, dismissed
// or blocked) with a reason.
func (e Engine) ResolveProposal(ctx context.Context, proposalID, status, reason string) (domain.Proposal, error) {
	switch status {
	case domain.ProposalApproved, domain.ProposalDismissed, domain.ProposalBlocked:
	default:
		return domain.Proposal{}, fmt.Errorf("invalid resolution status %s", status)
	}
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	now := e.stamp()
	p.Status = status
	if reason != "" {
		p.Reason = reason
	}
	p.DecidedAt = &now
	p.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Activity.Append(ctx, tx, "proposal."+status, p.CaseID, "proposal", p.ID, reason, nil); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// EscalateCase parks a case for a human phone call. Used when automated
// routing runs out of options or the dismissal breaker trips.
func (e Engine) EscalateCase(ctx context.Context, caseID, reason string) (domain.Case, error) {
	c, err := e.SetCaseStatus(ctx, caseID, domain.CaseNeedsPhoneCall, true)
	if err != nil {
		return domain.Case{}, err
	}
	e.Activity.Log(ctx, "case.escalated", caseID, "case", caseID, reason, nil)
	return c, nil
}

// ScheduleOptions configure a case's follow-up cycle.
type ScheduleOptions struct {
	CaseID    string
	NextDueAt string
	MaxCount  int
	Status    string
	AutoSend  bool
}

// SetSchedule creates or replaces a case's follow-up schedule row.
func (e Engine) SetSchedule(ctx context.Context, opts ScheduleOptions) (domain.FollowUpSchedule, error) {
	if _, err := e.Repo.GetCase(ctx, opts.CaseID); err != nil {
		return domain.FollowUpSchedule{}, err
	}
	now := e.stamp()
	s := domain.FollowUpSchedule{
		CaseID:    opts.CaseID,
		MaxCount:  opts.MaxCount,
		Status:    opts.Status,
		AutoSend:  opts.AutoSend,
		UpdatedAt: now,
	}
	if existing, err := e.Repo.GetSchedule(ctx, opts.CaseID); err == nil {
		s.SentCount = existing.SentCount
		s.ErrorCount = existing.ErrorCount
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.FollowUpSchedule{}, err
	}
	if s.MaxCount == 0 {
		s.MaxCount = e.Config.FollowUps.MaxCount
	}
	if s.Status == "" {
		s.Status = domain.ScheduleScheduled
	}
	if opts.NextDueAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.NextDueAt); err != nil {
			return domain.FollowUpSchedule{}, fmt.Errorf("invalid next due date: %w", err)
		}
		s.NextDueAt = &opts.NextDueAt
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FollowUpSchedule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSchedule(ctx, tx, s); err != nil {
		return domain.FollowUpSchedule{}, err
	}
	if err := e.Activity.Append(ctx, tx, "schedule.set", s.CaseID, "schedule", s.CaseID, "", activity.Payload{
		"status":    s.Status,
		"max_count": s.MaxCount,
	}); err != nil {
		return domain.FollowUpSchedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FollowUpSchedule{}, err
	}
	return s, nil
}

// RecordMessage stores an inbound or outbound correspondence row. Intent and
// confidence come from the upstream classifier when present.
func (e Engine) RecordMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if m.CaseID == "" {
		return domain.Message{}, errors.New("case is required")
	}
	if m.Direction != "inbound" && m.Direction != "outbound" {
		return domain.Message{}, fmt.Errorf("invalid direction %s", m.Direction)
	}
	if _, err := e.Repo.GetCase(ctx, m.CaseID); err != nil {
		return domain.Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.ReceivedAt == "" {
		m.ReceivedAt = e.stamp()
	}
	if err := e.Repo.InsertMessage(ctx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	e.Activity.Log(ctx, "message.recorded", m.CaseID, "message", m.ID, m.Subject, activity.Payload{
		"direction": m.Direction,
	})
	return m, nil
}
