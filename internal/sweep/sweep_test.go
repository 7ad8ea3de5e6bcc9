package sweep_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/dispatch"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/platform"
	"caseline/internal/repo"
	"caseline/internal/sweep"
)

type fakePlatform struct {
	nextID  int
	submits []platform.SubmitOptions
}

func (f *fakePlatform) Submit(ctx context.Context, taskKind string, payload map[string]any, opts platform.SubmitOptions) (platform.Submission, error) {
	f.nextID++
	f.submits = append(f.submits, opts)
	return platform.Submission{ExecutionID: fmt.Sprintf("exec-%d", f.nextID), Status: platform.StatusPending}, nil
}

func (f *fakePlatform) GetStatus(ctx context.Context, executionID string) (string, error) {
	return platform.StatusPending, nil
}

func (f *fakePlatform) Cancel(ctx context.Context, executionID string) error { return nil }

type fakeResearcher struct {
	candidates []sweep.ContactCandidate
	err        error
}

func (f fakeResearcher) Research(ctx context.Context, caseID, caseName string) ([]sweep.ContactCandidate, error) {
	return f.candidates, f.err
}

type fakeDrafter struct{ text string }

func (f fakeDrafter) Draft(ctx context.Context, kind, caseID string, _ map[string]any) (string, error) {
	return f.text, nil
}

type testEnv struct {
	Sweeper  sweep.Sweeper
	Engine   engine.Engine
	Platform *fakePlatform
	Ctx      context.Context
	Clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Dispatch.VerifyPollSec = cfg.Dispatch.VerifyWindowSec
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	eng := engine.New(conn, cfg)
	eng.Now = clock
	fake := &fakePlatform{}
	gw := dispatch.Gateway{
		Repo:     eng.Repo,
		Activity: activity.Writer{DB: conn, Now: clock},
		Config:   cfg,
		Platform: fake,
		Now:      clock,
	}
	sw := sweep.Sweeper{
		Repo:    eng.Repo,
		Engine:  eng,
		Gateway: gw,
		Config:  cfg,
		Now:     clock,
	}
	return &testEnv{Sweeper: sw, Engine: eng, Platform: fake, Ctx: context.Background(), Clock: &now}
}

func (env *testEnv) sentCase(t *testing.T, name string, opts engine.CaseCreateOptions) domain.Case {
	t.Helper()
	opts.Name = name
	c, err := env.Engine.CreateCase(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	c, err = env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseSent, true)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (env *testEnv) pastDeadline() string {
	return env.Clock.Add(-time.Hour).UTC().Format(time.RFC3339)
}

func (env *testEnv) insertInbound(t *testing.T, caseID, intent string, receivedAt time.Time) domain.Message {
	t.Helper()
	m := domain.Message{
		ID:         uuid.New().String(),
		CaseID:     caseID,
		Direction:  "inbound",
		Subject:    "re: your request",
		ReceivedAt: receivedAt.UTC().Format(time.RFC3339),
	}
	if intent != "" {
		m.Intent = &intent
	}
	if err := env.Engine.Repo.InsertMessage(env.Ctx, m); err != nil {
		t.Fatal(err)
	}
	return m
}

// quietInbound places the message before the inbound quiet window so the
// deadline sweep still picks the case up.
func (env *testEnv) quietInbound(t *testing.T, caseID, intent string) domain.Message {
	at := env.Clock.Add(-env.Sweeper.Config.InboundQuietWindow() - time.Hour)
	return env.insertInbound(t, caseID, intent, at)
}

func TestSweepFollowUpsDispatchesDue(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "autopilot case", engine.CaseCreateOptions{Autopilot: true})

	// Nothing due before the interval elapses.
	report, err := env.Sweeper.SweepFollowUps(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 0 {
		t.Fatalf("premature follow-up: %+v", report)
	}

	*env.Clock = env.Clock.Add(env.Sweeper.Config.FollowUpInterval() + time.Hour)
	report, err = env.Sweeper.SweepFollowUps(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Dispatched != 1 {
		t.Fatalf("got %+v, want 1 dispatched", report)
	}
	if len(env.Platform.submits) != 1 {
		t.Fatalf("expected one submission, got %d", len(env.Platform.submits))
	}
	s, err := env.Engine.Repo.GetSchedule(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.ScheduleProcessing || s.ScheduledKey == nil {
		t.Fatalf("expected processing schedule with key, got %+v", s)
	}
	run, err := env.Engine.Repo.ActiveRun(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Trigger != domain.TriggerFollowup {
		t.Fatalf("run trigger = %s, want followup", run.Trigger)
	}
	if got := repo.RunMetadata(run)["scheduled_key"]; got != *s.ScheduledKey {
		t.Fatalf("run scheduled_key = %v, want %s", got, *s.ScheduledKey)
	}

	// The active run keeps the schedule out of the next pass.
	report, err = env.Sweeper.SweepFollowUps(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 0 {
		t.Fatalf("schedule picked up again: %+v", report)
	}
}

func TestSweepFollowUpsSkipsRecordedKey(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "case", engine.CaseCreateOptions{Autopilot: true})

	// Simulate a pass that recorded the key for today's cycle but left the
	// schedule due, as after a crash between dispatch and status update.
	s, err := env.Engine.Repo.GetSchedule(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	due := env.Clock.Add(-time.Minute).UTC().Format(time.RFC3339)
	key := fmt.Sprintf("followup:%s:%d:%s", c.ID, s.SentCount, env.Clock.UTC().Format("2006-01-02"))
	s.NextDueAt = &due
	s.ScheduledKey = &key
	if err := env.Engine.Repo.UpsertSchedule(env.Ctx, nil, s); err != nil {
		t.Fatal(err)
	}

	report, err := env.Sweeper.SweepFollowUps(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 1 || report.Skipped != 1 || report.Dispatched != 0 {
		t.Fatalf("got %+v, want the cycle skipped", report)
	}
	if len(env.Platform.submits) != 0 {
		t.Fatalf("no submission expected, got %d", len(env.Platform.submits))
	}
}

func TestSweepDeadlinesRoutesIntents(t *testing.T) {
	cases := []struct {
		intent     string
		kind       string
		caseStatus string
	}{
		{sweep.IntentFeeRequired, "fee_decision", domain.CaseNeedsFeeDecision},
		{sweep.IntentClarification, "clarification", domain.CaseNeedsHumanReview},
		{sweep.IntentRejected, "rebuttal", domain.CaseNeedsRebuttal},
		{sweep.IntentResubmissionRequired, "resubmission", domain.CaseNeedsHumanReview},
	}
	for _, tc := range cases {
		t.Run(tc.intent, func(t *testing.T) {
			env := newTestEnv(t)
			c := env.sentCase(t, "case "+tc.intent, engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})
			env.quietInbound(t, c.ID, tc.intent)

			report, err := env.Sweeper.SweepDeadlines(env.Ctx)
			if err != nil {
				t.Fatal(err)
			}
			if report.Proposed != 1 {
				t.Fatalf("got %+v, want 1 proposed", report)
			}
			p, err := env.Engine.Repo.ProposalForCaseAndKind(env.Ctx, c.ID, tc.kind)
			if err != nil {
				t.Fatalf("expected %s proposal: %v", tc.kind, err)
			}
			if p.Status != domain.ProposalPendingApproval {
				t.Fatalf("proposal status = %s, want pending_approval", p.Status)
			}
			got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
			if got.Status != tc.caseStatus {
				t.Fatalf("case status = %s, want %s", got.Status, tc.caseStatus)
			}
		})
	}
}

func TestSweepDeadlineConfirmedCompletes(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "confirmed case", engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})
	env.quietInbound(t, c.ID, sweep.IntentConfirmed)

	report, err := env.Sweeper.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Completed != 1 {
		t.Fatalf("got %+v, want 1 completed", report)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if got.Status != domain.CaseCompleted {
		t.Fatalf("case status = %s, want completed", got.Status)
	}
}

func TestSweepDeadlineUnknownIntentEscalates(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "odd case", engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})
	env.quietInbound(t, c.ID, "autoreply_gibberish")

	report, err := env.Sweeper.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 {
		t.Fatalf("got %+v, want 1 escalated", report)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if got.Status != domain.CaseNeedsPhoneCall {
		t.Fatalf("case status = %s, want needs_phone_call", got.Status)
	}
}

func TestSweepDeadlineRecentInboundSuppresses(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "responsive case", engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})
	env.insertInbound(t, c.ID, sweep.IntentRejected, env.Clock.Add(-time.Hour))

	report, err := env.Sweeper.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 0 {
		t.Fatalf("recently contacted case must be left alone: %+v", report)
	}
}

func TestSweepDeadlineDismissedBreaker(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "breaker case", engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})
	env.quietInbound(t, c.ID, sweep.IntentRejected)

	for i := 0; i < env.Sweeper.Config.Sweeps.DismissedBreaker; i++ {
		p, err := env.Engine.UpsertProposal(env.Ctx, engine.ProposalUpsertOptions{
			CaseID: c.ID,
			Kind:   fmt.Sprintf("rebuttal_%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.ResolveProposal(env.Ctx, p.ID, domain.ProposalDismissed, "operator dismissed"); err != nil {
			t.Fatal(err)
		}
	}

	report, err := env.Sweeper.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 || report.Proposed != 0 {
		t.Fatalf("got %+v, want breaker escalation instead of another proposal", report)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if got.Status != domain.CaseNeedsPhoneCall {
		t.Fatalf("case status = %s, want needs_phone_call", got.Status)
	}
}

func TestSweepDeadlineContactResearch(t *testing.T) {
	env := newTestEnv(t)
	env.Sweeper.Research = fakeResearcher{candidates: []sweep.ContactCandidate{
		{Name: "Records Office", Email: "records@example.org", Source: "registry", Confidence: 0.8},
	}}
	c := env.sentCase(t, "silent case", engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})

	report, err := env.Sweeper.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Proposed != 1 {
		t.Fatalf("got %+v, want 1 proposed", report)
	}
	p, err := env.Engine.Repo.ProposalForCaseAndKind(env.Ctx, c.ID, "contact_correction")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.Reason, "records@example.org") {
		t.Fatalf("candidate details missing from reason: %q", p.Reason)
	}
}

func TestSweepDeadlineResearchFailureEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.Sweeper.Research = fakeResearcher{err: errors.New("lookup unavailable")}
	c := env.sentCase(t, "silent case", engine.CaseCreateOptions{DeadlineAt: env.pastDeadline()})

	report, err := env.Sweeper.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 {
		t.Fatalf("got %+v, want escalation", report)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if got.Status != domain.CaseNeedsPhoneCall {
		t.Fatalf("case status = %s, want needs_phone_call", got.Status)
	}
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "parked case", engine.CaseCreateOptions{})
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseNeedsHumanReview, true); err != nil {
		t.Fatal(err)
	}

	*env.Clock = env.Clock.Add(env.Sweeper.Config.OrphanThreshold() + time.Hour)
	report, err := env.Sweeper.SweepOrphans(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 1 || report.Proposed != 1 {
		t.Fatalf("got %+v, want 1 proposed", report)
	}
	p, err := env.Engine.Repo.ProposalForCaseAndKind(env.Ctx, c.ID, "manual_review")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProposalPendingApproval {
		t.Fatalf("proposal status = %s", p.Status)
	}

	// The open fallback proposal keeps the case out of the next pass.
	report, err = env.Sweeper.SweepOrphans(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 0 {
		t.Fatalf("orphan picked up again: %+v", report)
	}
}

func TestSweepOrphansDismissedBreaker(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "parked case", engine.CaseCreateOptions{})
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseNeedsHumanReview, true); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(env.Sweeper.Config.OrphanThreshold() + time.Hour)

	// Each dismissal shifts the fallback dedup key, so the next pass files a
	// fresh proposal instead of reviving the dismissed row.
	for i := 0; i < env.Sweeper.Config.Sweeps.DismissedBreaker; i++ {
		report, err := env.Sweeper.SweepOrphans(env.Ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Proposed != 1 {
			t.Fatalf("pass %d: got %+v, want 1 proposed", i, report)
		}
		p, err := env.Engine.Repo.ProposalForCaseAndKind(env.Ctx, c.ID, "manual_review")
		if err != nil {
			t.Fatal(err)
		}
		if p.Status != domain.ProposalPendingApproval {
			t.Fatalf("pass %d: proposal status = %s, want pending_approval", i, p.Status)
		}
		*env.Clock = env.Clock.Add(time.Minute)
		if _, err := env.Engine.ResolveProposal(env.Ctx, p.ID, domain.ProposalDismissed, "operator dismissed"); err != nil {
			t.Fatal(err)
		}
		*env.Clock = env.Clock.Add(time.Minute)
	}

	dismissed, err := env.Engine.Repo.CountDismissedProposals(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dismissed != env.Sweeper.Config.Sweeps.DismissedBreaker {
		t.Fatalf("dismissed count = %d, want %d", dismissed, env.Sweeper.Config.Sweeps.DismissedBreaker)
	}

	report, err := env.Sweeper.SweepOrphans(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 || report.Proposed != 0 {
		t.Fatalf("got %+v, want breaker escalation instead of another proposal", report)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if got.Status != domain.CaseNeedsPhoneCall {
		t.Fatalf("case status = %s, want needs_phone_call", got.Status)
	}
}

func TestSweepStuckDecisionsRetries(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "case", engine.CaseCreateOptions{})
	p, err := env.Engine.UpsertProposal(env.Ctx, engine.ProposalUpsertOptions{CaseID: c.ID, Kind: "rebuttal"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyDecision(env.Ctx, p.ID, `{"action":"accept"}`); err != nil {
		t.Fatal(err)
	}

	*env.Clock = env.Clock.Add(env.Sweeper.Config.DecisionStuckWindow() + time.Minute)
	report, err := env.Sweeper.SweepStuckDecisions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Dispatched != 1 {
		t.Fatalf("got %+v, want 1 dispatched", report)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 1 || got.Status != domain.ProposalDecisionReceived {
		t.Fatalf("unexpected proposal state: %+v", got)
	}
	run, err := env.Engine.Repo.ActiveRun(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Trigger != domain.TriggerResumeRetry {
		t.Fatalf("run trigger = %s, want resume_retry", run.Trigger)
	}
	if got := repo.RunMetadata(run)["proposal_id"]; got != p.ID {
		t.Fatalf("run proposal_id = %v, want %s", got, p.ID)
	}

	// The active retry run defers further passes.
	*env.Clock = env.Clock.Add(env.Sweeper.Config.DecisionStuckWindow() + time.Minute)
	report, err = env.Sweeper.SweepStuckDecisions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Dispatched != 0 {
		t.Fatalf("got %+v, want the proposal skipped", report)
	}
}

func TestSweepStuckDecisionsExhausts(t *testing.T) {
	env := newTestEnv(t)
	c := env.sentCase(t, "case", engine.CaseCreateOptions{})
	p, err := env.Engine.UpsertProposal(env.Ctx, engine.ProposalUpsertOptions{CaseID: c.ID, Kind: "rebuttal"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyDecision(env.Ctx, p.ID, `{"action":"accept"}`); err != nil {
		t.Fatal(err)
	}
	p, err = env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	p.RetryCount = env.Sweeper.Config.Sweeps.DecisionMaxRetries
	if err := env.Engine.Repo.UpdateProposal(env.Ctx, nil, p); err != nil {
		t.Fatal(err)
	}

	*env.Clock = env.Clock.Add(env.Sweeper.Config.DecisionStuckWindow() + time.Minute)
	report, err := env.Sweeper.SweepStuckDecisions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 {
		t.Fatalf("got %+v, want 1 escalated", report)
	}
	got, _ := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if got.Status != domain.ProposalDismissed {
		t.Fatalf("proposal status = %s, want dismissed", got.Status)
	}
	caseRow, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if caseRow.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("case status = %s, want needs_human_review", caseRow.Status)
	}
	if _, err := env.Engine.Repo.ActiveRun(env.Ctx, c.ID); err == nil {
		t.Fatalf("no retry run expected after exhaustion")
	}
}
