package reaper_test

import (
	"context"
	"testing"
	"time"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/reaper"
	"caseline/internal/repo"

	"github.com/google/uuid"
)

type testEnv struct {
	Reaper reaper.Reaper
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
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
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	eng := engine.New(conn, cfg)
	eng.Now = clock
	rp := reaper.Reaper{
		Repo:     eng.Repo,
		Activity: activity.Writer{DB: conn, Now: clock},
		Config:   cfg,
		Now:      clock,
	}
	return testEnv{Reaper: rp, Engine: eng, Ctx: context.Background(), Clock: &now}
}

func (env testEnv) runningRun(t *testing.T, caseName string) domain.AgentRun {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Name: caseName})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseSent, true); err != nil {
		t.Fatal(err)
	}
	now := env.Clock.UTC().Format(time.RFC3339)
	run := domain.AgentRun{
		ID:        uuid.New().String(),
		CaseID:    c.ID,
		Trigger:   domain.TriggerInitialRequest,
		Status:    domain.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertRun(env.Ctx, run); err != nil {
		t.Fatal(err)
	}
	started, err := env.Engine.StartRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	return started
}

func TestReapStuckLocks(t *testing.T) {
	env := newTestEnv(t)
	run := env.runningRun(t, "stuck case")

	// Inside the lock TTL nothing is touched.
	report, err := env.Reaper.ReapStuckLocks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 0 {
		t.Fatalf("premature reap: %+v", report)
	}

	*env.Clock = env.Clock.Add(env.Reaper.Config.LockTTL() + time.Minute)
	report, err = env.Reaper.ReapStuckLocks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 1 || report.Recovered != 1 {
		t.Fatalf("got %+v, want 1 examined 1 recovered", report)
	}

	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailedStale {
		t.Fatalf("status = %s, want failed_stale", got.Status)
	}
	if got.LockAcquired || got.LockKey != nil || got.LockExpiresAt != nil {
		t.Fatalf("lock not released: %+v", got)
	}
	if !got.RecoveryAttempted || !got.RecoveredByReaper || got.EndedAt == nil {
		t.Fatalf("recovery markers missing: %+v", got)
	}

	audits, err := env.Engine.Repo.ListReaperAudit(env.Ctx, repo.AuditFilters{Reaper: "lock_reaper"})
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 1 || audits[0].Action != "failed_stale" || audits[0].TargetID != run.ID {
		t.Fatalf("unexpected audit trail: %+v", audits)
	}
}

func TestReapHeartbeatKeepsRunAlive(t *testing.T) {
	env := newTestEnv(t)
	run := env.runningRun(t, "live case")

	// A worker heartbeating every five minutes stays alive well past the
	// lock TTL: each heartbeat pushes lock_expires_at forward.
	deadline := env.Clock.Add(env.Reaper.Config.LockTTL() + 30*time.Minute)
	for env.Clock.Before(deadline) {
		*env.Clock = env.Clock.Add(5 * time.Minute)
		if _, err := env.Engine.Heartbeat(env.Ctx, run.ID); err != nil {
			t.Fatal(err)
		}
		report, err := env.Reaper.ReapStuckLocks(env.Ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Examined != 0 {
			t.Fatalf("heartbeating run picked up at %s: %+v", env.Clock.Format(time.RFC3339), report)
		}
	}
	got, _ := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if got.Status != domain.RunRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}

	// Once heartbeats stop, the lock expiry lapses and the run is reaped.
	*env.Clock = env.Clock.Add(env.Reaper.Config.LockTTL() + time.Minute)
	report, err := env.Reaper.ReapStuckLocks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Recovered != 1 {
		t.Fatalf("got %+v, want the silent run reaped", report)
	}
	got, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if got.Status != domain.RunFailedStale {
		t.Fatalf("status = %s, want failed_stale", got.Status)
	}
}

func TestReapStaleRuns(t *testing.T) {
	env := newTestEnv(t)
	run := env.runningRun(t, "crashed case")

	*env.Clock = env.Clock.Add(env.Reaper.Config.RunStaleTTL() + time.Minute)
	report, err := env.Reaper.ReapStaleRuns(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Recovered != 1 {
		t.Fatalf("got %+v, want 1 recovered", report)
	}
	got, _ := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if got.Status != domain.RunFailedStale || got.Error == nil {
		t.Fatalf("unexpected run state: %+v", got)
	}
}

func TestReapReopensFollowUpSchedule(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Name: "autopilot case", Autopilot: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseSent, true); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.Repo.GetSchedule(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	key := "followup:" + c.ID + ":0:2026-03-01"
	s.Status = domain.ScheduleProcessing
	s.ScheduledKey = &key
	if err := env.Engine.Repo.UpsertSchedule(env.Ctx, nil, s); err != nil {
		t.Fatal(err)
	}

	now := env.Clock.UTC().Format(time.RFC3339)
	run := domain.AgentRun{
		ID:        uuid.New().String(),
		CaseID:    c.ID,
		Trigger:   domain.TriggerFollowup,
		Status:    domain.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertRun(env.Ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartRun(env.Ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	*env.Clock = env.Clock.Add(env.Reaper.Config.LockTTL() + time.Minute)
	report, err := env.Reaper.ReapStuckLocks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Recovered != 1 {
		t.Fatalf("got %+v, want the run reaped", report)
	}
	got, err := env.Engine.Repo.GetSchedule(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ScheduleScheduled || got.ErrorCount != 1 || got.ScheduledKey != nil {
		t.Fatalf("expected reopened schedule after reap, got %+v", got)
	}
}

func TestReapIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.runningRun(t, "case")

	*env.Clock = env.Clock.Add(env.Reaper.Config.RunStaleTTL() + time.Minute)
	if _, err := env.Reaper.ReapStuckLocks(env.Ctx); err != nil {
		t.Fatal(err)
	}
	// recovery_attempted keeps the run out of both later passes.
	locks, err := env.Reaper.ReapStuckLocks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	stale, err := env.Reaper.ReapStaleRuns(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if locks.Examined != 0 || stale.Examined != 0 {
		t.Fatalf("reaped run picked up again: locks=%+v stale=%+v", locks, stale)
	}
	audits, err := env.Engine.Repo.ListReaperAudit(env.Ctx, repo.AuditFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected a single audit row, got %d", len(audits))
	}
}
