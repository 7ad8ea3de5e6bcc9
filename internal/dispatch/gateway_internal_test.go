package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

// The pre-check in Dispatch usually answers the duplicate question, but the
// one-active-run index is the arbiter when two dispatchers race past it. This
// exercises the insert directly, with a winner already holding the slot.
func TestInsertQueuedRunFoldsUniqueViolation(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := Gateway{
		Repo:     repo.Repo{DB: conn},
		Activity: activity.Writer{DB: conn, Now: func() time.Time { return clock }},
		Config:   config.Default(),
		Now:      func() time.Time { return clock },
	}
	ctx := context.Background()
	now := clock.Format(time.RFC3339)

	c := domain.Case{
		ID:        uuid.New().String(),
		Name:      "contested case",
		Status:    domain.CaseSent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.Repo.InsertCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	winner := domain.AgentRun{
		ID:        uuid.New().String(),
		CaseID:    c.ID,
		Trigger:   domain.TriggerInitialRequest,
		Status:    domain.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.Repo.InsertRun(ctx, winner); err != nil {
		t.Fatal(err)
	}

	_, lost, err := g.insertQueuedRun(ctx, c, Request{
		CaseID:  c.ID,
		Trigger: domain.TriggerFollowup,
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("unique violation must fold to a result, got error: %v", err)
	}
	if lost == nil {
		t.Fatal("expected a lost-race result")
	}
	if lost.Dispatched || lost.Reason != "active_run_exists" || lost.RunID != winner.ID {
		t.Fatalf("got %+v, want active_run_exists naming run %s", lost, winner.ID)
	}

	runs, err := g.Repo.ListRuns(ctx, repo.RunFilters{CaseID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != winner.ID {
		t.Fatalf("loser row leaked: %+v", runs)
	}
}
