package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"caseline/internal/domain"
	"caseline/internal/engine"
)

// SweepOrphans finds cases parked in a needs-attention status past the
// threshold with no open proposal to resolve them, and synthesizes a
// manual_review fallback proposal so they show up in the review queue.
// The dedup key carries the dismissed count, so each operator dismissal
// produces a fresh proposal on the next pass instead of reviving the old
// row; once dismissals reach the breaker the case escalates to a phone
// call instead.
func (s Sweeper) SweepOrphans(ctx context.Context) (Report, error) {
	parkedSince := s.now().UTC().Add(-s.Config.OrphanThreshold()).Format(time.RFC3339)
	cases, err := s.Repo.OrphanedCases(ctx, parkedSince, s.Config.Sweeps.BatchLimit)
	if err != nil {
		return Report{}, err
	}
	report := Report{Examined: len(cases)}
	for _, c := range cases {
		if err := s.orphanCase(ctx, c, &report); err != nil {
			log.Printf("orphan sweep: case %s: %v", c.ID, err)
			report.Errors++
		}
	}
	return report, nil
}

func (s Sweeper) orphanCase(ctx context.Context, c domain.Case, report *Report) error {
	dismissed, err := s.Repo.CountDismissedProposals(ctx, c.ID)
	if err != nil {
		return err
	}
	if dismissed >= s.Config.Sweeps.DismissedBreaker {
		return s.escalate(ctx, c, report, fmt.Sprintf("orphaned in %s after %d dismissed proposals", c.Status, dismissed))
	}
	_, err = s.Engine.UpsertProposal(ctx, engine.ProposalUpsertOptions{
		CaseID:   c.ID,
		Kind:     "manual_review",
		DedupKey: fmt.Sprintf("manual_review|%s|%d", c.ID, dismissed),
		Reason:   fmt.Sprintf("case parked in %s with no open proposal", c.Status),
	})
	if err != nil {
		return err
	}
	report.Proposed++
	return nil
}
