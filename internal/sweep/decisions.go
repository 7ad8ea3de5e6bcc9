package sweep

import (
	"context"
	"errors"
	"log"
	"time"

	"caseline/internal/dispatch"
	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/repo"
)

const retryExhaustedReason = "execution_retry_exhausted"

// SweepStuckDecisions retries proposals whose operator decision arrived but
// whose execution never progressed. Each retry re-dispatches under a fresh
// idempotency key; once the retry budget is spent the proposal is dismissed
// and the case goes to human review.
func (s Sweeper) SweepStuckDecisions(ctx context.Context) (Report, error) {
	cutoff := s.now().UTC().Add(-s.Config.DecisionStuckWindow()).Format(time.RFC3339)
	proposals, err := s.Repo.StuckDecisionProposals(ctx, cutoff, s.Config.Sweeps.BatchLimit)
	if err != nil {
		return Report{}, err
	}
	report := Report{Examined: len(proposals)}
	for _, p := range proposals {
		if err := s.retryDecision(ctx, p, &report); err != nil {
			log.Printf("decision sweep: proposal %s: %v", p.ID, err)
			report.Errors++
		}
	}
	return report, nil
}

func (s Sweeper) retryDecision(ctx context.Context, p domain.Proposal, report *Report) error {
	if _, err := s.Repo.ActiveRun(ctx, p.CaseID); err == nil {
		// Execution may still be under way; leave the proposal for the
		// next pass.
		report.Skipped++
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if p.RetryCount >= s.Config.Sweeps.DecisionMaxRetries {
		return s.exhaust(ctx, p, report)
	}

	p.RetryCount++
	p.UpdatedAt = s.stamp()
	if err := s.Repo.UpdateProposal(ctx, nil, p); err != nil {
		return err
	}
	res, err := s.Gateway.Dispatch(ctx, dispatch.Request{
		CaseID:     p.CaseID,
		Source:     "decision_sweep",
		Trigger:    domain.TriggerResumeRetry,
		Attempt:    p.RetryCount,
		ProposalID: p.ID,
	})
	if err != nil {
		return err
	}
	if res.Dispatched {
		report.Dispatched++
	} else {
		report.Skipped++
	}
	return nil
}

func (s Sweeper) exhaust(ctx context.Context, p domain.Proposal, report *Report) error {
	if _, err := s.Engine.ResolveProposal(ctx, p.ID, domain.ProposalDismissed, retryExhaustedReason); err != nil {
		return err
	}
	if _, err := s.Engine.SetCaseStatus(ctx, p.CaseID, domain.CaseNeedsHumanReview, true); err != nil {
		return err
	}
	s.Notifier.Notify(ctx, notify.SeverityAlert, "proposal execution retries exhausted", p.CaseID, map[string]any{
		"proposal_id": p.ID,
		"kind":        p.Kind,
		"retries":     p.RetryCount,
	})
	report.Escalated++
	return nil
}
