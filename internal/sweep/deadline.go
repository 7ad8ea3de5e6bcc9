package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/repo"
)

// Inbound message intents the deadline sweep routes on. The classifier that
// assigns them lives outside this module; its output is persisted on message
// rows.
const (
	IntentFeeRequired          = "fee_required"
	IntentClarification        = "clarification_requested"
	IntentRejected             = "rejected"
	IntentResubmissionRequired = "resubmission_required"
	IntentConfirmed            = "confirmed"
)

// SweepDeadlines handles cases whose response deadline passed without a
// recent inbound message. The latest inbound intent decides the next step;
// with nothing to go on, contact research is the fallback, and repeated
// operator dismissals trip a breaker straight to phone escalation.
func (s Sweeper) SweepDeadlines(ctx context.Context) (Report, error) {
	now := s.stamp()
	quietSince := s.now().UTC().Add(-s.Config.InboundQuietWindow()).Format(time.RFC3339)
	cases, err := s.Repo.CasesPastDeadline(ctx, now, quietSince, s.Config.Sweeps.BatchLimit)
	if err != nil {
		return Report{}, err
	}
	report := Report{Examined: len(cases)}
	for _, c := range cases {
		if err := s.deadlineCase(ctx, c, &report); err != nil {
			log.Printf("deadline sweep: case %s: %v", c.ID, err)
			report.Errors++
		}
	}
	return report, nil
}

func (s Sweeper) deadlineCase(ctx context.Context, c domain.Case, report *Report) error {
	dismissed, err := s.Repo.CountDismissedProposals(ctx, c.ID)
	if err != nil {
		return err
	}
	if dismissed >= s.Config.Sweeps.DismissedBreaker {
		return s.escalate(ctx, c, report, fmt.Sprintf("deadline passed after %d dismissed proposals", dismissed))
	}

	msg, err := s.Repo.LatestInboundMessage(ctx, c.ID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && msg.Intent == nil) {
		return s.researchContact(ctx, c, report)
	}
	if err != nil {
		return err
	}

	switch *msg.Intent {
	case IntentFeeRequired:
		return s.propose(ctx, c, report, "fee_decision", msg.ID,
			"recipient requires a fee before processing", domain.CaseNeedsFeeDecision)
	case IntentClarification:
		return s.propose(ctx, c, report, "clarification", msg.ID,
			"recipient requested clarification", domain.CaseNeedsHumanReview)
	case IntentRejected:
		return s.propose(ctx, c, report, "rebuttal", msg.ID,
			"recipient rejected the request", domain.CaseNeedsRebuttal)
	case IntentResubmissionRequired:
		return s.propose(ctx, c, report, "resubmission", msg.ID,
			"recipient requires resubmission", domain.CaseNeedsHumanReview)
	case IntentConfirmed:
		if _, err := s.Engine.SetCaseStatus(ctx, c.ID, domain.CaseCompleted, true); err != nil {
			return err
		}
		report.Completed++
		return nil
	default:
		return s.escalate(ctx, c, report, "deadline passed with unclassifiable inbound intent "+*msg.Intent)
	}
}

// propose upserts a proposal of the given kind, attaching a draft when the
// drafter can produce one, and parks the case in the matching status.
func (s Sweeper) propose(ctx context.Context, c domain.Case, report *Report, kind, messageID, reason, caseStatus string) error {
	if s.Drafter != nil {
		draft, err := s.Drafter.Draft(ctx, kind, c.ID, map[string]any{"message_id": messageID})
		if err != nil {
			log.Printf("deadline sweep: draft %s for case %s: %v", kind, c.ID, err)
		} else if draft != "" {
			reason = reason + "\n\n" + draft
		}
	}
	if _, err := s.Engine.UpsertProposal(ctx, proposalOptions(c.ID, kind, reason)); err != nil {
		return err
	}
	if c.Status != caseStatus {
		if _, err := s.Engine.SetCaseStatus(ctx, c.ID, caseStatus, true); err != nil {
			return err
		}
	}
	report.Proposed++
	return nil
}

func (s Sweeper) researchContact(ctx context.Context, c domain.Case, report *Report) error {
	if s.Research == nil {
		return s.escalate(ctx, c, report, "deadline passed with no inbound response and no researcher configured")
	}
	candidates, err := s.Research.Research(ctx, c.ID, c.Name)
	if err != nil {
		log.Printf("deadline sweep: research for case %s: %v", c.ID, err)
		return s.escalate(ctx, c, report, "deadline passed; contact research failed")
	}
	if len(candidates) == 0 {
		return s.escalate(ctx, c, report, "deadline passed; no alternative contact found")
	}
	detail, _ := json.Marshal(candidates)
	reason := "deadline passed with no response; alternative contacts found: " + string(detail)
	if _, err := s.Engine.UpsertProposal(ctx, proposalOptions(c.ID, "contact_correction", reason)); err != nil {
		return err
	}
	report.Proposed++
	return nil
}

func (s Sweeper) escalate(ctx context.Context, c domain.Case, report *Report, reason string) error {
	if _, err := s.Engine.EscalateCase(ctx, c.ID, reason); err != nil {
		return err
	}
	s.Notifier.Notify(ctx, notify.SeverityAlert, "case escalated to phone call", c.ID, map[string]any{
		"case":   c.Name,
		"reason": reason,
	})
	report.Escalated++
	return nil
}
