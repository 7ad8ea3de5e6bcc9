package sweep

import (
	"context"
	"time"

	"caseline/internal/config"
	"caseline/internal/dispatch"
	"caseline/internal/engine"
	"caseline/internal/notify"
	"caseline/internal/repo"
)

// ContactCandidate is one possible correction for a case's recipient details.
type ContactCandidate struct {
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// ContactResearcher finds alternative contact details for a case that has
// gone quiet. Implementations live outside this module; the sweeps only
// consume the structured candidates.
type ContactResearcher interface {
	Research(ctx context.Context, caseID, caseName string) ([]ContactCandidate, error)
}

// Drafter produces draft text for outbound correspondence. Like the
// researcher, generation happens elsewhere; sweeps only carry the result.
type Drafter interface {
	Draft(ctx context.Context, kind, caseID string, context map[string]any) (string, error)
}

// Sweeper runs the periodic maintenance passes: due follow-ups, passed
// deadlines, orphaned cases and stuck decisions. Each pass works a bounded
// batch and isolates per-case failures so one bad row cannot stall the rest.
type Sweeper struct {
	Repo     repo.Repo
	Engine   engine.Engine
	Gateway  dispatch.Gateway
	Config   *config.Config
	Notifier *notify.Notifier
	Research ContactResearcher
	Drafter  Drafter
	Now      func() time.Time
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sweeper) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func proposalOptions(caseID, kind, reason string) engine.ProposalUpsertOptions {
	return engine.ProposalUpsertOptions{CaseID: caseID, Kind: kind, Reason: reason}
}

// Report summarizes one sweep pass.
type Report struct {
	Examined   int `json:"examined"`
	Dispatched int `json:"dispatched"`
	Proposed   int `json:"proposed"`
	Escalated  int `json:"escalated"`
	Completed  int `json:"completed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}
