package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"caseline/internal/activity"
	"caseline/internal/dispatch"
	"caseline/internal/domain"
)

// SweepFollowUps dispatches a follow-up run for every schedule row that is
// due. Each cycle has a deterministic scheduled key; seeing the key already
// recorded means a previous pass got there first and this one is a no-op.
func (s Sweeper) SweepFollowUps(ctx context.Context) (Report, error) {
	now := s.stamp()
	due, err := s.Repo.DueSchedules(ctx, now, s.Config.Sweeps.BatchLimit)
	if err != nil {
		return Report{}, err
	}
	report := Report{Examined: len(due)}
	for _, schedule := range due {
		dispatched, err := s.followUp(ctx, schedule)
		if err != nil {
			log.Printf("followup sweep: case %s: %v", schedule.CaseID, err)
			report.Errors++
			s.recordFollowUpError(ctx, schedule)
			continue
		}
		if dispatched {
			report.Dispatched++
		} else {
			report.Skipped++
		}
	}
	return report, nil
}

func (s Sweeper) followUp(ctx context.Context, schedule domain.FollowUpSchedule) (bool, error) {
	key := followUpKey(schedule.CaseID, schedule.SentCount, s.now())
	if schedule.ScheduledKey != nil && *schedule.ScheduledKey == key {
		return false, nil
	}

	if s.Drafter != nil {
		draft, err := s.Drafter.Draft(ctx, "followup", schedule.CaseID, map[string]any{
			"sent_count": schedule.SentCount,
		})
		if err != nil {
			log.Printf("followup sweep: draft for case %s: %v", schedule.CaseID, err)
		} else if draft != "" {
			s.Gateway.Activity.Log(ctx, "followup.drafted", schedule.CaseID, "schedule", schedule.CaseID, draft, nil)
		}
	}

	res, err := s.Gateway.Dispatch(ctx, dispatch.Request{
		CaseID:       schedule.CaseID,
		Source:       "followup_sweep",
		Trigger:      domain.TriggerFollowup,
		ScheduledKey: key,
	})
	if err != nil {
		return false, err
	}
	if !res.Dispatched {
		// Another run holds the case; the schedule stays due and the next
		// pass retries.
		return false, nil
	}

	now := s.stamp()
	schedule.Status = domain.ScheduleProcessing
	schedule.ScheduledKey = &key
	schedule.ErrorCount = 0
	schedule.UpdatedAt = now
	if err := s.Repo.UpsertSchedule(ctx, nil, schedule); err != nil {
		return true, err
	}
	return true, nil
}

func (s Sweeper) recordFollowUpError(ctx context.Context, schedule domain.FollowUpSchedule) {
	schedule.ErrorCount++
	if schedule.ErrorCount >= domain.FollowUpMaxErrors {
		schedule.Status = domain.ScheduleFailed
	}
	schedule.UpdatedAt = s.stamp()
	if err := s.Repo.UpsertSchedule(ctx, nil, schedule); err != nil {
		log.Printf("followup sweep: record error for case %s: %v", schedule.CaseID, err)
		return
	}
	if schedule.Status == domain.ScheduleFailed {
		s.Gateway.Activity.Log(ctx, "followup.schedule_failed", schedule.CaseID, "schedule", schedule.CaseID, "", activity.Payload{
			"error_count": schedule.ErrorCount,
		})
	}
}

func followUpKey(caseID string, sentCount int, now time.Time) string {
	return fmt.Sprintf("followup:%s:%d:%s", caseID, sentCount, now.UTC().Format("2006-01-02"))
}
