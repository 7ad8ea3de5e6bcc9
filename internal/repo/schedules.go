package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const scheduleColumns = `case_id,next_due_at,sent_count,max_count,status,auto_send,error_count,scheduled_key,updated_at`

func scanSchedule(scan func(dest ...any) error) (domain.FollowUpSchedule, error) {
	var s domain.FollowUpSchedule
	var nextDue, key sql.NullString
	err := scan(&s.CaseID, &nextDue, &s.SentCount, &s.MaxCount, &s.Status, &s.AutoSend, &s.ErrorCount, &key, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.NextDueAt = nullableString(nextDue)
	s.ScheduledKey = nullableString(key)
	return s, nil
}

func (r Repo) UpsertSchedule(ctx context.Context, tx *sql.Tx, s domain.FollowUpSchedule) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO follow_up_schedule(`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET next_due_at=excluded.next_due_at, sent_count=excluded.sent_count,
max_count=excluded.max_count, status=excluded.status, auto_send=excluded.auto_send,
error_count=excluded.error_count, scheduled_key=excluded.scheduled_key, updated_at=excluded.updated_at`,
		s.CaseID, nullableStringPtr(s.NextDueAt), s.SentCount, s.MaxCount, s.Status, s.AutoSend,
		s.ErrorCount, nullableStringPtr(s.ScheduledKey), s.UpdatedAt)
	return err
}

// ReopenProcessingSchedule returns a processing schedule row to scheduled
// after its follow-up run ended without completing, bumping the error count
// and failing the schedule at the cap. The scheduled key is cleared so the
// next sweep pass retries the cycle.
func (r Repo) ReopenProcessingSchedule(ctx context.Context, tx *sql.Tx, caseID, now string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `UPDATE follow_up_schedule
SET status = CASE WHEN error_count+1 >= ? THEN 'failed' ELSE 'scheduled' END,
    error_count = error_count+1, scheduled_key = NULL, updated_at = ?
WHERE case_id = ? AND status = 'processing'`, domain.FollowUpMaxErrors, now, caseID)
	return err
}

func (r Repo) GetSchedule(ctx context.Context, caseID string) (domain.FollowUpSchedule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM follow_up_schedule WHERE case_id=?`, caseID)
	return scanSchedule(row.Scan)
}

// DueSchedules returns scheduled rows whose next_due_at has passed and that
// still have follow-ups left, excluding cases with an active run.
func (r Repo) DueSchedules(ctx context.Context, now string, limit int) ([]domain.FollowUpSchedule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM follow_up_schedule
WHERE status='scheduled' AND auto_send=1 AND next_due_at IS NOT NULL AND next_due_at <= ?
  AND sent_count < max_count
  AND NOT EXISTS (
      SELECT 1 FROM agent_runs ar
      WHERE ar.case_id = follow_up_schedule.case_id
        AND ar.status IN ('created','queued','running','paused','waiting','gated')
  )
ORDER BY next_due_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FollowUpSchedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
