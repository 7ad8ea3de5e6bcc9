package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"caseline/internal/domain"
)

const runColumns = `id,case_id,trigger_kind,message_id,status,autopilot,lock_acquired,lock_key,lock_expires_at,heartbeat_at,started_at,ended_at,error,recovery_attempted,recovered_by_reaper,metadata_json,created_at,updated_at`

func scanRun(scan func(dest ...any) error) (domain.AgentRun, error) {
	var run domain.AgentRun
	var messageID, lockKey, lockExpires, heartbeat, started, ended, runErr, metadata sql.NullString
	err := scan(&run.ID, &run.CaseID, &run.Trigger, &messageID, &run.Status, &run.Autopilot,
		&run.LockAcquired, &lockKey, &lockExpires, &heartbeat, &started, &ended, &runErr,
		&run.RecoveryAttempted, &run.RecoveredByReaper, &metadata, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.MessageID = nullableString(messageID)
	run.LockKey = nullableString(lockKey)
	run.LockExpiresAt = nullableString(lockExpires)
	run.HeartbeatAt = nullableString(heartbeat)
	run.StartedAt = nullableString(started)
	run.EndedAt = nullableString(ended)
	run.Error = nullableString(runErr)
	run.MetadataJSON = nullableString(metadata)
	return run, nil
}

// InsertRun inserts a new run. Callers treat a unique violation as losing the
// one-active-run race (see IsUniqueViolation), not as a failure.
func (r Repo) InsertRun(ctx context.Context, run domain.AgentRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.CaseID, run.Trigger, nullableStringPtr(run.MessageID), run.Status, run.Autopilot,
		run.LockAcquired, nullableStringPtr(run.LockKey), nullableStringPtr(run.LockExpiresAt),
		nullableStringPtr(run.HeartbeatAt), nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt),
		nullableStringPtr(run.Error), run.RecoveryAttempted, run.RecoveredByReaper,
		nullableStringPtr(run.MetadataJSON), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE agent_runs SET status=?, lock_acquired=?, lock_key=?, lock_expires_at=?, heartbeat_at=?, started_at=?, ended_at=?, error=?, recovery_attempted=?, recovered_by_reaper=?, metadata_json=?, updated_at=? WHERE id=?`,
		run.Status, run.LockAcquired, nullableStringPtr(run.LockKey), nullableStringPtr(run.LockExpiresAt),
		nullableStringPtr(run.HeartbeatAt), nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt),
		nullableStringPtr(run.Error), run.RecoveryAttempted, run.RecoveredByReaper,
		nullableStringPtr(run.MetadataJSON), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRun returns the case's single active run, if any.
func (r Repo) ActiveRun(ctx context.Context, caseID string) (domain.AgentRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs
WHERE case_id=? AND status IN ('created','queued','running','paused','waiting','gated') LIMIT 1`, caseID)
	return scanRun(row.Scan)
}

// ActiveRunByIdentity finds another active run with the same logical identity
// (case, message, trigger), used by identity-based dedup.
func (r Repo) ActiveRunByIdentity(ctx context.Context, caseID, messageID, trigger, excludeRunID string) (domain.AgentRun, error) {
	clauses := []string{
		"case_id=?",
		"trigger_kind=?",
		"status IN ('created','queued','running','paused','waiting','gated')",
		"id != ?",
	}
	args := []any{caseID, trigger, excludeRunID}
	if messageID == "" {
		clauses = append(clauses, "message_id IS NULL")
	} else {
		clauses = append(clauses, "message_id=?")
		args = append(args, messageID)
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanRun(row.Scan)
}

type RunFilters struct {
	CaseID string
	Status string
	Limit  int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.AgentRun, error) {
	var clauses []string
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// StuckLockedRuns returns running runs whose lock expiry has passed and that
// have not been recovered yet. Heartbeats extend lock_expires_at, so a run
// only shows up here once its worker stopped signalling liveness.
func (r Repo) StuckLockedRuns(ctx context.Context, expiredBefore string, limit int) ([]domain.AgentRun, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs
WHERE status='running' AND lock_acquired=1 AND recovery_attempted=0
  AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?
ORDER BY lock_expires_at ASC LIMIT ?`, expiredBefore, limit)
}

// StaleRunningRuns returns any running runs past the broader staleness TTL,
// including those that crashed before recording lock acquisition.
func (r Repo) StaleRunningRuns(ctx context.Context, staleBefore string, limit int) ([]domain.AgentRun, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs
WHERE status='running' AND recovery_attempted=0
  AND COALESCE(started_at, created_at) <= ?
ORDER BY created_at ASC LIMIT ?`, staleBefore, limit)
}

// StaleQueuedRuns returns runs stuck in queued longer than maxAge that carry a
// stored correlation id.
func (r Repo) StaleQueuedRuns(ctx context.Context, queuedBefore string, limit int) ([]domain.AgentRun, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM agent_runs
WHERE status='queued' AND created_at <= ?
  AND metadata_json IS NOT NULL AND metadata_json LIKE '%correlation_id%'
ORDER BY created_at ASC LIMIT ?`, queuedBefore, limit)
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.AgentRun, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// RunMetadata decodes a run's metadata map; a missing column yields an empty map.
func RunMetadata(run domain.AgentRun) map[string]any {
	meta := map[string]any{}
	if run.MetadataJSON != nil && *run.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(*run.MetadataJSON), &meta)
	}
	return meta
}

// EncodeRunMetadata serializes a metadata map back onto the run.
func EncodeRunMetadata(run *domain.AgentRun, meta map[string]any) {
	b, err := json.Marshal(meta)
	if err != nil {
		return
	}
	s := string(b)
	run.MetadataJSON = &s
}
