package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"caseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a sqlite uniqueness constraint
// failure. Dispatchers losing the one-active-run race land here.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: agent_runs_one_active")
}

const caseColumns = `id,name,status,deadline_at,sent_at,portal_url,last_portal_status,autopilot,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var deadline, sent, portal, portalStatus sql.NullString
	err := scan(&c.ID, &c.Name, &c.Status, &deadline, &sent, &portal, &portalStatus, &c.Autopilot, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.DeadlineAt = nullableString(deadline)
	c.SentAt = nullableString(sent)
	c.PortalURL = nullableString(portal)
	c.LastPortalStatus = nullableString(portalStatus)
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, c domain.Case) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Status, nullableStringPtr(c.DeadlineAt), nullableStringPtr(c.SentAt),
		nullableStringPtr(c.PortalURL), nullableStringPtr(c.LastPortalStatus), c.Autopilot, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

type CaseFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCaseStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CasesPastDeadline returns non-terminal sent/awaiting cases whose deadline
// has passed and that have seen no inbound message since quietSince.
func (r Repo) CasesPastDeadline(ctx context.Context, now, quietSince string, limit int) ([]domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases
WHERE status IN ('sent','awaiting_response')
  AND deadline_at IS NOT NULL AND deadline_at <= ?
  AND NOT EXISTS (
      SELECT 1 FROM messages m
      WHERE m.case_id = cases.id AND m.direction = 'inbound' AND m.received_at > ?
  )
  AND NOT EXISTS (` + activeRunExists + `)
ORDER BY deadline_at ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, now, quietSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// OrphanedCases returns cases parked in a needs-human-attention status longer
// than the threshold with no open proposal to act on.
func (r Repo) OrphanedCases(ctx context.Context, parkedSince string, limit int) ([]domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases
WHERE status IN ('needs_human_review','needs_phone_call','needs_fee_decision','needs_rebuttal')
  AND updated_at <= ?
  AND NOT EXISTS (
      SELECT 1 FROM proposals p
      WHERE p.case_id = cases.id
        AND p.status IN ('draft','pending_approval','decision_received','approved','pending_portal')
  )
ORDER BY updated_at ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, parkedSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const activeRunExists = `
      SELECT 1 FROM agent_runs ar
      WHERE ar.case_id = cases.id
        AND ar.status IN ('created','queued','running','paused','waiting','gated')`

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
