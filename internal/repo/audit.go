package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"caseline/internal/domain"
)

// AppendReaperAudit writes one append-only recovery record. The log is
// write-once; nothing in the core updates or deletes rows.
func (r Repo) AppendReaperAudit(ctx context.Context, tx *sql.Tx, a domain.ReaperAudit) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO reaper_audit_log(reaper,target_kind,target_id,case_id,action,details_json,ts) VALUES (?,?,?,?,?,?,?)`,
		a.Reaper, a.TargetKind, a.TargetID, nullable(a.CaseID), a.Action, nullable(a.DetailsJSON), a.TS)
	return err
}

type AuditFilters struct {
	CaseID string
	Reaper string
	Limit  int
}

func (r Repo) ListReaperAudit(ctx context.Context, f AuditFilters) ([]domain.ReaperAudit, error) {
	query := `SELECT id,reaper,target_kind,target_id,COALESCE(case_id,''),action,COALESCE(details_json,''),ts FROM reaper_audit_log WHERE 1=1`
	var args []any
	if f.CaseID != "" {
		query += ` AND case_id=?`
		args = append(args, f.CaseID)
	}
	if f.Reaper != "" {
		query += ` AND reaper=?`
		args = append(args, f.Reaper)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReaperAudit
	for rows.Next() {
		var a domain.ReaperAudit
		if err := rows.Scan(&a.ID, &a.Reaper, &a.TargetKind, &a.TargetID, &a.CaseID, &a.Action, &a.DetailsJSON, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarshalAuditDetails renders structured details for a reaper record.
func MarshalAuditDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	b, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(b)
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,case_id,direction,subject,snippet,intent,confidence,received_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.CaseID, m.Direction, nullable(m.Subject), nullable(m.Snippet), nullableStringPtr(m.Intent), nullableFloatPtr(m.Confidence), m.ReceivedAt)
	return err
}

// LatestInboundMessage returns the newest inbound message for a case.
func (r Repo) LatestInboundMessage(ctx context.Context, caseID string) (domain.Message, error) {
	var m domain.Message
	var subject, snippet, intent sql.NullString
	var confidence sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT id,case_id,direction,subject,snippet,intent,confidence,received_at FROM messages
WHERE case_id=? AND direction='inbound' ORDER BY received_at DESC, id DESC LIMIT 1`, caseID).
		Scan(&m.ID, &m.CaseID, &m.Direction, &subject, &snippet, &intent, &confidence, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if subject.Valid {
		m.Subject = subject.String
	}
	if snippet.Valid {
		m.Snippet = snippet.String
	}
	m.Intent = nullableString(intent)
	if confidence.Valid {
		c := confidence.Float64
		m.Confidence = &c
	}
	return m, nil
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
