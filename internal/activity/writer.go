package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"caseline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes one activity row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, caseID, entityKind, entityID, message string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_log(ts,kind,case_id,entity_kind,entity_id,message,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, kind, nullable(caseID), entityKind, nullable(entityID), nullable(message), string(data))
	return err
}

// Log writes one activity row outside any transaction. The audit trail feeds
// operational visibility, so a failed write gets one immediate retry before
// being logged and swallowed; it never fails the primary operation.
func (w Writer) Log(ctx context.Context, kind, caseID, entityKind, entityID, message string, payload Payload) {
	err := w.logOnce(ctx, kind, caseID, entityKind, entityID, message, payload)
	if err != nil {
		err = w.logOnce(ctx, kind, caseID, entityKind, entityID, message, payload)
	}
	if err != nil {
		log.Printf("activity: append %s failed: %v", kind, err)
	}
}

func (w Writer) logOnce(ctx context.Context, kind, caseID, entityKind, entityID, message string, payload Payload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, kind, caseID, entityKind, entityID, message, payload); err != nil {
		return err
	}
	return tx.Commit()
}

type Filters struct {
	CaseID string
	Kind   string
	Limit  int
}

// Latest returns recent activity rows, newest first.
func (w Writer) Latest(ctx context.Context, f Filters) ([]domain.Activity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,kind,COALESCE(case_id,''),entity_kind,COALESCE(entity_id,''),COALESCE(message,''),payload_json FROM activity_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.TS, &a.Kind, &a.CaseID, &a.EntityKind, &a.EntityID, &a.Message, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
