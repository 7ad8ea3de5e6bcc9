package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseline/internal/domain"
)

const proposalColumns = `id,case_id,kind,status,dedup_key,retry_count,reason,decision_json,decided_at,created_at,updated_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var reason, decision, decided sql.NullString
	err := scan(&p.ID, &p.CaseID, &p.Kind, &p.Status, &p.DedupKey, &p.RetryCount, &reason, &decision, &decided, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if reason.Valid {
		p.Reason = reason.String
	}
	p.DecisionJSON = nullableString(decision)
	p.DecidedAt = nullableString(decided)
	return p, nil
}

// UpsertProposal inserts-or-updates keyed on dedup_key so each logical action
// has at most one live proposal per case. On conflict the existing row keeps
// its id and retry count; kind/status/reason are refreshed.
func (r Repo) UpsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(dedup_key) DO UPDATE SET kind=excluded.kind, status=excluded.status, reason=excluded.reason, updated_at=excluded.updated_at`,
		p.ID, p.CaseID, p.Kind, p.Status, p.DedupKey, p.RetryCount, nullable(p.Reason),
		nullableStringPtr(p.DecisionJSON), nullableStringPtr(p.DecidedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalByKey(ctx context.Context, dedupKey string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE dedup_key=?`, dedupKey)
	return scanProposal(row.Scan)
}

func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE proposals SET status=?, retry_count=?, reason=?, decision_json=?, decided_at=?, updated_at=? WHERE id=?`,
		p.Status, p.RetryCount, nullable(p.Reason), nullableStringPtr(p.DecisionJSON), nullableStringPtr(p.DecidedAt), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProposalFilters struct {
	CaseID string
	Status string
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
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
	query := `SELECT ` + proposalColumns + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// StuckDecisionProposals returns approved-by-human proposals whose execution
// never progressed past decision_received within the window.
func (r Repo) StuckDecisionProposals(ctx context.Context, unchangedSince string, limit int) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals
WHERE status='decision_received' AND updated_at <= ?
ORDER BY updated_at ASC LIMIT ?`, unchangedSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountDismissedProposals feeds the repeated-dismissal circuit breaker.
func (r Repo) CountDismissedProposals(ctx context.Context, caseID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM proposals WHERE case_id=? AND status='dismissed'`, caseID).Scan(&n)
	return n, err
}

// ProposalForCaseAndKind returns the most recent proposal of a kind for a case.
func (r Repo) ProposalForCaseAndKind(ctx context.Context, caseID, kind string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals
WHERE case_id=? AND kind=? ORDER BY updated_at DESC LIMIT 1`, caseID, kind)
	return scanProposal(row.Scan)
}
