package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

type AuditRepository struct {
	db *sql.DB
	d  Dialect
}

const auditColumns = `id, project_id, requester_id, depth, is_incremental, base_audit_id, component_scope,
       status, files_to_analyze, files_analyzed, progress, max_severity,
       is_public, publishable_after, owner_notified, owner_notified_at,
       input_tokens, output_tokens, cost_usd,
       report_summary, security_posture, report_url, error_message, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (*domain.Audit, error) {
	var (
		a                                    domain.Audit
		scope, progress                      string
		publishable, notifiedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.RequesterID, &a.Depth, &a.IsIncremental, &a.BaseAuditID, &scope,
		&a.Status, &a.FilesToAnalyze, &a.FilesAnalyzed, &progress, &a.MaxSeverity,
		&a.IsPublic, &publishable, &a.OwnerNotified, &notifiedAt,
		&a.InputTokens, &a.OutputTokens, &a.CostUSD,
		&a.ReportSummary, &a.SecurityPosture, &a.ReportURL, &a.ErrorMessage, &a.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if scope != "" {
		_ = json.Unmarshal([]byte(scope), &a.ComponentScope)
	}
	if progress != "" {
		// undecodable detail is shown as unavailable rather than failing the read
		if p, err := domain.DecodeProgress([]byte(progress)); err == nil {
			a.Progress = p
		}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.PublishableAfter = timePtr(publishable)
	a.OwnerNotifiedAt = timePtr(notifiedAt)
	a.CompletedAt = timePtr(completedAt)
	return &a, nil
}

func encodeProgress(p domain.ProgressDetail) (string, error) {
	raw, err := domain.EncodeProgress(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Create inserts a new audit row
func (r *AuditRepository) Create(ctx context.Context, a *domain.Audit) error {
	const q = `
INSERT INTO audits
(id, project_id, requester_id, depth, is_incremental, base_audit_id, component_scope,
 status, files_to_analyze, files_analyzed, progress, max_severity,
 is_public, owner_notified, input_tokens, output_tokens, cost_usd,
 report_summary, security_posture, report_url, error_message, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	scope := ""
	if len(a.ComponentScope) > 0 {
		b, _ := json.Marshal(a.ComponentScope)
		scope = string(b)
	}
	progress, err := encodeProgress(a.Progress)
	if err != nil {
		return err
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, r.d.Rebind(q),
		a.ID, a.ProjectID, a.RequesterID, a.Depth, a.IsIncremental, a.BaseAuditID, scope,
		a.Status, a.FilesToAnalyze, a.FilesAnalyzed, progress, a.MaxSeverity,
		a.IsPublic, a.OwnerNotified, a.InputTokens, a.OutputTokens, a.CostUSD,
		a.ReportSummary, a.SecurityPosture, a.ReportURL, a.ErrorMessage, created,
	)
	return err
}

func (r *AuditRepository) Get(ctx context.Context, id domain.AuditID) (*domain.Audit, error) {
	q := `SELECT ` + auditColumns + ` FROM audits WHERE id=? LIMIT 1`
	a, err := scanAudit(r.db.QueryRowContext(ctx, r.d.Rebind(q), id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// ListByProject returns the newest audits first
func (r *AuditRepository) ListByProject(ctx context.Context, projectID domain.ProjectID, limit int) ([]*domain.Audit, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + auditColumns + ` FROM audits WHERE project_id=? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(q), projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AuditRepository) UpdateStatus(ctx context.Context, id domain.AuditID, status domain.Status) error {
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(`UPDATE audits SET status=? WHERE id=?`), status, id))
}

func (r *AuditRepository) UpdateProgress(ctx context.Context, id domain.AuditID, status domain.Status, detail domain.ProgressDetail, toAnalyze, analyzed int) error {
	progress, err := encodeProgress(detail)
	if err != nil {
		return err
	}
	const q = `UPDATE audits SET status=?, progress=?, files_to_analyze=?, files_analyzed=? WHERE id=?`
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(q), status, progress, toAnalyze, analyzed, id))
}

// AddUsage increments the token and cost counters
func (r *AuditRepository) AddUsage(ctx context.Context, id domain.AuditID, in, out int, cost float64) error {
	const q = `UPDATE audits SET input_tokens=input_tokens+?, output_tokens=output_tokens+?, cost_usd=cost_usd+? WHERE id=?`
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(q), in, out, cost, id))
}

func (r *AuditRepository) Finish(ctx context.Context, id domain.AuditID, c domain.Completion) error {
	progress, err := encodeProgress(c.Progress)
	if err != nil {
		return err
	}
	const q = `
UPDATE audits SET status=?, max_severity=?, report_summary=?, security_posture=?,
 report_url=?, error_message=?, progress=?, completed_at=?
WHERE id=?`
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(q),
		c.Status, c.MaxSeverity, c.ReportSummary, c.SecurityPosture,
		c.ReportURL, c.ErrorMessage, progress, nullTime(&c.CompletedAt), id))
}

func (r *AuditRepository) SetMaxSeverity(ctx context.Context, id domain.AuditID, max domain.Severity) error {
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(`UPDATE audits SET max_severity=? WHERE id=?`), max, id))
}

// SaveCommits replaces the commit list of an audit
func (r *AuditRepository) SaveCommits(ctx context.Context, id domain.AuditID, commits []domain.Commit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockAudit(ctx, tx, r.d, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.d.Rebind(`DELETE FROM audit_commits WHERE audit_id=?`), id); err != nil {
		return err
	}
	ins := r.d.Rebind(`INSERT INTO audit_commits (audit_id, repo_name, repo_url, branch, commit_sha) VALUES (?,?,?,?,?)`)
	for _, c := range commits {
		if _, err := tx.ExecContext(ctx, ins, id, c.RepoName, c.RepoURL, c.Branch, c.CommitSHA); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *AuditRepository) Commits(ctx context.Context, id domain.AuditID) ([]domain.Commit, error) {
	const q = `SELECT audit_id, repo_name, repo_url, branch, commit_sha FROM audit_commits WHERE audit_id=? ORDER BY repo_name`
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(q), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Commit
	for rows.Next() {
		var c domain.Commit
		if err := rows.Scan(&c.AuditID, &c.RepoName, &c.RepoURL, &c.Branch, &c.CommitSHA); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkOwnerNotified only flips an audit that was not notified yet, so two
// concurrent callers cannot both arm the embargo.
func (r *AuditRepository) MarkOwnerNotified(ctx context.Context, id domain.AuditID, notifiedAt, publishableAfter time.Time) (bool, error) {
	const q = `
UPDATE audits SET owner_notified=TRUE, owner_notified_at=?, publishable_after=?
WHERE id=? AND owner_notified=FALSE`
	res, err := r.db.ExecContext(ctx, r.d.Rebind(q), notifiedAt, publishableAfter, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *AuditRepository) SetPublic(ctx context.Context, id domain.AuditID, public bool) error {
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(`UPDATE audits SET is_public=? WHERE id=?`), public, id))
}

// Delete removes the audit, its findings and commits in one transaction.
func (r *AuditRepository) Delete(ctx context.Context, id domain.AuditID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockAudit(ctx, tx, r.d, id); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM findings WHERE audit_id=?`,
		`DELETE FROM audit_commits WHERE audit_id=?`,
		`DELETE FROM audits WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, r.d.Rebind(q), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func lockAudit(ctx context.Context, tx *sql.Tx, d Dialect, id domain.AuditID) error {
	var got string
	err := tx.QueryRowContext(ctx, d.Rebind(`SELECT id FROM audits WHERE id=? FOR UPDATE`), id).Scan(&got)
	return notFound(err)
}

var _ domain.Repository = (*AuditRepository)(nil)
