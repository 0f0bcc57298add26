package sqlrepo

import (
	"context"
	"database/sql"
	"sort"
	"time"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

type FindingRepository struct {
	db *sql.DB
	d  Dialect
}

var findingColumns = []string{
	"id", "audit_id", "repo_name", "file_path", "line_start", "line_end", "severity", "cwe", "cvss",
	"title", "description", "exploitation", "recommendation", "code_snippet",
	"status", "fingerprint", "inherited_from", "created_at",
}

// Insert stores findings; rows whose (audit_id, fingerprint) already exists
// are skipped.
func (r *FindingRepository) Insert(ctx context.Context, auditID domain.AuditID, findings []domain.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := r.d.Rebind(r.d.InsertIgnore("findings", findingColumns, []string{"audit_id", "fingerprint"}))
	for _, f := range findings {
		status := f.Status
		if status == "" {
			status = domain.FindingOpen
		}
		fp := f.Fingerprint
		if fp == "" {
			fp = domain.Fingerprint(f)
		}
		created := f.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, q,
			f.ID, auditID, f.RepoName, f.FilePath, f.LineStart, f.LineEnd, f.Severity, f.CWE, f.CVSS,
			f.Title, f.Description, f.Exploitation, f.Recommendation, f.CodeSnippet,
			status, fp, f.InheritedFrom, created,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListByAudit returns findings most severe first
func (r *FindingRepository) ListByAudit(ctx context.Context, auditID domain.AuditID) ([]domain.Finding, error) {
	const q = `
SELECT id, audit_id, repo_name, file_path, line_start, line_end, severity, cwe, cvss,
       title, description, exploitation, recommendation, code_snippet,
       status, fingerprint, inherited_from, created_at
FROM findings WHERE audit_id=? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(q), auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Finding{}
	for rows.Next() {
		var f domain.Finding
		if err := rows.Scan(
			&f.ID, &f.AuditID, &f.RepoName, &f.FilePath, &f.LineStart, &f.LineEnd, &f.Severity, &f.CWE, &f.CVSS,
			&f.Title, &f.Description, &f.Exploitation, &f.Recommendation, &f.CodeSnippet,
			&f.Status, &f.Fingerprint, &f.InheritedFrom, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity.Rank() > out[j].Severity.Rank() })
	return out, nil
}

func (r *FindingRepository) UpdateStatus(ctx context.Context, auditID domain.AuditID, id domain.FindingID, status domain.FindingStatus) error {
	const q = `UPDATE findings SET status=? WHERE audit_id=? AND id=?`
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(q), status, auditID, id))
}

var _ domain.FindingRepository = (*FindingRepository)(nil)
