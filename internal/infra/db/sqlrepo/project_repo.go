package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

type ProjectRepository struct {
	db *sql.DB
	d  Dialect
}

// Save inserts or updates a project; the cached classification is left alone.
func (r *ProjectRepository) Save(ctx context.Context, p *domain.Project) error {
	repos, err := json.Marshal(p.Repos)
	if err != nil {
		return err
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := r.d.Upsert("projects",
		[]string{"id", "name", "github_org", "repos", "created_at"},
		[]string{"id"},
		[]string{"name", "github_org", "repos"})
	_, err = r.db.ExecContext(ctx, r.d.Rebind(q), p.ID, p.Name, p.GitHubOrg, string(repos), created)
	return err
}

func (r *ProjectRepository) Get(ctx context.Context, id domain.ProjectID) (*domain.Project, error) {
	const q = `SELECT id, name, github_org, repos, classification, created_at FROM projects WHERE id=? LIMIT 1`
	var (
		p     domain.Project
		repos string
		cls   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, r.d.Rebind(q), id).Scan(&p.ID, &p.Name, &p.GitHubOrg, &repos, &cls, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(repos), &p.Repos); err != nil {
		return nil, fmt.Errorf("project %s repos: %w", id, err)
	}
	if cls.Valid && cls.String != "" {
		var c domain.Classification
		if err := json.Unmarshal([]byte(cls.String), &c); err == nil {
			p.Classification = &c
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (r *ProjectRepository) SaveClassification(ctx context.Context, id domain.ProjectID, c domain.Classification) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return mustAffect(r.db.ExecContext(ctx, r.d.Rebind(`UPDATE projects SET classification=? WHERE id=?`), string(raw), id))
}

func (r *ProjectRepository) AddVerifiedOwner(ctx context.Context, id domain.ProjectID, userID string) error {
	q := r.d.InsertIgnore("project_owners", []string{"project_id", "user_id", "verified_at"}, []string{"project_id", "user_id"})
	_, err := r.db.ExecContext(ctx, r.d.Rebind(q), id, userID, time.Now().UTC())
	return err
}

func (r *ProjectRepository) IsVerifiedOwner(ctx context.Context, id domain.ProjectID, userID string) (bool, error) {
	const q = `SELECT COUNT(*) FROM project_owners WHERE project_id=? AND user_id=?`
	var n int
	if err := r.db.QueryRowContext(ctx, r.d.Rebind(q), id, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ domain.ProjectRepository = (*ProjectRepository)(nil)
