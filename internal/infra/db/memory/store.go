// Package memory keeps audits, findings and projects in process memory. It
// backs the `memory` database driver and the application tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// Store implements the audit, finding and project repositories.
type Store struct {
	mu       sync.RWMutex
	audits   map[domain.AuditID]*domain.Audit
	commits  map[domain.AuditID][]domain.Commit
	findings map[domain.AuditID][]domain.Finding
	projects map[domain.ProjectID]*domain.Project
	owners   map[domain.ProjectID]map[string]bool
}

func New() *Store {
	return &Store{
		audits:   map[domain.AuditID]*domain.Audit{},
		commits:  map[domain.AuditID][]domain.Commit{},
		findings: map[domain.AuditID][]domain.Finding{},
		projects: map[domain.ProjectID]*domain.Project{},
		owners:   map[domain.ProjectID]map[string]bool{},
	}
}

// Audits, Findings and Projects expose the store through each port.
func (s *Store) Audits() domain.Repository          { return auditRepo{s} }
func (s *Store) Findings() domain.FindingRepository { return findingRepo{s} }
func (s *Store) Projects() domain.ProjectRepository { return projectRepo{s} }

func copyAudit(a *domain.Audit) *domain.Audit {
	c := *a
	c.ComponentScope = append([]string(nil), a.ComponentScope...)
	if a.PublishableAfter != nil {
		t := *a.PublishableAfter
		c.PublishableAfter = &t
	}
	if a.OwnerNotifiedAt != nil {
		t := *a.OwnerNotifiedAt
		c.OwnerNotifiedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

type auditRepo struct{ s *Store }

func (r auditRepo) Create(_ context.Context, a *domain.Audit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.audits[a.ID]; ok {
		return domain.ErrConflict
	}
	r.s.audits[a.ID] = copyAudit(a)
	return nil
}

func (r auditRepo) Get(_ context.Context, id domain.AuditID) (*domain.Audit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.audits[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyAudit(a), nil
}

func (r auditRepo) ListByProject(_ context.Context, projectID domain.ProjectID, limit int) ([]*domain.Audit, error) {
	if limit <= 0 {
		limit = 20
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Audit
	for _, a := range r.s.audits {
		if a.ProjectID == projectID {
			out = append(out, copyAudit(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// update runs fn on the stored audit under the write lock.
func (r auditRepo) update(id domain.AuditID, fn func(a *domain.Audit)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.audits[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(a)
	return nil
}

func (r auditRepo) UpdateStatus(_ context.Context, id domain.AuditID, status domain.Status) error {
	return r.update(id, func(a *domain.Audit) { a.Status = status })
}

func (r auditRepo) UpdateProgress(_ context.Context, id domain.AuditID, status domain.Status, detail domain.ProgressDetail, toAnalyze, analyzed int) error {
	return r.update(id, func(a *domain.Audit) {
		a.Status = status
		a.Progress = detail
		a.FilesToAnalyze = toAnalyze
		a.FilesAnalyzed = analyzed
	})
}

func (r auditRepo) AddUsage(_ context.Context, id domain.AuditID, in, out int, cost float64) error {
	return r.update(id, func(a *domain.Audit) {
		a.InputTokens += in
		a.OutputTokens += out
		a.CostUSD += cost
	})
}

func (r auditRepo) Finish(_ context.Context, id domain.AuditID, c domain.Completion) error {
	return r.update(id, func(a *domain.Audit) {
		a.Status = c.Status
		a.MaxSeverity = c.MaxSeverity
		a.ReportSummary = c.ReportSummary
		a.SecurityPosture = c.SecurityPosture
		a.ReportURL = c.ReportURL
		a.ErrorMessage = c.ErrorMessage
		if c.Progress != nil {
			a.Progress = c.Progress
		}
		t := c.CompletedAt
		a.CompletedAt = &t
	})
}

func (r auditRepo) SetMaxSeverity(_ context.Context, id domain.AuditID, max domain.Severity) error {
	return r.update(id, func(a *domain.Audit) { a.MaxSeverity = max })
}

func (r auditRepo) SaveCommits(_ context.Context, id domain.AuditID, commits []domain.Commit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.audits[id]; !ok {
		return domain.ErrNotFound
	}
	r.s.commits[id] = append([]domain.Commit(nil), commits...)
	return nil
}

func (r auditRepo) Commits(_ context.Context, id domain.AuditID) ([]domain.Commit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]domain.Commit(nil), r.s.commits[id]...), nil
}

func (r auditRepo) MarkOwnerNotified(_ context.Context, id domain.AuditID, notifiedAt, publishableAfter time.Time) (bool, error) {
	armed := false
	err := r.update(id, func(a *domain.Audit) {
		if a.OwnerNotified {
			return
		}
		a.OwnerNotified = true
		a.OwnerNotifiedAt = &notifiedAt
		a.PublishableAfter = &publishableAfter
		armed = true
	})
	return armed, err
}

func (r auditRepo) SetPublic(_ context.Context, id domain.AuditID, public bool) error {
	return r.update(id, func(a *domain.Audit) { a.IsPublic = public })
}

func (r auditRepo) Delete(_ context.Context, id domain.AuditID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.audits[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.audits, id)
	delete(r.s.commits, id)
	delete(r.s.findings, id)
	return nil
}

type findingRepo struct{ s *Store }

func (r findingRepo) Insert(_ context.Context, auditID domain.AuditID, findings []domain.Finding) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.audits[auditID]; !ok {
		return domain.ErrNotFound
	}
	have := map[string]bool{}
	for _, f := range r.s.findings[auditID] {
		have[f.Fingerprint] = true
	}
	for _, f := range findings {
		if f.Fingerprint == "" {
			f.Fingerprint = domain.Fingerprint(f)
		}
		if f.Status == "" {
			f.Status = domain.FindingOpen
		}
		if have[f.Fingerprint] {
			continue
		}
		have[f.Fingerprint] = true
		if f.ID == "" {
			f.ID = domain.FindingID(uuid.NewString())
		}
		f.AuditID = auditID
		r.s.findings[auditID] = append(r.s.findings[auditID], f)
	}
	return nil
}

func (r findingRepo) ListByAudit(_ context.Context, auditID domain.AuditID) ([]domain.Finding, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := append([]domain.Finding(nil), r.s.findings[auditID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity.Rank() > out[j].Severity.Rank() })
	return out, nil
}

func (r findingRepo) UpdateStatus(_ context.Context, auditID domain.AuditID, id domain.FindingID, status domain.FindingStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	fs := r.s.findings[auditID]
	for i := range fs {
		if fs[i].ID == id {
			fs[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

type projectRepo struct{ s *Store }

func copyProject(p *domain.Project) *domain.Project {
	c := *p
	c.Repos = append([]domain.ProjectRepo(nil), p.Repos...)
	if p.Classification != nil {
		cls := *p.Classification
		c.Classification = &cls
	}
	return &c
}

func (r projectRepo) Save(_ context.Context, p *domain.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.projects[p.ID] = copyProject(p)
	return nil
}

func (r projectRepo) Get(_ context.Context, id domain.ProjectID) (*domain.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyProject(p), nil
}

func (r projectRepo) SaveClassification(_ context.Context, id domain.ProjectID, c domain.Classification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Classification = &c
	return nil
}

func (r projectRepo) AddVerifiedOwner(_ context.Context, id domain.ProjectID, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[id]; !ok {
		return domain.ErrNotFound
	}
	if r.s.owners[id] == nil {
		r.s.owners[id] = map[string]bool{}
	}
	r.s.owners[id][userID] = true
	return nil
}

func (r projectRepo) IsVerifiedOwner(_ context.Context, id domain.ProjectID, userID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.owners[id][userID], nil
}
