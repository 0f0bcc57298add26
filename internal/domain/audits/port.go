package audits

import (
	"context"
	"time"
)

// Repository port for audit rows
type Repository interface {
	Create(ctx context.Context, a *Audit) error
	Get(ctx context.Context, id AuditID) (*Audit, error)
	ListByProject(ctx context.Context, projectID ProjectID, limit int) ([]*Audit, error)

	UpdateStatus(ctx context.Context, id AuditID, status Status) error
	UpdateProgress(ctx context.Context, id AuditID, status Status, detail ProgressDetail, filesToAnalyze, filesAnalyzed int) error
	AddUsage(ctx context.Context, id AuditID, inputTokens, outputTokens int, costUSD float64) error
	Finish(ctx context.Context, id AuditID, c Completion) error
	SetMaxSeverity(ctx context.Context, id AuditID, max Severity) error

	SaveCommits(ctx context.Context, id AuditID, commits []Commit) error
	Commits(ctx context.Context, id AuditID) ([]Commit, error)

	// MarkOwnerNotified arms the embargo once. It reports false when the
	// owner had already been notified, leaving the row untouched.
	MarkOwnerNotified(ctx context.Context, id AuditID, notifiedAt, publishableAfter time.Time) (bool, error)
	SetPublic(ctx context.Context, id AuditID, public bool) error

	// Delete removes the audit with its findings and commits in one
	// transaction, locking the audit row first.
	Delete(ctx context.Context, id AuditID) error
}

// FindingRepository port, keyed by (audit, fingerprint)
type FindingRepository interface {
	// Insert stores findings; a fingerprint already present for the audit
	// is skipped.
	Insert(ctx context.Context, auditID AuditID, findings []Finding) error
	ListByAudit(ctx context.Context, auditID AuditID) ([]Finding, error)
	UpdateStatus(ctx context.Context, auditID AuditID, id FindingID, status FindingStatus) error
}

// ProjectRepository port
type ProjectRepository interface {
	Save(ctx context.Context, p *Project) error
	Get(ctx context.Context, id ProjectID) (*Project, error)
	SaveClassification(ctx context.Context, id ProjectID, c Classification) error
	AddVerifiedOwner(ctx context.Context, id ProjectID, userID string) error
	IsVerifiedOwner(ctx context.Context, id ProjectID, userID string) (bool, error)
}

// Checkout is one repository snapshot on local disk.
type Checkout struct {
	LocalPath  string
	HeadCommit string
	Branch     string
}

// SnapshotService port (clone, enumerate, diff). ScanFiles and ReadFile see
// the tree of the checkout's HeadCommit, whatever later updates did to the
// working copy.
type SnapshotService interface {
	CloneOrUpdate(ctx context.Context, url, ref string) (Checkout, error)
	ScanFiles(ctx context.Context, co Checkout) ([]FileInfo, error)
	ReadFile(co Checkout, relPath string) ([]byte, error)
	Diff(ctx context.Context, localPath, baseCommit, headCommit string) (DiffResult, error)
	DefaultBranch(localPath string) (string, error)
}

// ArtifactStore port for archived plan/report documents
type ArtifactStore interface {
	PutJSON(ctx context.Context, key string, v any) (string, error)
}

// OwnerNotice is sent to a project owner when an embargo is armed.
type OwnerNotice struct {
	AuditID          AuditID   `json:"audit_id"`
	ProjectID        ProjectID `json:"project_id"`
	ProjectName      string    `json:"project_name"`
	GitHubOrg        string    `json:"github_org,omitempty"`
	MaxSeverity      Severity  `json:"max_severity,omitempty"`
	PublishableAfter time.Time `json:"publishable_after"`
}

// Notifier port for owner notifications
type Notifier interface {
	NotifyOwner(ctx context.Context, n OwnerNotice) error
}
