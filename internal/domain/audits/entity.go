package audits

import (
	"time"
)

// AuditID identifies one pipeline run
type AuditID string

// FindingID identifies one finding row
type FindingID string

// ProjectID identifies a project (a set of repositories audited together)
type ProjectID string

// Depth enum
type Depth string

const (
	DepthFull          Depth = "full"
	DepthThorough      Depth = "thorough"
	DepthOpportunistic Depth = "opportunistic"
)

// Valid reports whether d is one of the known depth levels.
func (d Depth) Valid() bool {
	switch d {
	case DepthFull, DepthThorough, DepthOpportunistic:
		return true
	}
	return false
}

// Status enum
type Status string

const (
	StatusPending               Status = "pending"
	StatusCloning               Status = "cloning"
	StatusClassifying           Status = "classifying"
	StatusPlanning              Status = "planning"
	StatusAnalyzing             Status = "analyzing"
	StatusSynthesizing          Status = "synthesizing"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusFailed                Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarnings || s == StatusFailed
}

// Succeeded reports whether the audit finished with usable findings.
func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarnings
}

// FindingStatus enum
type FindingStatus string

const (
	FindingOpen          FindingStatus = "open"
	FindingFixed         FindingStatus = "fixed"
	FindingFalsePositive FindingStatus = "false_positive"
	FindingAccepted      FindingStatus = "accepted"
	FindingWontFix       FindingStatus = "wont_fix"
)

// Valid reports whether s is a known finding status.
func (s FindingStatus) Valid() bool {
	switch s {
	case FindingOpen, FindingFixed, FindingFalsePositive, FindingAccepted, FindingWontFix:
		return true
	}
	return false
}

// Counted reports whether findings in this status contribute to severity
// counts and maxSeverity.
func (s FindingStatus) Counted() bool {
	return s != FindingFixed && s != FindingFalsePositive
}

// Aggregate Root: Audit
type Audit struct {
	ID               AuditID        `json:"id"`
	ProjectID        ProjectID      `json:"project_id"`
	RequesterID      string         `json:"requester_id"`
	Depth            Depth          `json:"depth"`
	IsIncremental    bool           `json:"is_incremental"`
	BaseAuditID      AuditID        `json:"base_audit_id,omitempty"`
	ComponentScope   []string       `json:"component_scope,omitempty"`
	Status           Status         `json:"status"`
	FilesToAnalyze   int            `json:"files_to_analyze"`
	FilesAnalyzed    int            `json:"files_analyzed"`
	Progress         ProgressDetail `json:"-"`
	MaxSeverity      Severity       `json:"max_severity,omitempty"`
	IsPublic         bool           `json:"is_public"`
	PublishableAfter *time.Time     `json:"publishable_after,omitempty"`
	OwnerNotified    bool           `json:"owner_notified"`
	OwnerNotifiedAt  *time.Time     `json:"owner_notified_at,omitempty"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	CostUSD          float64        `json:"cost_usd"`
	ReportSummary    string         `json:"report_summary,omitempty"`
	SecurityPosture  string         `json:"security_posture,omitempty"`
	ReportURL        string         `json:"report_url,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Commit records which commit of a repository an audit looked at.
type Commit struct {
	AuditID   AuditID `json:"audit_id"`
	RepoName  string  `json:"repo_name"`
	RepoURL   string  `json:"repo_url"`
	Branch    string  `json:"branch,omitempty"`
	CommitSHA string  `json:"commit_sha"`
}

// Completion is the terminal write of a pipeline run.
type Completion struct {
	Status          Status
	MaxSeverity     Severity
	ReportSummary   string
	SecurityPosture string
	ReportURL       string
	ErrorMessage    string
	Progress        ProgressDetail
	CompletedAt     time.Time
}

// Finding is one vulnerability instance reported by an audit
type Finding struct {
	ID             FindingID     `json:"id"`
	AuditID        AuditID       `json:"audit_id"`
	RepoName       string        `json:"repo_name"`
	FilePath       string        `json:"file_path"`
	LineStart      int           `json:"line_start,omitempty"`
	LineEnd        int           `json:"line_end,omitempty"`
	Severity       Severity      `json:"severity"`
	CWE            string        `json:"cwe,omitempty"`
	CVSS           float64       `json:"cvss,omitempty"`
	Title          string        `json:"title,omitempty"`
	Description    string        `json:"description,omitempty"`
	Exploitation   string        `json:"exploitation,omitempty"`
	Recommendation string        `json:"recommendation,omitempty"`
	CodeSnippet    string        `json:"code_snippet,omitempty"`
	Status         FindingStatus `json:"status"`
	Fingerprint    string        `json:"fingerprint,omitempty"`
	InheritedFrom  AuditID       `json:"inherited_from,omitempty"`
	Redacted       bool          `json:"redacted,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ProjectRepo is one repository that belongs to a project.
type ProjectRepo struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// Project groups the repositories audited together
type Project struct {
	ID             ProjectID       `json:"id"`
	Name           string          `json:"name"`
	GitHubOrg      string          `json:"github_org,omitempty"`
	Repos          []ProjectRepo   `json:"repos"`
	Classification *Classification `json:"classification,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ThreatModelSource tells where the threat-model text came from.
type ThreatModelSource string

const (
	ThreatModelFromRepo  ThreatModelSource = "repo"
	ThreatModelGenerated ThreatModelSource = "generated"
)

// PartyCapability states what one involved party can and cannot do.
type PartyCapability struct {
	Party  string   `json:"party"`
	Can    []string `json:"can"`
	Cannot []string `json:"cannot"`
}

// Classification is computed once per project and cached on it.
type Classification struct {
	Category          string            `json:"category"`
	Description       string            `json:"description"`
	InvolvedParties   []string          `json:"involved_parties"`
	ThreatModel       string            `json:"threat_model"`
	ThreatModelSource ThreatModelSource `json:"threat_model_source"`
	Capabilities      []PartyCapability `json:"capabilities"`
	ComputedAt        time.Time         `json:"computed_at"`
}

// FileInfo is one candidate file of a repository snapshot.
type FileInfo struct {
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Tokens int    `json:"tokens"`
}

// Key is the repo-qualified path used to name files in prompts and progress.
func (f FileInfo) Key() string {
	return FileKey(f.Repo, f.Path)
}

// FileKey joins a repository name and a relative path.
func FileKey(repo, path string) string {
	if repo == "" {
		return path
	}
	return repo + "/" + path
}

// RankedFile is planner output
type RankedFile struct {
	File     string  `json:"file"`
	Priority float64 `json:"priority"`
	Reason   string  `json:"reason"`
}

// Rename is one renamed path in a diff.
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DiffResult is the structural difference between two commits of one repository.
type DiffResult struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
	Renamed  []Rename `json:"renamed"`
}

// Empty reports whether nothing changed.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0 && len(d.Renamed) == 0
}

// Changed lists every path that exists at head and differs from base.
func (d DiffResult) Changed() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified)+len(d.Renamed))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	for _, r := range d.Renamed {
		out = append(out, r.To)
	}
	return out
}
