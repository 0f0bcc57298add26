package audits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-audit/internal/application"
	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

// Settings tune the model stages.
type Settings struct {
	Model               string
	MaxTokens           int
	PlannerBatchSize    int
	PlannerMinBatchSize int
	AnalyzerBatchTokens int
	InputPricePerMTok   float64
	OutputPricePerMTok  float64
}

// DefaultMaxTokens is the output ceiling sent with every model call.
const DefaultMaxTokens = 64000

// Observer is told about audit lifecycle events (metrics). AuditFinished
// gets an empty status when the run stopped because its audit was deleted.
type Observer interface {
	AuditStarted()
	AuditFinished(status domain.Status)
}

// Service implements the audit use-cases. Pipelines run in background
// goroutines owned by the service; Wait blocks until all have returned.
type Service struct {
	Audits    domain.Repository
	Findings  domain.FindingRepository
	Projects  domain.ProjectRepository
	Snapshots domain.SnapshotService
	Model     ai.Client
	Artifacts domain.ArtifactStore // optional
	Notifier  domain.Notifier      // optional
	Observer  Observer             // optional
	Clock     application.Clock
	Policy    domain.Policy
	Settings  Settings
	Log       zerolog.Logger

	wg         sync.WaitGroup
	classifier *Classifier
	once       sync.Once
}

// Wait blocks until every background pipeline started by Start has returned.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *Service) maxTokens() int {
	if s.Settings.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return s.Settings.MaxTokens
}

func (s *Service) classify() *Classifier {
	s.once.Do(func() {
		clock := s.Clock
		if clock == nil {
			clock = application.SystemClock{}
		}
		s.classifier = &Classifier{
			Model:     s.Model,
			ModelName: s.Settings.Model,
			MaxTokens: s.maxTokens(),
			Projects:  s.Projects,
			Clock:     clock,
		}
	})
	return s.classifier
}

// viewer resolves userID against the project's verified owners. An empty
// userID is anonymous and yields nil.
func (s *Service) viewer(ctx context.Context, projectID domain.ProjectID, userID string) (*domain.Viewer, error) {
	if userID == "" {
		return nil, nil
	}
	owner, err := s.Projects.IsVerifiedOwner(ctx, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("owner lookup: %w", err)
	}
	return &domain.Viewer{UserID: userID, VerifiedOwner: owner}, nil
}

//
// ==== USE CASES ====
//

// StartCommand requests a new audit.
type StartCommand struct {
	ProjectID      domain.ProjectID
	Depth          domain.Depth
	Incremental    bool
	BaseAuditID    domain.AuditID
	ComponentScope []string
}

// Start validates cmd, stores a pending audit and launches its pipeline in
// the background. It returns as soon as the audit row exists.
func (s *Service) Start(ctx context.Context, userID string, cmd StartCommand) (*domain.Audit, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: sign in to request an audit", domain.ErrForbidden)
	}
	if cmd.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidRequest)
	}
	if !cmd.Depth.Valid() {
		return nil, fmt.Errorf("%w: depth must be full, thorough or opportunistic", domain.ErrInvalidRequest)
	}
	if err := ValidateScope(cmd.ComponentScope); err != nil {
		return nil, err
	}
	if cmd.BaseAuditID != "" {
		cmd.Incremental = true
	}

	project, err := s.Projects.Get(ctx, cmd.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(project.Repos) == 0 {
		return nil, fmt.Errorf("%w: project has no repositories", domain.ErrInvalidRequest)
	}

	var base *domain.Audit
	if cmd.Incremental {
		v, err := s.viewer(ctx, project.ID, userID)
		if err != nil {
			return nil, err
		}
		if !v.VerifiedOwner {
			return nil, fmt.Errorf("%w: incremental audits are limited to verified project owners", domain.ErrForbidden)
		}
		if cmd.BaseAuditID == "" {
			return nil, fmt.Errorf("%w: base_audit_id is required for incremental audits", domain.ErrInvalidRequest)
		}
		base, err = s.Audits.Get(ctx, cmd.BaseAuditID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: base audit %s not found", domain.ErrInvalidRequest, cmd.BaseAuditID)
		}
		if err != nil {
			return nil, err
		}
		if base.ProjectID != project.ID {
			return nil, fmt.Errorf("%w: base audit belongs to another project", domain.ErrInvalidRequest)
		}
		if !base.Status.Succeeded() {
			return nil, fmt.Errorf("%w: base audit is %s, not completed", domain.ErrInvalidRequest, base.Status)
		}
	}

	a := &domain.Audit{
		ID:             domain.AuditID(uuid.NewString()),
		ProjectID:      project.ID,
		RequesterID:    userID,
		Depth:          cmd.Depth,
		IsIncremental:  cmd.Incremental,
		ComponentScope: cmd.ComponentScope,
		Status:         domain.StatusPending,
		CreatedAt:      s.now(),
	}
	if base != nil {
		a.BaseAuditID = base.ID
	}
	if err := s.Audits.Create(ctx, a); err != nil {
		return nil, err
	}

	if s.Observer != nil {
		s.Observer.AuditStarted()
	}
	// 🚀 jalan di background, request langsung balik
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.Background(), a, project, base)
	}()
	return a, nil
}

// StatusView is the polling response. Counters, progress and error detail
// are filled only for privileged viewers.
type StatusView struct {
	ID             domain.AuditID   `json:"id"`
	ProjectID      domain.ProjectID `json:"project_id"`
	Status         domain.Status    `json:"status"`
	Terminal       bool             `json:"terminal"`
	Depth          domain.Depth     `json:"depth"`
	IsIncremental  bool             `json:"is_incremental"`
	MaxSeverity    domain.Severity  `json:"max_severity,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Privileged     bool             `json:"privileged"`
	FilesToAnalyze int              `json:"files_to_analyze,omitempty"`
	FilesAnalyzed  int              `json:"files_analyzed,omitempty"`
	Progress       json.RawMessage  `json:"progress,omitempty"`
	ProgressNote   string           `json:"progress_note,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Usage          *ai.Usage        `json:"usage,omitempty"`
	CostUSD        float64          `json:"cost_usd,omitempty"`
	Commits        []domain.Commit  `json:"commits,omitempty"`
}

// NoProgressDetail is shown when the stored progress cannot be rendered.
const NoProgressDetail = "no detail available"

// Status returns the polling view of an audit.
func (s *Service) Status(ctx context.Context, userID string, id domain.AuditID) (StatusView, error) {
	a, err := s.Audits.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	v, err := s.viewer(ctx, a.ProjectID, userID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		ID:            a.ID,
		ProjectID:     a.ProjectID,
		Status:        a.Status,
		Terminal:      a.Status.Terminal(),
		Depth:         a.Depth,
		IsIncremental: a.IsIncremental,
		MaxSeverity:   a.MaxSeverity,
		CreatedAt:     a.CreatedAt,
		CompletedAt:   a.CompletedAt,
	}
	if !domain.Privileged(a, v) {
		return view, nil
	}

	view.Privileged = true
	view.FilesToAnalyze = a.FilesToAnalyze
	view.FilesAnalyzed = a.FilesAnalyzed
	view.ErrorMessage = a.ErrorMessage
	view.Usage = &ai.Usage{InputTokens: a.InputTokens, OutputTokens: a.OutputTokens}
	view.CostUSD = a.CostUSD
	if raw, err := domain.EncodeProgress(a.Progress); err == nil && raw != nil {
		view.Progress = raw
	} else {
		view.ProgressNote = NoProgressDetail
	}
	if commits, err := s.Audits.Commits(ctx, a.ID); err == nil {
		view.Commits = commits
	}
	return view, nil
}

// List returns the status views of a project's most recent audits.
func (s *Service) List(ctx context.Context, userID string, projectID domain.ProjectID, limit int) ([]StatusView, error) {
	list, err := s.Audits.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	v, err := s.viewer(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]StatusView, 0, len(list))
	for _, a := range list {
		view := StatusView{
			ID: a.ID, ProjectID: a.ProjectID, Status: a.Status, Terminal: a.Status.Terminal(),
			Depth: a.Depth, IsIncremental: a.IsIncremental, MaxSeverity: a.MaxSeverity,
			CreatedAt: a.CreatedAt, CompletedAt: a.CompletedAt,
		}
		if domain.Privileged(a, v) {
			view.Privileged = true
			view.FilesToAnalyze, view.FilesAnalyzed = a.FilesToAnalyze, a.FilesAnalyzed
			view.ErrorMessage = a.ErrorMessage
		}
		out = append(out, view)
	}
	return out, nil
}

// Report returns the tier-resolved findings of an audit.
func (s *Service) Report(ctx context.Context, userID string, id domain.AuditID) (domain.Report, error) {
	a, err := s.Audits.Get(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	v, err := s.viewer(ctx, a.ProjectID, userID)
	if err != nil {
		return domain.Report{}, err
	}
	findings, err := s.Findings.ListByAudit(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	tier := domain.ResolveTier(a, v, s.now())
	return s.Policy.BuildReport(a, findings, tier), nil
}

// NotifyResult is returned by NotifyOwner.
type NotifyResult struct {
	AuditID          domain.AuditID `json:"audit_id"`
	PublishableAfter time.Time      `json:"publishable_after"`
	AlreadyNotified  bool           `json:"already_notified"`
}

// NotifyOwner arms the disclosure embargo. Only the requester of a
// completed audit may call it; repeated calls return the stored date and
// send nothing.
func (s *Service) NotifyOwner(ctx context.Context, userID string, id domain.AuditID) (NotifyResult, error) {
	a, err := s.Audits.Get(ctx, id)
	if err != nil {
		return NotifyResult{}, err
	}
	if userID == "" || userID != a.RequesterID {
		return NotifyResult{}, fmt.Errorf("%w: only the requester can notify the owner", domain.ErrForbidden)
	}
	if !a.Status.Succeeded() {
		return NotifyResult{}, fmt.Errorf("%w: audit is %s", domain.ErrConflict, a.Status)
	}
	if a.OwnerNotified && a.PublishableAfter != nil {
		return NotifyResult{AuditID: id, PublishableAfter: *a.PublishableAfter, AlreadyNotified: true}, nil
	}

	now := s.now()
	after := s.Policy.PublishableAfter(a.MaxSeverity, now)
	armed, err := s.Audits.MarkOwnerNotified(ctx, id, now, after)
	if err != nil {
		return NotifyResult{}, err
	}
	if !armed {
		// lost the race against a concurrent call
		cur, err := s.Audits.Get(ctx, id)
		if err != nil {
			return NotifyResult{}, err
		}
		res := NotifyResult{AuditID: id, AlreadyNotified: true}
		if cur.PublishableAfter != nil {
			res.PublishableAfter = *cur.PublishableAfter
		}
		return res, nil
	}

	if s.Notifier != nil {
		notice := domain.OwnerNotice{AuditID: id, ProjectID: a.ProjectID, MaxSeverity: a.MaxSeverity, PublishableAfter: after}
		if p, err := s.Projects.Get(ctx, a.ProjectID); err == nil {
			notice.ProjectName, notice.GitHubOrg = p.Name, p.GitHubOrg
		}
		if err := s.Notifier.NotifyOwner(ctx, notice); err != nil {
			s.Log.Warn().Err(err).Str("audit_id", string(id)).Msg("owner notification failed")
		}
	}
	return NotifyResult{AuditID: id, PublishableAfter: after}, nil
}

// Delete removes an audit with its findings and commits. A running pipeline
// is not stopped; its later writes hit a missing row and are dropped.
func (s *Service) Delete(ctx context.Context, userID string, id domain.AuditID) error {
	a, err := s.Audits.Get(ctx, id)
	if err != nil {
		return err
	}
	if userID == "" || userID != a.RequesterID {
		return fmt.Errorf("%w: only the requester can delete an audit", domain.ErrForbidden)
	}
	return s.Audits.Delete(ctx, id)
}

// Publish sets the public flag; verified owners only.
func (s *Service) Publish(ctx context.Context, userID string, id domain.AuditID, public bool) error {
	a, err := s.Audits.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, a.ProjectID, userID); err != nil {
		return err
	}
	if public && !a.Status.Succeeded() {
		return fmt.Errorf("%w: audit is %s", domain.ErrConflict, a.Status)
	}
	return s.Audits.SetPublic(ctx, id, public)
}

// UpdateFindingStatus changes a finding's triage status and refreshes the
// audit's maxSeverity; verified owners only.
func (s *Service) UpdateFindingStatus(ctx context.Context, userID string, auditID domain.AuditID, findingID domain.FindingID, status domain.FindingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown finding status %q", domain.ErrInvalidRequest, status)
	}
	a, err := s.Audits.Get(ctx, auditID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, a.ProjectID, userID); err != nil {
		return err
	}
	if err := s.Findings.UpdateStatus(ctx, auditID, findingID, status); err != nil {
		return err
	}
	findings, err := s.Findings.ListByAudit(ctx, auditID)
	if err != nil {
		return err
	}
	return s.Audits.SetMaxSeverity(ctx, auditID, domain.MaxSeverity(findings))
}

func (s *Service) requireOwner(ctx context.Context, projectID domain.ProjectID, userID string) error {
	v, err := s.viewer(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if v == nil || !v.VerifiedOwner {
		return fmt.Errorf("%w: verified project owners only", domain.ErrForbidden)
	}
	return nil
}

// EstimateView is the pre-audit forecast for a project.
type EstimateView struct {
	ProjectID domain.ProjectID  `json:"project_id"`
	Files     int               `json:"files"`
	Estimates []domain.Estimate `json:"estimates"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// Estimate clones the project's repositories and forecasts tokens and cost
// for depth, or for every depth when depth is empty.
func (s *Service) Estimate(ctx context.Context, projectID domain.ProjectID, depth domain.Depth, scope []string) (EstimateView, error) {
	if depth != "" && !depth.Valid() {
		return EstimateView{}, fmt.Errorf("%w: depth must be full, thorough or opportunistic", domain.ErrInvalidRequest)
	}
	if err := ValidateScope(scope); err != nil {
		return EstimateView{}, err
	}
	p, err := s.Projects.Get(ctx, projectID)
	if err != nil {
		return EstimateView{}, err
	}

	view := EstimateView{ProjectID: projectID}
	var files []domain.FileInfo
	for _, r := range p.Repos {
		co, err := s.Snapshots.CloneOrUpdate(ctx, r.URL, r.Branch)
		if err != nil {
			view.Warnings = append(view.Warnings, fmt.Sprintf("clone %s: %v", r.Name, err))
			continue
		}
		fs, err := s.Snapshots.ScanFiles(ctx, co)
		if err != nil {
			view.Warnings = append(view.Warnings, fmt.Sprintf("scan %s: %v", r.Name, err))
			continue
		}
		for i := range fs {
			fs[i].Repo = r.Name
		}
		files = append(files, fs...)
	}
	files = FilterScope(files, scope)
	view.Files = len(files)

	depths := []domain.Depth{domain.DepthFull, domain.DepthThorough, domain.DepthOpportunistic}
	if depth != "" {
		depths = []domain.Depth{depth}
	}
	planner := &Planner{BatchSize: s.Settings.PlannerBatchSize}
	overhead := planner.Batches(len(files)) * s.Model.CountTokens(prompt.PlannerSystem(), "")
	for _, d := range depths {
		e := domain.EstimateTokens(d, files, s.Settings.InputPricePerMTok, s.Settings.OutputPricePerMTok)
		e.PlanningTokens += overhead
		e.CostUSD += float64(overhead) / 1e6 * s.Settings.InputPricePerMTok
		view.Estimates = append(view.Estimates, e)
	}
	return view, nil
}

// CreateProjectCommand registers a project.
type CreateProjectCommand struct {
	Name      string
	GitHubOrg string
	Repos     []domain.ProjectRepo
}

func (s *Service) CreateProject(ctx context.Context, cmd CreateProjectCommand) (*domain.Project, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidRequest)
	}
	if len(cmd.Repos) == 0 {
		return nil, fmt.Errorf("%w: at least one repository is required", domain.ErrInvalidRequest)
	}
	seen := map[string]bool{}
	for i, r := range cmd.Repos {
		if strings.TrimSpace(r.URL) == "" {
			return nil, fmt.Errorf("%w: repository %d has no url", domain.ErrInvalidRequest, i)
		}
		if r.Name == "" {
			cmd.Repos[i].Name = repoNameFromURL(r.URL)
		}
		if seen[cmd.Repos[i].Name] {
			return nil, fmt.Errorf("%w: duplicate repository name %q", domain.ErrInvalidRequest, cmd.Repos[i].Name)
		}
		seen[cmd.Repos[i].Name] = true
	}
	p := &domain.Project{
		ID:        domain.ProjectID(uuid.NewString()),
		Name:      name,
		GitHubOrg: cmd.GitHubOrg,
		Repos:     cmd.Repos,
		CreatedAt: s.now(),
	}
	if err := s.Projects.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id domain.ProjectID) (*domain.Project, error) {
	return s.Projects.Get(ctx, id)
}

// AddOwner marks userID as a verified owner of the project.
func (s *Service) AddOwner(ctx context.Context, projectID domain.ProjectID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidRequest)
	}
	if _, err := s.Projects.Get(ctx, projectID); err != nil {
		return err
	}
	return s.Projects.AddVerifiedOwner(ctx, projectID, userID)
}

func repoNameFromURL(u string) string {
	u = strings.TrimSuffix(strings.TrimRight(u, "/"), ".git")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		return u[i+1:]
	}
	return u
}
