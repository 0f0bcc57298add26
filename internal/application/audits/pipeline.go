package audits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

const (
	classifierSamples     = 12
	classifierSampleBytes = 4000
	threatModelMaxBytes   = 32000
	grepHintFiles         = 60
)

// errGone stops a run whose audit row was deleted underneath it.
var errGone = errors.New("audit no longer exists")

// runner carries the state of one pipeline run.
type runner struct {
	svc     *Service
	audit   *domain.Audit
	project *domain.Project
	base    *domain.Audit
	tr      *Tracker
	log     zerolog.Logger

	checkouts map[string]domain.Checkout
	commits   []domain.Commit
	files     []domain.FileInfo
	final     domain.Status
}

// run executes the pipeline for a. It is the error boundary of the
// background task: a panic or fatal error ends as a failed audit row and is
// never returned to the request that started it.
func (s *Service) run(ctx context.Context, a *domain.Audit, project *domain.Project, base *domain.Audit) {
	log := s.Log.With().Str("audit_id", string(a.ID)).Str("project_id", string(a.ProjectID)).Logger()
	r := &runner{
		svc:       s,
		audit:     a,
		project:   project,
		base:      base,
		tr:        NewTracker(s.Audits, a.ID, log),
		log:       log,
		checkouts: map[string]domain.Checkout{},
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("pipeline panicked")
			r.fail(ctx, fmt.Sprintf("internal error: %v", rec))
		}
		if s.Observer != nil {
			s.Observer.AuditFinished(r.final)
		}
	}()

	start := time.Now()
	err := r.execute(ctx)
	switch {
	case errors.Is(err, errGone), errors.Is(err, domain.ErrNotFound):
		log.Info().Msg("audit deleted while running, stopping")
	case err != nil:
		log.Error().Err(err).Msg("audit failed")
		r.fail(ctx, err.Error())
	default:
		log.Info().Str("status", string(r.final)).Dur("took", time.Since(start)).Msg("audit finished")
	}
}

func (r *runner) execute(ctx context.Context) error {
	if err := r.clone(ctx); err != nil {
		return err
	}
	if err := r.alive(ctx); err != nil {
		return err
	}

	cls, threatModel, err := r.classify(ctx)
	if err != nil {
		return err
	}

	candidates := r.files
	var diffs map[string]domain.DiffResult
	if r.audit.IsIncremental && r.base != nil {
		diffs = r.diff(ctx)
		candidates = changedFiles(r.files, diffs)
	}

	if err := r.alive(ctx); err != nil {
		return err
	}
	ranked, err := r.plan(ctx, candidates, cls, threatModel)
	if err != nil {
		return err
	}

	if err := r.alive(ctx); err != nil {
		return err
	}
	analysis, err := r.analyze(ctx, candidates, ranked, cls, threatModel)
	if err != nil {
		return err
	}

	findings := analysis.Findings
	if diffs != nil {
		findings = r.merge(ctx, findings, diffs)
	}
	if stored, err := r.svc.Findings.ListByAudit(ctx, r.audit.ID); err == nil {
		findings = stored
	}

	if err := r.alive(ctx); err != nil {
		return err
	}
	return r.synthesize(ctx, cls, analysis, findings)
}

func (r *runner) clone(ctx context.Context) error {
	repos := r.project.Repos
	for i, repo := range repos {
		detail := domain.CloningProgress{Current: i + 1, Total: len(repos), RepoName: repo.Name}
		if err := r.tr.Write(ctx, domain.StatusCloning, detail); err != nil {
			return err
		}
		co, err := r.svc.Snapshots.CloneOrUpdate(ctx, repo.URL, repo.Branch)
		if err != nil {
			r.tr.Warn("clone %s failed: %v", repo.Name, err)
			continue
		}
		files, err := r.svc.Snapshots.ScanFiles(ctx, co)
		if err != nil {
			r.tr.Warn("scan %s failed: %v", repo.Name, err)
			continue
		}
		branch := repo.Branch
		if branch == "" {
			branch = co.Branch
		}
		if branch == "" {
			if b, err := r.svc.Snapshots.DefaultBranch(co.LocalPath); err == nil {
				branch = b
			}
		}
		for j := range files {
			files[j].Repo = repo.Name
		}
		r.checkouts[repo.Name] = co
		r.files = append(r.files, files...)
		r.commits = append(r.commits, domain.Commit{
			AuditID:   r.audit.ID,
			RepoName:  repo.Name,
			RepoURL:   repo.URL,
			Branch:    branch,
			CommitSHA: co.HeadCommit,
		})
	}
	if len(r.checkouts) == 0 {
		return fmt.Errorf("no repository could be cloned (%d attempted)", len(repos))
	}
	if err := r.svc.Audits.SaveCommits(ctx, r.audit.ID, r.commits); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return errGone
		}
		r.log.Warn().Err(err).Msg("save commits failed")
	}

	if len(r.audit.ComponentScope) > 0 {
		r.files = FilterScope(r.files, r.audit.ComponentScope)
		if len(r.files) == 0 {
			r.tr.Warn("component scope %v matched no files", r.audit.ComponentScope)
		}
	}
	return nil
}

// classify returns the project classification and the threat model text to
// use. A classifier failure is a warning.
func (r *runner) classify(ctx context.Context) (*domain.Classification, string, error) {
	if err := r.tr.Write(ctx, domain.StatusClassifying, r.tr.Current()); err != nil {
		return nil, "", err
	}

	var repoThreatModel string
	if tm, ok := FindThreatModel(r.files); ok {
		if body, err := r.read(tm); err == nil {
			repoThreatModel = truncateSample(tm, body, threatModelMaxBytes).Content
		}
	}

	in := ClassifyInput{RepoThreatModel: repoThreatModel}
	if r.project.Classification == nil {
		for _, f := range SampleFiles(r.files, classifierSamples) {
			if body, err := r.read(f); err == nil {
				in.Samples = append(in.Samples, truncateSample(f, body, classifierSampleBytes))
			}
		}
	}

	cls, usage, err := r.svc.classify().Classify(ctx, r.project, in)
	r.charge(ctx, usage)
	if err != nil {
		r.tr.Warn("classification failed: %v", err)
		return nil, repoThreatModel, nil
	}
	threatModel := cls.ThreatModel
	if repoThreatModel != "" {
		threatModel = repoThreatModel
	}
	return &cls, threatModel, nil
}

// diff compares each checkout with the commit the base audit recorded.
// Repositories without a usable diff are left out of the map and analyzed
// in full.
func (r *runner) diff(ctx context.Context) map[string]domain.DiffResult {
	diffs := map[string]domain.DiffResult{}
	baseCommits, err := r.svc.Audits.Commits(ctx, r.base.ID)
	if err != nil {
		r.tr.Warn("base audit commits unavailable, analyzing all files: %v", err)
		return diffs
	}
	byRepo := make(map[string]domain.Commit, len(baseCommits))
	for _, c := range baseCommits {
		byRepo[c.RepoName] = c
	}
	for name, co := range r.checkouts {
		bc, ok := byRepo[name]
		if !ok {
			r.tr.Warn("repository %s was not part of base audit, analyzing it in full", name)
			continue
		}
		d, err := r.svc.Snapshots.Diff(ctx, co.LocalPath, bc.CommitSHA, co.HeadCommit)
		if err != nil {
			r.tr.Warn("diff %s %s..%s failed, analyzing it in full: %v", name, short(bc.CommitSHA), short(co.HeadCommit), err)
			continue
		}
		diffs[name] = d
	}
	return diffs
}

// changedFiles keeps files of diffed repositories that changed since the
// base commit, and every file of repositories without a diff.
func changedFiles(files []domain.FileInfo, diffs map[string]domain.DiffResult) []domain.FileInfo {
	changed := make(map[string]map[string]struct{}, len(diffs))
	for repo, d := range diffs {
		set := map[string]struct{}{}
		for _, p := range d.Changed() {
			set[p] = struct{}{}
		}
		changed[repo] = set
	}
	out := make([]domain.FileInfo, 0, len(files))
	for _, f := range files {
		set, diffed := changed[f.Repo]
		if !diffed {
			out = append(out, f)
			continue
		}
		if _, ok := set[f.Path]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *runner) plan(ctx context.Context, files []domain.FileInfo, cls *domain.Classification, threatModel string) ([]domain.RankedFile, error) {
	s := r.svc
	planner := &Planner{
		Model:        s.Model,
		ModelName:    s.Settings.Model,
		MaxTokens:    s.maxTokens(),
		BatchSize:    s.Settings.PlannerBatchSize,
		MinBatchSize: s.Settings.PlannerMinBatchSize,
	}
	planner.OnBatch = func(batch, total int) {
		if err := r.tr.Write(ctx, domain.StatusPlanning, domain.PlanningProgress{Batch: batch, TotalBatches: total}); err != nil {
			r.log.Warn().Err(err).Msg("planning progress write failed")
		}
	}
	if err := r.tr.Write(ctx, domain.StatusPlanning, domain.PlanningProgress{TotalBatches: planner.Batches(len(files))}); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if r.audit.IsIncremental {
			r.tr.Warn("no files changed since base audit")
		} else {
			r.tr.Warn("no candidate files to plan")
		}
		return nil, nil
	}

	var hits []GrepHit
	for _, f := range files {
		if body, err := r.read(f); err == nil {
			hits = append(hits, GrepFile(f.Key(), body)...)
		}
	}
	pc := prompt.PlanContext{
		Classification:    cls,
		ThreatModel:       threatModel,
		GrepHints:         FormatGrepHints(hits, grepHintFiles),
		ComponentProfiles: FormatComponentProfiles(ComponentProfiles(files)),
	}

	plan, err := planner.Rank(ctx, files, pc)
	r.charge(ctx, plan.Usage)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	for _, sb := range plan.Skipped {
		r.tr.Warn("planner skipped %d files (%s ... %s): %v", len(sb.Files), sb.Files[0], sb.Files[len(sb.Files)-1], sb.Err)
	}
	if len(plan.Ranked) == 0 {
		r.tr.Warn("planner returned no ranked files")
	}
	r.log.Info().Int("files", len(files)).Int("batches", plan.Batches).Str("phase", "planning").Msg("files ranked")

	if s.Artifacts != nil {
		key := fmt.Sprintf("audits/%s/plan.json", r.audit.ID)
		if _, err := s.Artifacts.PutJSON(ctx, key, plan.Ranked); err != nil {
			r.log.Warn().Err(err).Msg("plan archive failed")
		}
	}
	return plan.Ranked, nil
}

func (r *runner) analyze(ctx context.Context, candidates []domain.FileInfo, ranked []domain.RankedFile, cls *domain.Classification, threatModel string) (Analysis, error) {
	s := r.svc
	byKey := make(map[string]domain.FileInfo, len(candidates))
	for _, f := range candidates {
		byKey[f.Key()] = f
	}
	var selected []domain.FileInfo
	for _, rf := range domain.SelectBudget(r.audit.Depth, ranked) {
		if f, ok := byKey[rf.File]; ok {
			selected = append(selected, f)
		}
	}

	pending := make([]domain.FileProgress, len(selected))
	for i, f := range selected {
		pending[i] = domain.FileProgress{File: f.Key(), Status: domain.FilePending}
	}
	r.tr.Counters(len(selected), 0)
	if err := r.tr.Write(ctx, domain.StatusAnalyzing, domain.AnalyzingProgress{Files: pending}); err != nil {
		return Analysis{}, err
	}

	analyzer := &Analyzer{
		Model:       s.Model,
		ModelName:   s.Settings.Model,
		MaxTokens:   s.maxTokens(),
		BatchTokens: s.Settings.AnalyzerBatchTokens,
		Snapshots:   s.Snapshots,
	}
	in := AnalysisInput{Files: selected, Checkouts: r.checkouts, Classification: cls, ThreatModel: threatModel}

	var gone bool
	analysis := analyzer.Analyze(ctx, in, func(br BatchResult) {
		if br.Err != nil {
			r.tr.Warn("analysis batch %d/%d failed: %v", br.Batch, br.Total, br.Err)
		}
		if len(br.Findings) > 0 {
			if err := s.Findings.Insert(ctx, r.audit.ID, r.stamp(br.Findings)); err != nil {
				r.tr.Warn("storing findings of batch %d failed: %v", br.Batch, err)
			}
		}
		r.tr.Counters(len(selected), br.Analyzed)
		if err := r.tr.Write(ctx, domain.StatusAnalyzing, domain.AnalyzingProgress{Files: br.Files}); errors.Is(err, domain.ErrNotFound) {
			gone = true
		}
	})
	r.charge(ctx, analysis.Usage)
	if gone {
		return analysis, errGone
	}
	r.log.Info().Int("selected", len(selected)).Int("analyzed", analysis.Analyzed).
		Int("failed", analysis.Failed).Int("findings", len(analysis.Findings)).Str("phase", "analyzing").Msg("analysis done")
	return analysis, nil
}

// merge folds the base audit's findings into this run and stores the
// inherited ones. Fresh findings are already stored.
func (r *runner) merge(ctx context.Context, fresh []domain.Finding, diffs map[string]domain.DiffResult) []domain.Finding {
	inherited, err := r.svc.Findings.ListByAudit(ctx, r.base.ID)
	if err != nil {
		r.tr.Warn("base audit findings unavailable: %v", err)
		return fresh
	}
	merged := domain.MergeIncremental(domain.MergeInput{
		Fresh:       fresh,
		Inherited:   inherited,
		Diffs:       diffs,
		BaseAuditID: r.base.ID,
	})
	carried := r.stamp(merged[len(domain.DedupeByFingerprint(fresh)):])
	if len(carried) > 0 {
		if err := r.svc.Findings.Insert(ctx, r.audit.ID, carried); err != nil {
			r.tr.Warn("storing inherited findings failed: %v", err)
		}
	}
	return merged
}

func (r *runner) synthesize(ctx context.Context, cls *domain.Classification, analysis Analysis, findings []domain.Finding) error {
	s := r.svc
	if err := r.tr.Write(ctx, domain.StatusSynthesizing, r.tr.Current()); err != nil {
		return err
	}
	syn := &Synthesizer{Model: s.Model, ModelName: s.Settings.Model, MaxTokens: s.maxTokens()}
	out, usage, err := syn.Synthesize(ctx, SynthesisInput{
		Project:        r.project,
		Classification: cls,
		Depth:          r.audit.Depth,
		FilesAnalyzed:  analysis.Analyzed,
		Findings:       findings,
	})
	r.charge(ctx, usage)
	if err != nil {
		r.tr.Warn("executive summary unavailable: %v", err)
	}

	maxSev := domain.MaxSeverity(findings)
	var reportURL string
	if s.Artifacts != nil {
		doc := map[string]any{
			"audit_id":         r.audit.ID,
			"project_id":       r.audit.ProjectID,
			"depth":            r.audit.Depth,
			"commits":          r.commits,
			"max_severity":     maxSev,
			"severity_counts":  domain.CountSeverities(findings),
			"summary":          out.Summary,
			"security_posture": out.SecurityPosture,
			"findings":         findings,
		}
		url, err := s.Artifacts.PutJSON(ctx, fmt.Sprintf("audits/%s/report.json", r.audit.ID), doc)
		if err != nil {
			r.log.Warn().Err(err).Msg("report archive failed")
		} else {
			reportURL = url
		}
	}

	warnings := r.tr.Warnings()
	status := domain.StatusCompleted
	if len(warnings) > 0 {
		status = domain.StatusCompletedWithWarnings
	}
	err = s.Audits.Finish(ctx, r.audit.ID, domain.Completion{
		Status:          status,
		MaxSeverity:     maxSev,
		ReportSummary:   out.Summary,
		SecurityPosture: out.SecurityPosture,
		ReportURL:       reportURL,
		Progress:        domain.WithWarnings(domain.DoneProgress{Files: analysis.Files}, warnings),
		CompletedAt:     s.now(),
	})
	if err != nil {
		return err
	}
	r.final = status
	return nil
}

// fail records a fatal error on the audit row.
func (r *runner) fail(ctx context.Context, msg string) {
	err := r.svc.Audits.Finish(ctx, r.audit.ID, domain.Completion{
		Status:       domain.StatusFailed,
		ErrorMessage: msg,
		Progress:     r.tr.Current(),
		CompletedAt:  r.svc.now(),
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.log.Error().Err(err).Msg("recording failure failed")
	}
	r.final = domain.StatusFailed
}

func (r *runner) alive(ctx context.Context) error {
	if _, err := r.svc.Audits.Get(ctx, r.audit.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return errGone
		}
		return err
	}
	return nil
}

func (r *runner) charge(ctx context.Context, u ai.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	cost := u.Cost(r.svc.Settings.InputPricePerMTok, r.svc.Settings.OutputPricePerMTok)
	if err := r.svc.Audits.AddUsage(ctx, r.audit.ID, u.InputTokens, u.OutputTokens, cost); err != nil {
		r.log.Warn().Err(err).Msg("usage accounting failed")
	}
}

func (r *runner) read(f domain.FileInfo) ([]byte, error) {
	co, ok := r.checkouts[f.Repo]
	if !ok {
		return nil, fmt.Errorf("no checkout for %s", f.Repo)
	}
	return r.svc.Snapshots.ReadFile(co, f.Path)
}

// stamp assigns ids and ownership to findings about to be stored.
func (r *runner) stamp(fs []domain.Finding) []domain.Finding {
	now := r.svc.now()
	out := make([]domain.Finding, len(fs))
	for i, f := range fs {
		f.ID = domain.FindingID(uuid.NewString())
		f.AuditID = r.audit.ID
		f.CreatedAt = now
		if f.Fingerprint == "" {
			f.Fingerprint = domain.Fingerprint(f)
		}
		out[i] = f
	}
	return out
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
