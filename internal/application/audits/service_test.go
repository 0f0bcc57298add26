package audits

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

const appURL = "https://git.example.test/acme/app.git"

var appFiles = map[string]string{
	"src/utils.py": `import subprocess

def run_command(user_input):
    return subprocess.call("echo " + user_input, shell=True)
`,
	"src/db.py": `def find_user(conn, name):
    return conn.execute("SELECT * FROM users WHERE name = '" + name + "'")
`,
	"src/auth.py": `import hashlib

def hash_password(pw):
    return hashlib.md5(pw.encode()).hexdigest()
`,
	"src/app.py": `from flask import Flask
app = Flask(__name__)
`,
	"README.md":           "# app\n",
	"tests/test_utils.py": "def test_noop():\n    assert True\n",
}

var appPriority = map[string]float64{
	"app/src/utils.py":        0.95,
	"app/src/db.py":           0.9,
	"app/src/auth.py":         0.8,
	"app/src/app.py":          0.6,
	"app/README.md":           0.1,
	"app/tests/test_utils.py": 0.05,
}

var appFindings = map[string][]prompt.AnalyzerFinding{
	"app/src/utils.py": {{File: "app/src/utils.py", LineStart: 4, Severity: "critical", CWE: "CWE-78", CVSS: 9.8, Title: "Command injection in run_command", Description: "user input reaches a shell"}},
	"app/src/db.py":    {{File: "app/src/db.py", LineStart: 2, Severity: "high", CWE: "CWE-89", CVSS: 8.1, Title: "SQL injection in find_user"}},
	"app/src/auth.py":  {{File: "src/auth.py", LineStart: 4, Severity: "medium", CWE: "CWE-327", CVSS: 5.3, Title: "MD5 password hashing"}},
}

func (h *harness) project(t *testing.T, repos ...domain.ProjectRepo) *domain.Project {
	t.Helper()
	if len(repos) == 0 {
		repos = []domain.ProjectRepo{{Name: "app", URL: appURL}}
	}
	p, err := h.svc.CreateProject(context.Background(), CreateProjectCommand{Name: "acme", GitHubOrg: "acme", Repos: repos})
	require.NoError(t, err)
	return p
}

func (h *harness) start(t *testing.T, userID string, cmd StartCommand) *domain.Audit {
	t.Helper()
	a, err := h.svc.Start(context.Background(), userID, cmd)
	require.NoError(t, err)
	h.svc.Wait()
	got, err := h.svc.Audits.Get(context.Background(), a.ID)
	require.NoError(t, err)
	return got
}

func newAppHarness(t *testing.T) (*harness, *domain.Project) {
	h := newHarness(t)
	h.snaps.put(appURL, "c1", appFiles)
	h.model.plan = rankBy(appPriority)
	h.model.analyze = findingsFor(appFindings)
	p := h.project(t)
	require.NoError(t, h.svc.AddOwner(context.Background(), p.ID, "bob"))
	return h, p
}

func TestPipeline_EndToEndFullDepth(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, domain.SeverityCritical, a.MaxSeverity)
	assert.Equal(t, 6, a.FilesToAnalyze)
	assert.Equal(t, 6, a.FilesAnalyzed)
	assert.Equal(t, "summary", a.ReportSummary)
	assert.NotEmpty(t, a.ReportURL)
	assert.Greater(t, a.InputTokens, 0)
	assert.Greater(t, a.CostUSD, 0.0)
	require.NotNil(t, a.CompletedAt)

	done, ok := a.Progress.(domain.DoneProgress)
	require.True(t, ok, "final progress is done, got %T", a.Progress)
	assert.Len(t, done.Files, 6)
	assert.Empty(t, done.Warnings)

	owner, err := h.svc.Report(ctx, "bob", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierOwner, owner.AccessTier)
	assert.Len(t, owner.Findings, 3)

	anon, err := h.svc.Report(ctx, "", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierPublic, anon.AccessTier)
	assert.Empty(t, anon.Findings)
	assert.Equal(t, 1, anon.SeverityCounts.Critical)
	assert.Equal(t, 1, anon.SeverityCounts.High)
	assert.Equal(t, 1, anon.SeverityCounts.Medium)

	req, err := h.svc.Report(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierRequester, req.AccessTier)
	require.Len(t, req.Findings, 3)
	for _, f := range req.Findings {
		assert.True(t, f.Redacted)
		assert.Empty(t, f.FilePath)
	}

	fs, err := h.svc.Findings.ListByAudit(ctx, a.ID)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, f := range fs {
		assert.NotEmpty(t, f.Fingerprint)
		assert.False(t, seen[f.Fingerprint])
		seen[f.Fingerprint] = true
		assert.Equal(t, "app", f.RepoName)
	}

	assert.Contains(t, h.artifacts.keys, "audits/"+string(a.ID)+"/plan.json")
	assert.Contains(t, h.artifacts.keys, "audits/"+string(a.ID)+"/report.json")
	assert.Equal(t, 1, h.observer.started)
	assert.Equal(t, []domain.Status{domain.StatusCompleted}, h.observer.finished)
}

func TestPipeline_BudgetSelectsTopRanked(t *testing.T) {
	h, p := newAppHarness(t)

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthThorough})

	assert.Equal(t, 2, a.FilesToAnalyze)
	reqs := h.model.reqs(stageAnalyze)
	require.Len(t, reqs, 1)
	assert.ElementsMatch(t, []string{"app/src/utils.py", "app/src/db.py"}, analyzerFiles(reqs[0].User))
	assert.Equal(t, domain.SeverityCritical, a.MaxSeverity)

	a = h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthOpportunistic})
	assert.Equal(t, 1, a.FilesToAnalyze)
}

func TestPipeline_ClassificationCachedPerProject(t *testing.T) {
	h, p := newAppHarness(t)

	h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthOpportunistic})
	h.start(t, "carol", StartCommand{ProjectID: p.ID, Depth: domain.DepthOpportunistic})

	assert.Equal(t, 1, h.model.count(stageClassify))
	got, err := h.svc.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Classification)
	assert.Equal(t, "web-application", got.Classification.Category)
	assert.Equal(t, domain.ThreatModelGenerated, got.Classification.ThreatModelSource)
}

func TestPipeline_ThreatModelFromRepository(t *testing.T) {
	h := newHarness(t)
	files := map[string]string{"main.go": "package main\n", "docs/THREAT_MODEL.md": "Attackers control webhook payloads."}
	h.snaps.put(appURL, "c1", files)
	p := h.project(t)

	h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	got, err := h.svc.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Classification)
	assert.Equal(t, domain.ThreatModelFromRepo, got.Classification.ThreatModelSource)
	assert.Equal(t, "Attackers control webhook payloads.", got.Classification.ThreatModel)
	for _, r := range h.model.reqs(stagePlan) {
		assert.Contains(t, r.User, "Attackers control webhook payloads.")
	}
}

func TestPipeline_PartialCloneFailureWarns(t *testing.T) {
	h, _ := newAppHarness(t)
	const brokenURL = "https://git.example.test/acme/broken.git"
	h.snaps.fail[brokenURL] = errors.New("authentication required")
	p := h.project(t, domain.ProjectRepo{Name: "app", URL: appURL}, domain.ProjectRepo{Name: "broken", URL: brokenURL})

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusCompletedWithWarnings, a.Status)
	warnings := domain.ProgressWarnings(a.Progress)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "clone broken failed")
	assert.Equal(t, domain.SeverityCritical, a.MaxSeverity)

	commits, err := h.svc.Audits.Commits(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "c1", commits[0].CommitSHA)
	assert.Equal(t, "main", commits[0].Branch)
}

func TestPipeline_NoRepositoryClonedFails(t *testing.T) {
	h := newHarness(t)
	h.snaps.fail[appURL] = errors.New("network unreachable")
	p := h.project(t)

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "no repository could be cloned")
	assert.Equal(t, domain.PhaseCloning, a.Progress.Phase())
	assert.Equal(t, []domain.Status{domain.StatusFailed}, h.observer.finished)
}

func TestPipeline_PlannerFailureIsFatal(t *testing.T) {
	h, p := newAppHarness(t)
	h.model.plan = func(ai.Request) (ai.Response, error) { return ai.Response{Content: "no json here"}, nil }

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "planning failed")
	assert.Equal(t, domain.PhasePlanning, a.Progress.Phase())
	assert.Equal(t, 0, h.model.count(stageAnalyze))
}

func TestPipeline_PlannerBatchFailureKeepsOtherBatches(t *testing.T) {
	h, p := newAppHarness(t)
	h.svc.Settings.PlannerBatchSize = 3
	h.svc.Settings.PlannerMinBatchSize = 2
	inner := h.model.plan
	h.model.plan = func(req ai.Request) (ai.Response, error) {
		for _, f := range plannerFiles(req.User) {
			if f == "app/src/db.py" {
				return ai.Response{Content: "garbage"}, nil
			}
		}
		return inner(req)
	}

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusCompletedWithWarnings, a.Status)
	assert.Empty(t, a.ErrorMessage)
	assert.Equal(t, 2, h.model.count(stagePlan))
	assert.Equal(t, 3, a.FilesToAnalyze)
	assert.Greater(t, h.model.count(stageAnalyze), 0)
	warnings := domain.ProgressWarnings(a.Progress)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "planner skipped 3 files")
}

func TestPipeline_SynthesisFailureDegrades(t *testing.T) {
	h, p := newAppHarness(t)
	h.model.synthesize = func(ai.Request) (ai.Response, error) { return ai.Response{}, errors.New("upstream 503") }

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusCompletedWithWarnings, a.Status)
	assert.Empty(t, a.ReportSummary)
	assert.Equal(t, domain.SeverityCritical, a.MaxSeverity)
	fs, _ := h.svc.Findings.ListByAudit(context.Background(), a.ID)
	assert.Len(t, fs, 3)
}

func TestPipeline_AnalyzerBatchFailureKeepsOtherBatches(t *testing.T) {
	h, p := newAppHarness(t)
	h.svc.Settings.AnalyzerBatchTokens = 1 // one file per batch
	inner := findingsFor(appFindings)
	h.model.analyze = func(req ai.Request) (ai.Response, error) {
		if strings.Contains(req.User, "=== app/src/db.py ===") {
			return ai.Response{Content: "truncated {"}, nil
		}
		return inner(req)
	}

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.Equal(t, domain.StatusCompletedWithWarnings, a.Status)
	assert.Equal(t, 5, a.FilesAnalyzed)
	done := a.Progress.(domain.DoneProgress)
	for _, f := range done.Files {
		if f.File == "app/src/db.py" {
			assert.Equal(t, domain.FileError, f.Status)
		}
		if f.File == "app/src/utils.py" {
			assert.Equal(t, domain.FileAnalyzed, f.Status)
			assert.Equal(t, 1, f.FindingsCount)
		}
	}
	fs, _ := h.svc.Findings.ListByAudit(context.Background(), a.ID)
	assert.Len(t, fs, 2)
}

func TestPipeline_ComponentScope(t *testing.T) {
	h, p := newAppHarness(t)

	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull, ComponentScope: []string{"src/**"}})

	assert.Equal(t, 4, a.FilesToAnalyze)
}

func TestPipeline_Incremental(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	base := h.start(t, "bob", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})
	require.Equal(t, domain.StatusCompleted, base.Status)

	// c2: utils.py deleted, db.py modified (injection still there), auth.py untouched
	head := map[string]string{}
	for k, v := range appFiles {
		head[k] = v
	}
	delete(head, "src/utils.py")
	head["src/db.py"] += "\n# touched\n"
	h.snaps.put(appURL, "c2", head)
	h.snaps.diffs["c1..c2"] = domain.DiffResult{Modified: []string{"src/db.py"}, Deleted: []string{"src/utils.py"}}

	before := len(h.model.reqs(stageAnalyze))
	a := h.start(t, "bob", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull, BaseAuditID: base.ID})

	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.True(t, a.IsIncremental)
	assert.Equal(t, 1, a.FilesToAnalyze)
	reqs := h.model.reqs(stageAnalyze)[before:]
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"app/src/db.py"}, analyzerFiles(reqs[0].User))

	fs, err := h.svc.Findings.ListByAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(fs), 3)
	byPath := map[string]domain.Finding{}
	seen := map[string]bool{}
	for _, f := range fs {
		byPath[f.FilePath] = f
		assert.False(t, seen[f.Fingerprint], "duplicate fingerprint")
		seen[f.Fingerprint] = true
	}
	assert.Equal(t, domain.FindingFixed, byPath["src/utils.py"].Status)
	assert.Equal(t, base.ID, byPath["src/utils.py"].InheritedFrom)
	assert.Equal(t, domain.FindingOpen, byPath["src/auth.py"].Status)
	assert.Equal(t, base.ID, byPath["src/auth.py"].InheritedFrom)
	assert.Empty(t, byPath["src/db.py"].InheritedFrom, "fresh result wins")

	assert.Equal(t, domain.SeverityHigh, a.MaxSeverity, "fixed critical no longer counts")
}

func TestStart_Validation(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	other := h.project(t, domain.ProjectRepo{Name: "other", URL: "https://git.example.test/acme/other.git"})
	require.NoError(t, h.svc.AddOwner(ctx, other.ID, "bob"))

	_, err := h.svc.Start(ctx, "", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.Start(ctx, "alice", StartCommand{ProjectID: p.ID, Depth: "deep"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.svc.Start(ctx, "alice", StartCommand{Depth: domain.DepthFull})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.svc.Start(ctx, "alice", StartCommand{ProjectID: "nope", Depth: domain.DepthFull})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.Start(ctx, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull, ComponentScope: []string{"src/[a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	base := h.start(t, "bob", StartCommand{ProjectID: p.ID, Depth: domain.DepthOpportunistic})

	_, err = h.svc.Start(ctx, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull, BaseAuditID: base.ID})
	assert.ErrorIs(t, err, domain.ErrForbidden, "incremental needs a verified owner")

	_, err = h.svc.Start(ctx, "bob", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull, Incremental: true})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "incremental needs a base audit")

	_, err = h.svc.Start(ctx, "bob", StartCommand{ProjectID: other.ID, Depth: domain.DepthFull, BaseAuditID: base.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "base audit from another project")

	failing := newHarness(t)
	failing.snaps.fail[appURL] = errors.New("gone")
	fp := failing.project(t)
	require.NoError(t, failing.svc.AddOwner(ctx, fp.ID, "bob"))
	failed := failing.start(t, "bob", StartCommand{ProjectID: fp.ID, Depth: domain.DepthFull})
	_, err = failing.svc.Start(ctx, "bob", StartCommand{ProjectID: fp.ID, Depth: domain.DepthFull, BaseAuditID: failed.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "base audit not completed")
}

func TestStatus_PrivilegedDetail(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	v, err := h.svc.Status(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.True(t, v.Privileged)
	assert.True(t, v.Terminal)
	assert.Equal(t, 6, v.FilesAnalyzed)
	assert.Contains(t, string(v.Progress), `"type":"done"`)
	require.NotNil(t, v.Usage)
	assert.Len(t, v.Commits, 1)

	v, err = h.svc.Status(ctx, "bob", a.ID)
	require.NoError(t, err)
	assert.True(t, v.Privileged)

	v, err = h.svc.Status(ctx, "", a.ID)
	require.NoError(t, err)
	assert.False(t, v.Privileged)
	assert.Equal(t, domain.StatusCompleted, v.Status)
	assert.Equal(t, domain.SeverityCritical, v.MaxSeverity)
	assert.Nil(t, v.Progress)
	assert.Nil(t, v.Usage)
	assert.Zero(t, v.FilesAnalyzed)
}

func TestStatus_MissingProgressRendersNote(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := &domain.Audit{ID: "raw", ProjectID: p.ID, RequesterID: "alice", Depth: domain.DepthFull, Status: domain.StatusFailed}
	require.NoError(t, h.svc.Audits.Create(ctx, a))

	v, err := h.svc.Status(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.True(t, v.Terminal)
	assert.Equal(t, NoProgressDetail, v.ProgressNote)
}

func TestNotifyOwner_Idempotent(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	_, err := h.svc.NotifyOwner(ctx, "mallory", a.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	first, err := h.svc.NotifyOwner(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyNotified)
	assert.Equal(t, h.clock.Now().AddDate(0, 6, 0), first.PublishableAfter)

	h.clock.Set(h.clock.Now().Add(time.Hour))
	second, err := h.svc.NotifyOwner(ctx, "alice", a.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyNotified)
	assert.True(t, first.PublishableAfter.Equal(second.PublishableAfter))

	require.Len(t, h.notifier.notices, 1)
	assert.Equal(t, "acme", h.notifier.notices[0].ProjectName)
	assert.Equal(t, domain.SeverityCritical, h.notifier.notices[0].MaxSeverity)
}

func TestNotifyOwner_RequiresCompletedAudit(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := &domain.Audit{ID: "running", ProjectID: p.ID, RequesterID: "alice", Depth: domain.DepthFull, Status: domain.StatusAnalyzing}
	require.NoError(t, h.svc.Audits.Create(ctx, a))

	_, err := h.svc.NotifyOwner(ctx, "alice", a.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestReport_EmbargoAutoPublish(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})
	res, err := h.svc.NotifyOwner(ctx, "alice", a.ID)
	require.NoError(t, err)

	h.clock.Set(res.PublishableAfter.Add(-time.Second))
	r, err := h.svc.Report(ctx, "", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierPublic, r.AccessTier)

	h.clock.Set(res.PublishableAfter)
	r, err = h.svc.Report(ctx, "", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierOwner, r.AccessTier)
	assert.Len(t, r.Findings, 3)
}

func TestPublishAndFindingStatus(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.ErrorIs(t, h.svc.Publish(ctx, "alice", a.ID, true), domain.ErrForbidden)
	require.NoError(t, h.svc.Publish(ctx, "bob", a.ID, true))
	r, err := h.svc.Report(ctx, "", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierOwner, r.AccessTier)

	var critical domain.Finding
	for _, f := range r.Findings {
		if f.Severity == domain.SeverityCritical {
			critical = f
		}
	}
	require.NotEmpty(t, critical.ID)

	err = h.svc.UpdateFindingStatus(ctx, "bob", a.ID, critical.ID, "ignored")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	err = h.svc.UpdateFindingStatus(ctx, "alice", a.ID, critical.ID, domain.FindingFalsePositive)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, h.svc.UpdateFindingStatus(ctx, "bob", a.ID, critical.ID, domain.FindingFalsePositive))
	got, err := h.svc.Audits.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, got.MaxSeverity)
}

func TestDelete(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	a := h.start(t, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})

	assert.ErrorIs(t, h.svc.Delete(ctx, "bob", a.ID), domain.ErrForbidden)
	require.NoError(t, h.svc.Delete(ctx, "alice", a.ID))

	_, err := h.svc.Status(ctx, "alice", a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	fs, _ := h.svc.Findings.ListByAudit(ctx, a.ID)
	assert.Empty(t, fs)
}

func TestDelete_WhileRunning(t *testing.T) {
	h, p := newAppHarness(t)
	ctx := context.Background()
	h.snaps.gate = make(chan struct{})

	a, err := h.svc.Start(ctx, "alice", StartCommand{ProjectID: p.ID, Depth: domain.DepthFull})
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(ctx, "alice", a.ID))
	close(h.snaps.gate)
	h.svc.Wait()

	_, err = h.svc.Audits.Get(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, h.model.count(stagePlan))
}

func TestEstimate(t *testing.T) {
	h, p := newAppHarness(t)

	v, err := h.svc.Estimate(context.Background(), p.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, v.Files)
	require.Len(t, v.Estimates, 3)
	assert.Equal(t, 6, v.Estimates[0].SelectedFiles)
	assert.Equal(t, 2, v.Estimates[1].SelectedFiles)
	assert.Equal(t, 1, v.Estimates[2].SelectedFiles)
	assert.Equal(t, v.Estimates[0].PlanningTokens, v.Estimates[2].PlanningTokens)
	assert.Greater(t, v.Estimates[0].AnalysisTokens, v.Estimates[2].AnalysisTokens)

	_, err = h.svc.Estimate(context.Background(), p.ID, "deep", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCreateProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.svc.CreateProject(ctx, CreateProjectCommand{Name: "x", Repos: []domain.ProjectRepo{{URL: "git@github.com:acme/api.git"}}})
	require.NoError(t, err)
	assert.Equal(t, "api", p.Repos[0].Name)

	_, err = h.svc.CreateProject(ctx, CreateProjectCommand{Name: "", Repos: p.Repos})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = h.svc.CreateProject(ctx, CreateProjectCommand{Name: "y"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = h.svc.CreateProject(ctx, CreateProjectCommand{Name: "z", Repos: []domain.ProjectRepo{{URL: "https://a/api.git"}, {URL: "https://b/api"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	assert.ErrorIs(t, h.svc.AddOwner(ctx, "missing", "bob"), domain.ErrNotFound)
}
