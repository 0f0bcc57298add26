package audits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-audit/internal/application"
	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
	"github.com/bryanwahyu/automaton-audit/internal/infra/db/memory"
)

const (
	stageClassify   = "classify"
	stagePlan       = "plan"
	stageAnalyze    = "analyze"
	stageSynthesize = "synthesize"
)

var analyzerPrefix = prompt.AnalyzerSystem(nil, "")[:60]

func stageOf(req ai.Request) string {
	switch {
	case req.System == prompt.ClassifierSystem():
		return stageClassify
	case req.System == prompt.PlannerSystem():
		return stagePlan
	case req.System == prompt.SynthesizerSystem():
		return stageSynthesize
	case strings.HasPrefix(req.System, analyzerPrefix):
		return stageAnalyze
	}
	return "unknown"
}

type handler func(req ai.Request) (ai.Response, error)

// scriptedModel answers each pipeline stage with its own handler; nil
// handlers fall back to well-formed defaults.
type scriptedModel struct {
	mu       sync.Mutex
	calls    map[string]int
	requests map[string][]ai.Request

	classify   handler
	plan       handler
	analyze    handler
	synthesize handler
}

func newModel() *scriptedModel {
	return &scriptedModel{calls: map[string]int{}, requests: map[string][]ai.Request{}}
}

func (m *scriptedModel) Call(_ context.Context, req ai.Request) (ai.Response, error) {
	stage := stageOf(req)
	m.mu.Lock()
	m.calls[stage]++
	m.requests[stage] = append(m.requests[stage], req)
	m.mu.Unlock()

	var h handler
	switch stage {
	case stageClassify:
		h = m.classify
		if h == nil {
			h = classifyOK
		}
	case stagePlan:
		h = m.plan
		if h == nil {
			h = rankInOrder
		}
	case stageAnalyze:
		h = m.analyze
		if h == nil {
			h = func(ai.Request) (ai.Response, error) { return reply(prompt.Analysis{}), nil }
		}
	case stageSynthesize:
		h = m.synthesize
		if h == nil {
			h = func(ai.Request) (ai.Response, error) {
				return reply(prompt.Synthesis{Summary: "summary", SecurityPosture: "posture"}), nil
			}
		}
	default:
		return ai.Response{}, fmt.Errorf("unexpected prompt")
	}
	return h(req)
}

func (m *scriptedModel) CountTokens(system, user string) int {
	return ai.EstimateTokens(system + user)
}

func (m *scriptedModel) count(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

func (m *scriptedModel) reqs(stage string) []ai.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ai.Request(nil), m.requests[stage]...)
}

func reply(v any) ai.Response {
	b, _ := json.Marshal(v)
	return ai.Response{Content: "```json\n" + string(b) + "\n```", InputTokens: 1000, OutputTokens: 100, StopReason: ai.StopEndTurn}
}

func classifyOK(ai.Request) (ai.Response, error) {
	return reply(map[string]any{
		"category":         "web-application",
		"description":      "flask app",
		"involved_parties": []string{"anonymous user", "administrator"},
		"threat_model":     "generated threat model",
		"capabilities": []map[string]any{
			{"party": "anonymous user", "can": []string{"submit forms"}, "cannot": []string{"run commands"}},
		},
	}), nil
}

// plannerFiles extracts the file list of a planner user message.
func plannerFiles(user string) []string {
	i := strings.Index(user, prompt.FilesHeader)
	if i < 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(user[i+len(prompt.FilesHeader):], "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		name := strings.TrimPrefix(line, "- ")
		if j := strings.Index(name, " (~"); j >= 0 {
			name = name[:j]
		}
		out = append(out, name)
	}
	return out
}

func rankInOrder(req ai.Request) (ai.Response, error) {
	files := plannerFiles(req.User)
	entries := make([]prompt.RankedEntry, len(files))
	for i, f := range files {
		entries[i] = prompt.RankedEntry{File: f, Priority: 1 - float64(i)/float64(len(files)+1), Reason: "r"}
	}
	return reply(entries), nil
}

func rankBy(priority map[string]float64) handler {
	return func(req ai.Request) (ai.Response, error) {
		var entries []prompt.RankedEntry
		for _, f := range plannerFiles(req.User) {
			entries = append(entries, prompt.RankedEntry{File: f, Priority: priority[f], Reason: "r"})
		}
		return reply(entries), nil
	}
}

var rxBatchFile = regexp.MustCompile(`(?m)^=== (.+) ===$`)

// analyzerFiles extracts the file keys of an analyzer user message.
func analyzerFiles(user string) []string {
	var out []string
	for _, m := range rxBatchFile.FindAllStringSubmatch(user, -1) {
		out = append(out, m[1])
	}
	return out
}

// findingsFor answers with the listed findings for files present in the batch.
func findingsFor(byFile map[string][]prompt.AnalyzerFinding) handler {
	return func(req ai.Request) (ai.Response, error) {
		var out prompt.Analysis
		for _, f := range analyzerFiles(req.User) {
			out.Findings = append(out.Findings, byFile[f]...)
		}
		return reply(out), nil
	}
}

type fakeRepo struct {
	head  string
	files map[string]string
}

// fakeSnapshots serves repositories from memory, keyed by URL. LocalPath is
// the URL itself.
type fakeSnapshots struct {
	mu    sync.Mutex
	repos map[string]*fakeRepo
	fail  map[string]error
	diffs map[string]domain.DiffResult // "base..head"
	gate  chan struct{}
}

func newSnapshots() *fakeSnapshots {
	return &fakeSnapshots{repos: map[string]*fakeRepo{}, fail: map[string]error{}, diffs: map[string]domain.DiffResult{}}
}

func (f *fakeSnapshots) put(url, head string, files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[url] = &fakeRepo{head: head, files: files}
}

func (f *fakeSnapshots) CloneOrUpdate(ctx context.Context, url, ref string) (domain.Checkout, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.Checkout{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return domain.Checkout{}, err
	}
	r, ok := f.repos[url]
	if !ok {
		return domain.Checkout{}, errors.New("repository not found")
	}
	return domain.Checkout{LocalPath: url, HeadCommit: r.head, Branch: "main"}, nil
}

func (f *fakeSnapshots) ScanFiles(_ context.Context, co domain.Checkout) ([]domain.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repos[co.LocalPath]
	var out []domain.FileInfo
	for p, body := range r.files {
		out = append(out, domain.FileInfo{Path: p, Size: int64(len(body)), Tokens: ai.EstimateTokens(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeSnapshots) ReadFile(co domain.Checkout, relPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.repos[co.LocalPath].files[relPath]
	if !ok {
		return nil, errors.New("no such file")
	}
	return []byte(body), nil
}

func (f *fakeSnapshots) Diff(_ context.Context, _ string, base, head string) (domain.DiffResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if base == head {
		return domain.DiffResult{}, nil
	}
	d, ok := f.diffs[base+".."+head]
	if !ok {
		return domain.DiffResult{}, errors.New("unknown commits")
	}
	return d, nil
}

func (f *fakeSnapshots) DefaultBranch(string) (string, error) { return "main", nil }

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.OwnerNotice
}

func (n *recordingNotifier) NotifyOwner(_ context.Context, notice domain.OwnerNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

type recordingArtifacts struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArtifacts) PutJSON(_ context.Context, key string, _ any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return "http://minio.test/audits/" + key, nil
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished []domain.Status
}

func (o *countingObserver) AuditStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) AuditFinished(s domain.Status) {
	o.mu.Lock()
	o.finished = append(o.finished, s)
	o.mu.Unlock()
}

// movableClock is a test clock that can be advanced.
type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var _ application.Clock = (*movableClock)(nil)

type harness struct {
	svc       *Service
	store     *memory.Store
	model     *scriptedModel
	snaps     *fakeSnapshots
	notifier  *recordingNotifier
	artifacts *recordingArtifacts
	observer  *countingObserver
	clock     *movableClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     memory.New(),
		model:     newModel(),
		snaps:     newSnapshots(),
		notifier:  &recordingNotifier{},
		artifacts: &recordingArtifacts{},
		observer:  &countingObserver{},
		clock:     &movableClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = &Service{
		Audits:    h.store.Audits(),
		Findings:  h.store.Findings(),
		Projects:  h.store.Projects(),
		Snapshots: h.snaps,
		Model:     h.model,
		Artifacts: h.artifacts,
		Notifier:  h.notifier,
		Observer:  h.observer,
		Clock:     h.clock,
		Policy:    domain.DefaultPolicy(),
		Settings: Settings{
			Model:              "test-model",
			InputPricePerMTok:  3,
			OutputPricePerMTok: 15,
		},
		Log: zerolog.Nop(),
	}
	return h
}
