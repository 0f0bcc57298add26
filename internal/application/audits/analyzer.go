package audits

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

// DefaultAnalyzerBatchTokens bounds the file content of one analyzer call.
const DefaultAnalyzerBatchTokens = 40000

// Analyzer runs the vulnerability analysis over the selected files in
// sequential batches bounded by BatchTokens.
type Analyzer struct {
	Model       ai.Client
	ModelName   string
	MaxTokens   int
	BatchTokens int
	Snapshots   domain.SnapshotService
}

// AnalysisInput describes one analysis run.
type AnalysisInput struct {
	Files          []domain.FileInfo
	Checkouts      map[string]domain.Checkout // by repo name
	Classification *domain.Classification
	ThreatModel    string
}

// BatchResult is reported after each batch.
type BatchResult struct {
	Batch    int
	Total    int
	Findings []domain.Finding
	Files    []domain.FileProgress // progress of every selected file so far
	Analyzed int
	Err      error
}

// Analysis is the outcome of the whole run.
type Analysis struct {
	Findings []domain.Finding
	Files    []domain.FileProgress
	Analyzed int
	Failed   int
	Usage    ai.Usage
}

// Analyze processes every batch; a failed batch marks its files as errored
// and the run continues. onBatch sees the findings of each batch as soon as
// they are parsed.
func (a *Analyzer) Analyze(ctx context.Context, in AnalysisInput, onBatch func(BatchResult)) Analysis {
	progress := make([]domain.FileProgress, len(in.Files))
	pos := make(map[string]int, len(in.Files))
	for i, f := range in.Files {
		progress[i] = domain.FileProgress{File: f.Key(), Status: domain.FilePending}
		pos[f.Key()] = i
	}

	out := Analysis{}
	batches := a.batches(in.Files)
	for bi, batch := range batches {
		res := BatchResult{Batch: bi + 1, Total: len(batches)}

		findings, usage, err := a.analyzeBatch(ctx, in, batch)
		out.Usage.Merge(usage)
		if err != nil {
			res.Err = err
			for _, f := range batch {
				progress[pos[f.Key()]].Status = domain.FileError
				out.Failed++
			}
		} else {
			findings = domain.DedupeByFingerprint(findings)
			for _, f := range batch {
				progress[pos[f.Key()]].Status = domain.FileAnalyzed
				out.Analyzed++
			}
			for _, fd := range findings {
				if i, ok := pos[domain.FileKey(fd.RepoName, fd.FilePath)]; ok {
					progress[i].FindingsCount++
				}
			}
			out.Findings = append(out.Findings, findings...)
			res.Findings = findings
		}

		res.Files = append([]domain.FileProgress{}, progress...)
		res.Analyzed = out.Analyzed
		if onBatch != nil {
			onBatch(res)
		}
	}
	out.Findings = domain.DedupeByFingerprint(out.Findings)
	out.Files = progress
	return out
}

func (a *Analyzer) analyzeBatch(ctx context.Context, in AnalysisInput, batch []domain.FileInfo) ([]domain.Finding, ai.Usage, error) {
	var usage ai.Usage
	contents := make([]prompt.FileContent, 0, len(batch))
	for _, f := range batch {
		co, ok := in.Checkouts[f.Repo]
		if !ok {
			return nil, usage, fmt.Errorf("no checkout for repository %s", f.Repo)
		}
		body, err := a.Snapshots.ReadFile(co, f.Path)
		if err != nil {
			return nil, usage, fmt.Errorf("read %s: %w", f.Key(), err)
		}
		contents = append(contents, prompt.FileContent{Key: f.Key(), Content: string(body)})
	}

	resp, err := a.Model.Call(ctx, ai.Request{
		System:    prompt.AnalyzerSystem(in.Classification, in.ThreatModel),
		User:      prompt.AnalyzerUser(contents),
		Model:     a.ModelName,
		MaxTokens: a.MaxTokens,
	})
	if err != nil {
		return nil, usage, fmt.Errorf("analyzer call: %w", err)
	}
	usage.Add(resp)
	if resp.Truncated() {
		return nil, usage, fmt.Errorf("%w: analyzer output truncated", ai.ErrMalformedResponse)
	}

	var parsed prompt.Analysis
	if err := ai.ExtractJSON(resp.Content, &parsed); err != nil {
		return nil, usage, err
	}
	return toFindings(batch, parsed.Findings), usage, nil
}

// toFindings maps response entries onto batch files. Entries naming a file
// outside the batch are attributed to the only file of a single-file batch
// and dropped otherwise.
func toFindings(batch []domain.FileInfo, entries []prompt.AnalyzerFinding) []domain.Finding {
	byKey := make(map[string]domain.FileInfo, len(batch))
	byPath := make(map[string][]domain.FileInfo, len(batch))
	for _, f := range batch {
		byKey[f.Key()] = f
		byPath[f.Path] = append(byPath[f.Path], f)
	}

	out := make([]domain.Finding, 0, len(entries))
	for _, e := range entries {
		name := path.Clean(strings.TrimSpace(e.File))
		file, ok := byKey[name]
		if !ok {
			if fs := byPath[name]; len(fs) == 1 {
				file, ok = fs[0], true
			} else if len(batch) == 1 {
				file, ok = batch[0], true
			}
		}
		if !ok {
			continue
		}
		sev := domain.ParseSeverity(e.Severity)
		if sev == domain.SeverityNone {
			sev = domain.SeverityInformational
		}
		f := domain.Finding{
			RepoName:       file.Repo,
			FilePath:       file.Path,
			LineStart:      e.LineStart,
			LineEnd:        e.LineEnd,
			Severity:       sev,
			CWE:            strings.ToUpper(strings.TrimSpace(e.CWE)),
			CVSS:           clampCVSS(e.CVSS),
			Title:          strings.TrimSpace(e.Title),
			Description:    e.Description,
			Exploitation:   e.Exploitation,
			Recommendation: e.Recommendation,
			CodeSnippet:    e.CodeSnippet,
			Status:         domain.FindingOpen,
		}
		if f.LineEnd < f.LineStart {
			f.LineEnd = f.LineStart
		}
		f.Fingerprint = domain.Fingerprint(f)
		out = append(out, f)
	}
	return out
}

func clampCVSS(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 10:
		return 10
	default:
		return v
	}
}

// batches packs files greedily in order; a file larger than the budget gets
// a batch of its own.
func (a *Analyzer) batches(files []domain.FileInfo) [][]domain.FileInfo {
	budget := a.BatchTokens
	if budget <= 0 {
		budget = DefaultAnalyzerBatchTokens
	}
	var out [][]domain.FileInfo
	var cur []domain.FileInfo
	used := 0
	for _, f := range files {
		if len(cur) > 0 && used+f.Tokens > budget {
			out = append(out, cur)
			cur, used = nil, 0
		}
		cur = append(cur, f)
		used += f.Tokens
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
