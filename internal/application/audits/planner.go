package audits

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

const (
	// DefaultPlannerBatchSize keeps one ranked batch (~60 output tokens per
	// file) well under half of a 64k output ceiling.
	DefaultPlannerBatchSize = 250
	// DefaultPlannerMinBatchSize is the floor of the halving retry.
	DefaultPlannerMinBatchSize = 25
)

// Planner ranks candidate files with sequential, adaptively sized model calls.
type Planner struct {
	Model        ai.Client
	ModelName    string
	MaxTokens    int
	BatchSize    int
	MinBatchSize int

	// OnBatch is called before each top-level batch (1-based).
	OnBatch func(batch, total int)
}

// Plan is the ranked output of every batch plus the usage of every call.
type Plan struct {
	Ranked  []domain.RankedFile
	Skipped []SkippedBatch
	Usage   ai.Usage
	Batches int
}

// SkippedBatch is a slice of files the model could not rank even at the
// minimum batch size. Its files are left out of Ranked.
type SkippedBatch struct {
	Files []string
	Err   error
}

// Batches returns how many top-level batches n files need.
func (p *Planner) Batches(n int) int {
	size := p.batchSize()
	return (n + size - 1) / size
}

// Rank ranks files. Batches run one after another and share pc; results are
// concatenated in batch order. A batch whose response cannot be parsed is
// split in two and both halves are retried, first half first, until a half
// would be smaller than MinBatchSize; such a batch is recorded in Skipped
// and ranking goes on. Rank fails when no file at all could be ranked.
// Any other error is returned at once.
func (p *Planner) Rank(ctx context.Context, files []domain.FileInfo, pc prompt.PlanContext) (Plan, error) {
	size := p.batchSize()
	out := Plan{Batches: p.Batches(len(files))}
	out.Ranked = make([]domain.RankedFile, 0, len(files))

	for i := 0; i < len(files); i += size {
		end := i + size
		if end > len(files) {
			end = len(files)
		}
		if p.OnBatch != nil {
			p.OnBatch(i/size+1, out.Batches)
		}
		if err := p.rankBatch(ctx, files[i:end], pc, &out); err != nil {
			return out, err
		}
	}
	if len(out.Ranked) == 0 && len(out.Skipped) > 0 {
		return out, out.Skipped[0].Err
	}
	return out, nil
}

func (p *Planner) rankBatch(ctx context.Context, files []domain.FileInfo, pc prompt.PlanContext, out *Plan) error {
	resp, err := p.Model.Call(ctx, ai.Request{
		System:    prompt.PlannerSystem(),
		User:      prompt.PlannerUser(pc, files),
		Model:     p.ModelName,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("planner call: %w", err)
	}
	out.Usage.Add(resp)

	var entries []prompt.RankedEntry
	if resp.Truncated() {
		err = fmt.Errorf("%w: output truncated at %d tokens", ai.ErrMalformedResponse, resp.OutputTokens)
	} else {
		err = ai.ExtractJSON(resp.Content, &entries)
	}
	if err == nil {
		out.Ranked = append(out.Ranked, reconcile(files, entries)...)
		return nil
	}
	if !errors.Is(err, ai.ErrMalformedResponse) {
		return err
	}

	half := len(files) / 2
	if half < p.minBatchSize() {
		out.Skipped = append(out.Skipped, SkippedBatch{
			Files: fileKeysOf(files),
			Err: fmt.Errorf("planner: could not parse ranking for a batch of %d files from model %s (minimum batch size %d): %w",
				len(files), p.ModelName, p.minBatchSize(), err),
		})
		return nil
	}
	if err := p.rankBatch(ctx, files[:half], pc, out); err != nil {
		return err
	}
	return p.rankBatch(ctx, files[half:], pc, out)
}

func fileKeysOf(files []domain.FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Key()
	}
	return out
}

// reconcile maps model entries onto the batch: unknown and repeated files
// are dropped and files the model skipped are appended with priority 0, so
// the result has exactly one entry per batch file.
func reconcile(files []domain.FileInfo, entries []prompt.RankedEntry) []domain.RankedFile {
	byKey := make(map[string]string, len(files))
	byPath := make(map[string][]string, len(files))
	for _, f := range files {
		byKey[f.Key()] = f.Key()
		byPath[f.Path] = append(byPath[f.Path], f.Key())
	}
	resolve := func(name string) (string, bool) {
		name = path.Clean(name)
		if k, ok := byKey[name]; ok {
			return k, true
		}
		if ks := byPath[name]; len(ks) == 1 {
			return ks[0], true
		}
		return "", false
	}

	out := make([]domain.RankedFile, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, e := range entries {
		key, ok := resolve(e.File)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.RankedFile{File: key, Priority: e.Priority, Reason: e.Reason})
	}
	for _, f := range files {
		if _, ok := seen[f.Key()]; ok {
			continue
		}
		out = append(out, domain.RankedFile{File: f.Key(), Priority: 0, Reason: "not ranked by model"})
	}
	return out
}

func (p *Planner) batchSize() int {
	if p.BatchSize <= 0 {
		return DefaultPlannerBatchSize
	}
	return p.BatchSize
}

func (p *Planner) minBatchSize() int {
	if p.MinBatchSize <= 0 {
		return DefaultPlannerMinBatchSize
	}
	return p.MinBatchSize
}
