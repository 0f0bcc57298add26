package audits

import (
	"context"
	"fmt"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

// Synthesizer writes the executive summary of a finished analysis.
type Synthesizer struct {
	Model     ai.Client
	ModelName string
	MaxTokens int
}

// SynthesisInput is the aggregated state the summary is written from.
type SynthesisInput struct {
	Project        *domain.Project
	Classification *domain.Classification
	Depth          domain.Depth
	FilesAnalyzed  int
	Findings       []domain.Finding
}

func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesisInput) (prompt.Synthesis, ai.Usage, error) {
	var usage ai.Usage
	resp, err := s.Model.Call(ctx, ai.Request{
		System:    prompt.SynthesizerSystem(),
		User:      prompt.SynthesizerUser(in.Project, in.Classification, in.Depth, in.FilesAnalyzed, in.Findings),
		Model:     s.ModelName,
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return prompt.Synthesis{}, usage, fmt.Errorf("synthesizer call: %w", err)
	}
	usage.Add(resp)

	var out prompt.Synthesis
	if err := ai.ExtractJSON(resp.Content, &out); err != nil {
		return prompt.Synthesis{}, usage, fmt.Errorf("synthesizer: %w", err)
	}
	if out.Summary == "" {
		return out, usage, fmt.Errorf("synthesizer: %w: empty summary", ai.ErrMalformedResponse)
	}
	return out, usage, nil
}
