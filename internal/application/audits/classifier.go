package audits

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/bryanwahyu/automaton-audit/internal/application"
	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

// Classifier computes a project's classification once and caches it on the
// project row. Concurrent audits of the same project share one computation.
type Classifier struct {
	Model     ai.Client
	ModelName string
	MaxTokens int
	Projects  domain.ProjectRepository
	Clock     application.Clock

	group singleflight.Group
}

// ClassifyInput is what the classifier is shown when no cached value exists.
type ClassifyInput struct {
	Samples []prompt.FileSample
	// RepoThreatModel is the text of a threat-model file found in the
	// repository, or empty.
	RepoThreatModel string
}

// Classify returns the cached classification of p, or computes and stores
// it. Usage is non-zero only for the caller whose call hit the model.
func (c *Classifier) Classify(ctx context.Context, p *domain.Project, in ClassifyInput) (domain.Classification, ai.Usage, error) {
	if p.Classification != nil {
		return *p.Classification, ai.Usage{}, nil
	}

	var usage ai.Usage
	v, err, _ := c.group.Do(string(p.ID), func() (any, error) {
		// another run may have stored it since p was loaded
		if fresh, err := c.Projects.Get(ctx, p.ID); err == nil && fresh.Classification != nil {
			return *fresh.Classification, nil
		}

		resp, err := c.Model.Call(ctx, ai.Request{
			System:    prompt.ClassifierSystem(),
			User:      prompt.ClassifierUser(p, in.Samples, in.RepoThreatModel),
			Model:     c.ModelName,
			MaxTokens: c.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("classifier call: %w", err)
		}
		usage.Add(resp)

		var out prompt.Classification
		if err := ai.ExtractJSON(resp.Content, &out); err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		cls := out.ToDomain()
		cls.ThreatModelSource = domain.ThreatModelGenerated
		if in.RepoThreatModel != "" {
			cls.ThreatModel = in.RepoThreatModel
			cls.ThreatModelSource = domain.ThreatModelFromRepo
		}
		cls.ComputedAt = c.Clock.Now().UTC()

		if err := c.Projects.SaveClassification(ctx, p.ID, cls); err != nil {
			return nil, fmt.Errorf("save classification: %w", err)
		}
		return cls, nil
	})
	if err != nil {
		return domain.Classification{}, usage, err
	}
	cls := v.(domain.Classification)
	p.Classification = &cls
	return cls, usage, nil
}
