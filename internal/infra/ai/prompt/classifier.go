package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// FileSample is a truncated file body shown to the classifier.
type FileSample struct {
	Path    string
	Content string
}

// ClassifierSystem provides strict directions and schema for the project
// classification call.
func ClassifierSystem() string {
	return `You are a senior application security architect. You receive samples of a software project's files and must classify the project and describe its threat model. You must produce one valid JSON object only (no commentary).

Requirements:
- category is a short lowercase label such as "web-application", "library", "cli", "smart-contract", "infrastructure", "mobile-app", "service".
- involved_parties lists the roles that interact with the system (for example "anonymous user", "authenticated user", "administrator", "operator").
- capabilities has one entry per involved party stating what that party can and cannot do.
- threat_model is free text: assets, trust boundaries, and the most relevant attacker goals.

Schema (example with empty values):
{
  "category": "<string>",
  "description": "<string>",
  "involved_parties": ["<string>"],
  "threat_model": "<string>",
  "capabilities": [
    {"party": "<string>", "can": ["<string>"], "cannot": ["<string>"]}
  ]
}`
}

// ClassifierUser builds the user message around project metadata and
// file samples. When the repository ships a threat model it is included so
// the model can align parties and capabilities with it.
func ClassifierUser(p *audits.Project, samples []FileSample, repoThreatModel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", p.Name)
	if p.GitHubOrg != "" {
		fmt.Fprintf(&b, "GitHub organization: %s\n", p.GitHubOrg)
	}
	b.WriteString("Repositories:\n")
	for _, r := range p.Repos {
		fmt.Fprintf(&b, "  * %s (%s)\n", r.Name, r.URL)
	}
	if repoThreatModel != "" {
		b.WriteString("\nThe repository contains this threat model document:\n")
		b.WriteString(repoThreatModel)
		b.WriteString("\n")
	}
	b.WriteString("\nFile samples:\n")
	for _, s := range samples {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", s.Path, s.Content)
	}
	b.WriteString("\nRespond with the JSON object per schema.")
	return b.String()
}

// Classification is the classifier response schema.
type Classification struct {
	Category        string   `json:"category"`
	Description     string   `json:"description"`
	InvolvedParties []string `json:"involved_parties"`
	ThreatModel     string   `json:"threat_model"`
	Capabilities    []struct {
		Party  string   `json:"party"`
		Can    []string `json:"can"`
		Cannot []string `json:"cannot"`
	} `json:"capabilities"`
}

// ToDomain converts the response, leaving provenance and timestamp to the caller.
func (c Classification) ToDomain() audits.Classification {
	out := audits.Classification{
		Category:        strings.TrimSpace(c.Category),
		Description:     strings.TrimSpace(c.Description),
		InvolvedParties: c.InvolvedParties,
		ThreatModel:     strings.TrimSpace(c.ThreatModel),
	}
	for _, pc := range c.Capabilities {
		out.Capabilities = append(out.Capabilities, audits.PartyCapability{Party: pc.Party, Can: pc.Can, Cannot: pc.Cannot})
	}
	return out
}

// describeClassification renders a cached classification for later stages.
func describeClassification(c *audits.Classification) string {
	if c == nil {
		return "(project not classified)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", c.Category)
	if c.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", c.Description)
	}
	if len(c.InvolvedParties) > 0 {
		fmt.Fprintf(&b, "Involved parties: %s\n", strings.Join(c.InvolvedParties, ", "))
	}
	for _, pc := range c.Capabilities {
		fmt.Fprintf(&b, "  * %s can: %s; cannot: %s\n", pc.Party, strings.Join(pc.Can, ", "), strings.Join(pc.Cannot, ", "))
	}
	return b.String()
}
