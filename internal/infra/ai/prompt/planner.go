package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// FilesHeader starts the file list section of a planner user message. The
// list is always the last section, one "- <file> (~N tokens)" line per file.
const FilesHeader = "## Files to rank"

// PlanContext is shared by every planner batch of one audit.
type PlanContext struct {
	Classification    *audits.Classification
	ThreatModel       string
	GrepHints         string
	ComponentProfiles string
}

// PlannerSystem provides directions and schema for ranking files.
func PlannerSystem() string {
	return `You are a senior security auditor planning a source code review. You receive a list of files and must rank every one of them by how likely a careful review of that file is to uncover an exploitable vulnerability. You must produce one valid JSON array only (no commentary).

Requirements:
- Return exactly one entry per listed file, using the file name exactly as listed.
- priority is a number between 0 and 1; 1 means review first.
- reason is one short sentence.
- Prefer entry points, authentication and authorization code, input parsing, cryptography, deserialization, shell and SQL construction, and files named in the grep hints.
- Tests, fixtures, generated code and documentation rank low.

Schema (example):
[
  {"file": "<repo>/<path>", "priority": 0.9, "reason": "<string>"}
]`
}

// PlannerUser builds the user message for one batch. Only the file list
// differs between batches.
func PlannerUser(pc PlanContext, files []audits.FileInfo) string {
	var b strings.Builder
	b.WriteString("## Project\n")
	b.WriteString(describeClassification(pc.Classification))
	if pc.ThreatModel != "" {
		b.WriteString("\n## Threat model\n")
		b.WriteString(pc.ThreatModel)
		b.WriteString("\n")
	}
	if pc.ComponentProfiles != "" {
		b.WriteString("\n## Components\n")
		b.WriteString(pc.ComponentProfiles)
	}
	if pc.GrepHints != "" {
		b.WriteString("\n## Grep hints\n")
		b.WriteString(pc.GrepHints)
	}
	fmt.Fprintf(&b, "\n%s\n", FilesHeader)
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (~%d tokens)\n", f.Key(), f.Tokens)
	}
	return b.String()
}

// RankedEntry is one element of the planner response array.
type RankedEntry struct {
	File     string  `json:"file"`
	Priority float64 `json:"priority"`
	Reason   string  `json:"reason"`
}
