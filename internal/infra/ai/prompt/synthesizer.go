package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// SynthesizerSystem provides directions and schema for the executive summary.
func SynthesizerSystem() string {
	return `You are the lead of a security audit writing the executive summary for the project's maintainers. You must produce one valid JSON object only (no commentary).

Requirements:
- summary is 2 to 4 paragraphs: what was reviewed, the most important issues, and what to fix first.
- security_posture is one paragraph judging the overall state of the code base.
- Refer to findings by title; do not invent findings that are not listed.

Schema (example with empty values):
{"summary": "<string>", "security_posture": "<string>"}`
}

// SynthesizerUser lists the audit's findings, most severe first.
func SynthesizerUser(p *audits.Project, cls *audits.Classification, depth audits.Depth, filesAnalyzed int, findings []audits.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nDepth: %s\nFiles analyzed: %d\n\n", p.Name, depth, filesAnalyzed)
	b.WriteString(describeClassification(cls))

	c := audits.CountSeverities(findings)
	fmt.Fprintf(&b, "\nSeverity counts: critical=%d high=%d medium=%d low=%d informational=%d\n",
		c.Critical, c.High, c.Medium, c.Low, c.Informational)

	b.WriteString("\nFindings:\n")
	for _, f := range findings {
		if !f.Status.Counted() {
			continue
		}
		fmt.Fprintf(&b, "  * [%s] %s (%s:%d)", f.Severity, f.Title, audits.FileKey(f.RepoName, f.FilePath), f.LineStart)
		if f.CWE != "" {
			fmt.Fprintf(&b, " %s", f.CWE)
		}
		b.WriteString("\n")
	}
	if c.Total == 0 {
		b.WriteString("  (none)\n")
	}
	return b.String()
}

// Synthesis is the synthesizer response schema.
type Synthesis struct {
	Summary         string `json:"summary"`
	SecurityPosture string `json:"security_posture"`
}
