package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// FileContent is one file body sent for analysis.
type FileContent struct {
	Key     string
	Content string
}

// AnalyzerSystem provides strict directions and schema for the per-batch
// vulnerability analysis.
func AnalyzerSystem(cls *audits.Classification, threatModel string) string {
	var b strings.Builder
	b.WriteString(`You are a senior application security analyst reviewing source code. Report only vulnerabilities that an attacker described by the threat model could realistically exploit. You must produce one valid JSON object only (no commentary).

Requirements:
- Use lowercase severity values: critical, high, medium, low, informational.
- file must be one of the file names given in the message, exactly as given.
- cwe is the CWE identifier such as "CWE-89" when one applies, otherwise empty.
- cvss is a CVSS 3.1 base score between 0 and 10.
- code_snippet quotes at most 10 lines of the vulnerable code.
- Do not report style issues, missing tests or theoretical issues without an attacker path.
- An empty findings array is a valid answer.

Schema (example with empty values):
{
  "findings": [
    {
      "file": "<repo>/<path>",
      "line_start": 0,
      "line_end": 0,
      "severity": "<critical|high|medium|low|informational>",
      "cwe": "<string>",
      "cvss": 0,
      "title": "<string>",
      "description": "<string>",
      "exploitation": "<string>",
      "recommendation": "<string>",
      "code_snippet": "<string>"
    }
  ]
}
`)
	b.WriteString("\n## Project\n")
	b.WriteString(describeClassification(cls))
	if threatModel != "" {
		b.WriteString("\n## Threat model\n")
		b.WriteString(threatModel)
		b.WriteString("\n")
	}
	return b.String()
}

// AnalyzerUser lists the file bodies of one batch with line numbers.
func AnalyzerUser(files []FileContent) string {
	var b strings.Builder
	b.WriteString("Review these files and respond with the JSON object per schema.\n")
	for _, f := range files {
		fmt.Fprintf(&b, "\n=== %s ===\n", f.Key)
		for i, line := range strings.Split(f.Content, "\n") {
			fmt.Fprintf(&b, "%5d| %s\n", i+1, line)
		}
	}
	return b.String()
}

// AnalyzerFinding is one finding in the analyzer response.
type AnalyzerFinding struct {
	File           string  `json:"file"`
	LineStart      int     `json:"line_start"`
	LineEnd        int     `json:"line_end"`
	Severity       string  `json:"severity"`
	CWE            string  `json:"cwe"`
	CVSS           float64 `json:"cvss"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Exploitation   string  `json:"exploitation"`
	Recommendation string  `json:"recommendation"`
	CodeSnippet    string  `json:"code_snippet"`
}

// Analysis is the analyzer response schema.
type Analysis struct {
	Findings []AnalyzerFinding `json:"findings"`
}
