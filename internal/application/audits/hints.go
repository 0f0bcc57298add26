package audits

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/prompt"
)

// detector is one risky pattern the planner gets told about.
type detector struct {
	re    *regexp.Regexp
	label string
}

var detectors = []detector{
	// credentials
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), "private key material"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{20,}|github_pat_[A-Za-z0-9_]{20,}`), "GitHub token"},
	{regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`), "Slack token"},
	{regexp.MustCompile(`sk_(?:live|test)_[0-9A-Za-z]{10,}`), "Stripe secret key"},
	{regexp.MustCompile(`(?i)(api[_-]?key|client[_-]?secret|secret|token|passw(?:or)?d)\s*[:=]\s*["'][^\s"']{8,}["']`), "credential literal"},
	{regexp.MustCompile(`://[^\s/:@]+:[^\s/@]+@`), "credentials in URL"},
	// code execution and injection sinks
	{regexp.MustCompile(`\b(?:os\.system|subprocess\.(?:call|run|Popen)|child_process|exec\.Command|Runtime\.getRuntime\(\)\.exec|shell_exec|popen)\b`), "shell execution"},
	{regexp.MustCompile(`\beval\s*\(|new Function\s*\(`), "dynamic evaluation"},
	{regexp.MustCompile(`(?i)\b(?:select|insert|update|delete)\b[^;\n]{0,80}["'` + "`" + `]\s*\+|(?i)(?:query|execute|exec)\s*\(\s*f?["'].*(?:%s|\{|\$\{)`), "SQL string building"},
	{regexp.MustCompile(`\b(?:pickle\.loads?|yaml\.load\(|unserialize\(|ObjectInputStream|BinaryFormatter|Marshal\.load)`), "unsafe deserialization"},
	{regexp.MustCompile(`(?i)innerHTML\s*=|dangerouslySetInnerHTML|v-html|\|\s*safe\b|template\.HTML\(`), "unescaped HTML"},
	{regexp.MustCompile(`(?i)InsecureSkipVerify\s*:\s*true|verify\s*=\s*False|rejectUnauthorized\s*:\s*false`), "TLS verification disabled"},
	{regexp.MustCompile(`(?i)\b(?:md5|sha1)\s*\(|crypto/md5|crypto/sha1|Math\.random\(\)`), "weak crypto or randomness"},
	{regexp.MustCompile(`(?i)\b(?:delegatecall|tx\.origin|selfdestruct)\b`), "dangerous contract primitive"},
}

// GrepHit counts one detector's matches in one file.
type GrepHit struct {
	File  string
	Label string
	Count int
}

// GrepFile runs every detector over content.
func GrepFile(key string, content []byte) []GrepHit {
	var hits []GrepHit
	for _, d := range detectors {
		if n := len(d.re.FindAllIndex(content, -1)); n > 0 {
			hits = append(hits, GrepHit{File: key, Label: d.label, Count: n})
		}
	}
	return hits
}

// FormatGrepHints renders hits grouped by file, at most limit files, most
// hits first.
func FormatGrepHints(hits []GrepHit, limit int) string {
	if len(hits) == 0 {
		return ""
	}
	perFile := map[string][]GrepHit{}
	totals := map[string]int{}
	for _, h := range hits {
		perFile[h.File] = append(perFile[h.File], h)
		totals[h.File] += h.Count
	}
	files := make([]string, 0, len(perFile))
	for f := range perFile {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if totals[files[i]] != totals[files[j]] {
			return totals[files[i]] > totals[files[j]]
		}
		return files[i] < files[j]
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	var b strings.Builder
	for _, f := range files {
		parts := make([]string, 0, len(perFile[f]))
		for _, h := range perFile[f] {
			parts = append(parts, fmt.Sprintf("%s x%d", h.Label, h.Count))
		}
		fmt.Fprintf(&b, "  * %s: %s\n", f, strings.Join(parts, ", "))
	}
	return b.String()
}

// ComponentProfile summarizes one top-level directory of a repository.
type ComponentProfile struct {
	Name   string
	Files  int
	Tokens int
	Langs  map[string]int
}

// ComponentProfiles groups files by repo and first path segment.
func ComponentProfiles(files []domain.FileInfo) []ComponentProfile {
	idx := map[string]*ComponentProfile{}
	for _, f := range files {
		name := f.Repo + "/"
		if i := strings.IndexByte(f.Path, '/'); i > 0 {
			name += f.Path[:i]
		} else {
			name += "(root)"
		}
		cp, ok := idx[name]
		if !ok {
			cp = &ComponentProfile{Name: name, Langs: map[string]int{}}
			idx[name] = cp
		}
		cp.Files++
		cp.Tokens += f.Tokens
		if ext := path.Ext(f.Path); ext != "" {
			cp.Langs[ext]++
		}
	}
	out := make([]ComponentProfile, 0, len(idx))
	for _, cp := range idx {
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FormatComponentProfiles renders profiles one per line.
func FormatComponentProfiles(ps []ComponentProfile) string {
	var b strings.Builder
	for _, p := range ps {
		exts := make([]string, 0, len(p.Langs))
		for e := range p.Langs {
			exts = append(exts, e)
		}
		sort.Slice(exts, func(i, j int) bool {
			if p.Langs[exts[i]] != p.Langs[exts[j]] {
				return p.Langs[exts[i]] > p.Langs[exts[j]]
			}
			return exts[i] < exts[j]
		})
		if len(exts) > 4 {
			exts = exts[:4]
		}
		fmt.Fprintf(&b, "  * %s: %d files, ~%d tokens [%s]\n", p.Name, p.Files, p.Tokens, strings.Join(exts, " "))
	}
	return b.String()
}

var threatModelGlobs = []string{
	"**/threat_model.md",
	"**/threat-model.md",
	"**/threatmodel.md",
	"**/docs/threat-model*.md",
	"**/docs/threat_model*.md",
}

// FindThreatModel returns the first file (shortest path wins) that looks
// like a threat-model document.
func FindThreatModel(files []domain.FileInfo) (domain.FileInfo, bool) {
	var best domain.FileInfo
	found := false
	for _, f := range files {
		lower := strings.ToLower(f.Path)
		for _, g := range threatModelGlobs {
			if ok, _ := doublestar.Match(g, lower); ok {
				if !found || len(f.Path) < len(best.Path) {
					best, found = f, true
				}
				break
			}
		}
	}
	return best, found
}

// ValidateScope checks component-scope globs.
func ValidateScope(globs []string) error {
	for _, g := range globs {
		if strings.TrimSpace(g) == "" || !doublestar.ValidatePattern(g) {
			return fmt.Errorf("%w: invalid component scope pattern %q", domain.ErrInvalidRequest, g)
		}
	}
	return nil
}

// FilterScope keeps files whose repo-qualified or repo-relative path matches
// any glob. An empty scope keeps everything.
func FilterScope(files []domain.FileInfo, globs []string) []domain.FileInfo {
	if len(globs) == 0 {
		return files
	}
	out := make([]domain.FileInfo, 0, len(files))
	for _, f := range files {
		for _, g := range globs {
			if ok, _ := doublestar.Match(g, f.Key()); ok {
				out = append(out, f)
				break
			}
			if ok, _ := doublestar.Match(g, f.Path); ok {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

var manifestNames = map[string]bool{
	"readme.md": true, "go.mod": true, "package.json": true, "cargo.toml": true,
	"pyproject.toml": true, "requirements.txt": true, "pom.xml": true, "build.gradle": true,
	"gemfile": true, "composer.json": true, "dockerfile": true, "foundry.toml": true,
}

// SampleFiles picks classifier samples: manifests and readmes first, then
// the largest remaining files, at most n in total.
func SampleFiles(files []domain.FileInfo, n int) []domain.FileInfo {
	var manifests, rest []domain.FileInfo
	for _, f := range files {
		if manifestNames[strings.ToLower(path.Base(f.Path))] && !strings.Contains(f.Path, "/") {
			manifests = append(manifests, f)
		} else {
			rest = append(rest, f)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Tokens > rest[j].Tokens })
	out := append(manifests, rest...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// truncateSample clips content to at most max bytes for classifier samples,
// never inside a UTF-8 sequence.
func truncateSample(f domain.FileInfo, content []byte, max int) prompt.FileSample {
	s := string(content)
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n[truncated]"
	}
	return prompt.FileSample{Path: f.Key(), Content: s}
}
