package audits

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	rxNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
	rxCWE      = regexp.MustCompile(`(?i)^(?:cwe)?[\s:_-]*(\d+)$`)
)

// Fingerprint returns the stable identity of a finding: a hash over the
// repo-qualified file path, the CWE id (or the normalized title when no CWE
// is present) and the severity. Two findings with the same fingerprint are
// the same underlying issue even when the model phrased them differently.
func Fingerprint(f Finding) string {
	issue := normalizeCWE(f.CWE)
	if issue == "" {
		issue = "title:" + normalizeTitle(f.Title)
	}
	path := strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(f.FilePath), "\\", "/"), "./")

	h := sha256.New()
	h.Write([]byte(strings.ToLower(f.RepoName)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(issue))
	h.Write([]byte{0})
	h.Write([]byte(f.Severity))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func normalizeCWE(raw string) string {
	m := rxCWE.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return ""
	}
	return "cwe-" + strings.TrimLeft(m[1], "0")
}

func normalizeTitle(title string) string {
	return strings.TrimSpace(rxNonAlnum.ReplaceAllString(strings.ToLower(title), " "))
}

// DedupeByFingerprint keeps the first finding for every fingerprint,
// preserving order.
func DedupeByFingerprint(findings []Finding) []Finding {
	seen := make(map[string]struct{}, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.Fingerprint]; ok {
			continue
		}
		seen[f.Fingerprint] = struct{}{}
		out = append(out, f)
	}
	return out
}
