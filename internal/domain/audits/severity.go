package audits

import "strings"

// Severity is the 5-level ordinal attached to findings
type Severity string

const (
	SeverityNone          Severity = ""
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

// Rank orders severities: none=0, informational=1 ... critical=5.
func (s Severity) Rank() int {
	switch s {
	case SeverityInformational:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity maps model/user spellings onto the canonical levels.
// Unknown values become informational.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "crit":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low", "note":
		return SeverityLow
	case "":
		return SeverityNone
	default:
		return SeverityInformational
	}
}

// SeverityCounts value object
type SeverityCounts struct {
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational"`
	Total         int `json:"total"`
}

// Add counts one finding of the given severity.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Informational++
	}
	c.Total++
}

// CountSeverities tallies findings whose status still counts.
func CountSeverities(findings []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range findings {
		if !f.Status.Counted() {
			continue
		}
		c.Add(f.Severity)
	}
	return c
}

// MaxSeverity returns the highest severity among counted findings, or
// SeverityNone when there are none.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityNone
	for _, f := range findings {
		if !f.Status.Counted() {
			continue
		}
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}
