package audits

import (
	"fmt"
	"time"
)

// Tier is how much of a report a viewer may see
type Tier string

const (
	TierOwner     Tier = "owner"
	TierRequester Tier = "requester"
	TierPublic    Tier = "public"
)

// Viewer is the identity reading an audit. A nil *Viewer is anonymous.
type Viewer struct {
	UserID string
	// VerifiedOwner is true when the viewer proved ownership of the
	// project's GitHub org or repository.
	VerifiedOwner bool
}

// EmbargoLifted reports whether the disclosure embargo has passed: the owner
// was notified, publishableAfter is set and now is at or after it.
func EmbargoLifted(a *Audit, now time.Time) bool {
	return a.OwnerNotified && a.PublishableAfter != nil && !now.Before(*a.PublishableAfter)
}

// ResolveTier computes the access tier of viewer for audit a at time now.
// It has no side effects; the embargo is evaluated lazily at read time.
func ResolveTier(a *Audit, viewer *Viewer, now time.Time) Tier {
	if a.IsPublic || EmbargoLifted(a, now) {
		return TierOwner
	}
	if viewer == nil {
		return TierPublic
	}
	if viewer.VerifiedOwner {
		return TierOwner
	}
	if viewer.UserID != "" && viewer.UserID == a.RequesterID {
		return TierRequester
	}
	return TierPublic
}

// Privileged reports whether viewer may see error detail and progress
// internals of a: the requester or a verified owner.
func Privileged(a *Audit, viewer *Viewer) bool {
	if viewer == nil {
		return false
	}
	return viewer.VerifiedOwner || (viewer.UserID != "" && viewer.UserID == a.RequesterID)
}

// Policy holds the disclosure rules.
type Policy struct {
	// RedactFrom is the lowest severity hidden from the requester tier.
	RedactFrom Severity
	// CriticalEmbargoMonths applies when maxSeverity is critical.
	CriticalEmbargoMonths int
	// HighEmbargoMonths applies when maxSeverity is high or medium.
	HighEmbargoMonths int
}

// DefaultPolicy redacts medium and above for requesters and embargoes
// critical audits for 6 months, high/medium for 3.
func DefaultPolicy() Policy {
	return Policy{
		RedactFrom:            SeverityMedium,
		CriticalEmbargoMonths: 6,
		HighEmbargoMonths:     3,
	}
}

// PublishableAfter returns when an audit with the given maxSeverity becomes
// readable by everyone, counted from the owner notification. Low,
// informational and empty audits are eligible immediately.
func (p Policy) PublishableAfter(max Severity, notifiedAt time.Time) time.Time {
	switch max {
	case SeverityCritical:
		return notifiedAt.AddDate(0, p.CriticalEmbargoMonths, 0)
	case SeverityHigh, SeverityMedium:
		return notifiedAt.AddDate(0, p.HighEmbargoMonths, 0)
	default:
		return notifiedAt
	}
}

// Redacts reports whether a finding of severity s is hidden from requesters.
func (p Policy) Redacts(s Severity) bool {
	return s.AtLeast(p.redactFrom())
}

func (p Policy) redactFrom() Severity {
	if p.RedactFrom == SeverityNone {
		return SeverityMedium
	}
	return p.RedactFrom
}

// RedactFinding strips everything but identity, severity and status.
func RedactFinding(f Finding) Finding {
	return Finding{
		ID:        f.ID,
		AuditID:   f.AuditID,
		Severity:  f.Severity,
		Status:    f.Status,
		Redacted:  true,
		CreatedAt: f.CreatedAt,
	}
}

// Report is the tier-resolved view of an audit's findings.
type Report struct {
	AuditID          AuditID        `json:"audit_id"`
	ProjectID        ProjectID      `json:"project_id"`
	Status           Status         `json:"status"`
	AccessTier       Tier           `json:"access_tier"`
	MaxSeverity      Severity       `json:"max_severity,omitempty"`
	SeverityCounts   SeverityCounts `json:"severity_counts"`
	Findings         []Finding      `json:"findings"`
	RedactionNotice  string         `json:"redaction_notice,omitempty"`
	ReportSummary    string         `json:"report_summary,omitempty"`
	SecurityPosture  string         `json:"security_posture,omitempty"`
	PublishableAfter *time.Time     `json:"publishable_after,omitempty"`
}

// BuildReport applies tier to findings.
func (p Policy) BuildReport(a *Audit, findings []Finding, tier Tier) Report {
	r := Report{
		AuditID:          a.ID,
		ProjectID:        a.ProjectID,
		Status:           a.Status,
		AccessTier:       tier,
		MaxSeverity:      a.MaxSeverity,
		SeverityCounts:   CountSeverities(findings),
		Findings:         []Finding{},
		PublishableAfter: a.PublishableAfter,
	}
	switch tier {
	case TierOwner:
		r.Findings = append(r.Findings, findings...)
		r.ReportSummary = a.ReportSummary
		r.SecurityPosture = a.SecurityPosture
	case TierRequester:
		redacted := 0
		for _, f := range findings {
			if p.Redacts(f.Severity) {
				r.Findings = append(r.Findings, RedactFinding(f))
				redacted++
				continue
			}
			r.Findings = append(r.Findings, f)
		}
		if redacted > 0 {
			r.RedactionNotice = fmt.Sprintf(
				"%d finding(s) rated %s or above are redacted to severity and status until the project owner has been notified and the disclosure window has passed.",
				redacted, p.redactFrom())
		}
	default:
		r.RedactionNotice = "Individual findings are withheld until the disclosure window has passed. Only severity counts are shown."
	}
	return r
}
