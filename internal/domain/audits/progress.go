package audits

import (
	"encoding/json"
	"fmt"
)

// ProgressPhase is the discriminator of ProgressDetail
type ProgressPhase string

const (
	PhaseCloning   ProgressPhase = "cloning"
	PhasePlanning  ProgressPhase = "planning"
	PhaseAnalyzing ProgressPhase = "analyzing"
	PhaseDone      ProgressPhase = "done"
)

// Order is the position of the phase in the cloning→planning→analyzing→done
// progression, or -1 for unknown phases.
func (p ProgressPhase) Order() int {
	switch p {
	case PhaseCloning:
		return 0
	case PhasePlanning:
		return 1
	case PhaseAnalyzing:
		return 2
	case PhaseDone:
		return 3
	default:
		return -1
	}
}

// ProgressDetail is the live progress record of an audit. It is a closed
// set: CloningProgress, PlanningProgress, AnalyzingProgress, DoneProgress.
type ProgressDetail interface {
	Phase() ProgressPhase
	isProgressDetail()
}

// FileStatus enum
type FileStatus string

const (
	FilePending  FileStatus = "pending"
	FileAnalyzed FileStatus = "analyzed"
	FileError    FileStatus = "error"
)

// FileProgress is the per-file line of analyzing/done progress.
type FileProgress struct {
	File          string     `json:"file"`
	Status        FileStatus `json:"status"`
	FindingsCount int        `json:"findingsCount"`
}

type CloningProgress struct {
	Current  int      `json:"current"`
	Total    int      `json:"total"`
	RepoName string   `json:"repoName"`
	Warnings []string `json:"warnings"`
}

type PlanningProgress struct {
	Batch        int      `json:"batch"`
	TotalBatches int      `json:"totalBatches"`
	Warnings     []string `json:"warnings"`
}

type AnalyzingProgress struct {
	Files    []FileProgress `json:"files"`
	Warnings []string       `json:"warnings"`
}

type DoneProgress struct {
	Files    []FileProgress `json:"files"`
	Warnings []string       `json:"warnings"`
}

func (CloningProgress) Phase() ProgressPhase   { return PhaseCloning }
func (PlanningProgress) Phase() ProgressPhase  { return PhasePlanning }
func (AnalyzingProgress) Phase() ProgressPhase { return PhaseAnalyzing }
func (DoneProgress) Phase() ProgressPhase      { return PhaseDone }

func (CloningProgress) isProgressDetail()   {}
func (PlanningProgress) isProgressDetail()  {}
func (AnalyzingProgress) isProgressDetail() {}
func (DoneProgress) isProgressDetail()      {}

// ProgressWarnings returns the warnings carried by p.
func ProgressWarnings(p ProgressDetail) []string {
	switch v := p.(type) {
	case CloningProgress:
		return v.Warnings
	case PlanningProgress:
		return v.Warnings
	case AnalyzingProgress:
		return v.Warnings
	case DoneProgress:
		return v.Warnings
	default:
		return nil
	}
}

// WithWarnings returns a copy of p carrying warnings.
func WithWarnings(p ProgressDetail, warnings []string) ProgressDetail {
	w := append([]string{}, warnings...)
	switch v := p.(type) {
	case CloningProgress:
		v.Warnings = w
		return v
	case PlanningProgress:
		v.Warnings = w
		return v
	case AnalyzingProgress:
		v.Warnings = w
		return v
	case DoneProgress:
		v.Warnings = w
		return v
	default:
		return p
	}
}

// EncodeProgress serializes p as a tagged JSON object. A nil detail encodes
// to nil.
func EncodeProgress(p ProgressDetail) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	p = WithWarnings(p, ProgressWarnings(p))
	switch v := p.(type) {
	case CloningProgress:
		return json.Marshal(struct {
			Type ProgressPhase `json:"type"`
			CloningProgress
		}{v.Phase(), v})
	case PlanningProgress:
		return json.Marshal(struct {
			Type ProgressPhase `json:"type"`
			PlanningProgress
		}{v.Phase(), v})
	case AnalyzingProgress:
		if v.Files == nil {
			v.Files = []FileProgress{}
		}
		return json.Marshal(struct {
			Type ProgressPhase `json:"type"`
			AnalyzingProgress
		}{v.Phase(), v})
	case DoneProgress:
		if v.Files == nil {
			v.Files = []FileProgress{}
		}
		return json.Marshal(struct {
			Type ProgressPhase `json:"type"`
			DoneProgress
		}{v.Phase(), v})
	default:
		return nil, fmt.Errorf("unknown progress detail %T", p)
	}
}

// DecodeProgress parses a tagged JSON object written by EncodeProgress.
// Empty input yields (nil, nil); unknown tags and malformed payloads are errors
// so readers can fall back to "no detail available".
func DecodeProgress(raw []byte) (ProgressDetail, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var head struct {
		Type ProgressPhase `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	switch head.Type {
	case PhaseCloning:
		return decodeAs[CloningProgress](raw)
	case PhasePlanning:
		return decodeAs[PlanningProgress](raw)
	case PhaseAnalyzing:
		return decodeAs[AnalyzingProgress](raw)
	case PhaseDone:
		return decodeAs[DoneProgress](raw)
	default:
		return nil, fmt.Errorf("decode progress: unknown type %q", head.Type)
	}
}

func decodeAs[T ProgressDetail](raw []byte) (ProgressDetail, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", v.Phase(), err)
	}
	return v, nil
}
