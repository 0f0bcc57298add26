package audits

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// Tracker owns the progress record of one audit run. Every write replaces the
// stored detail wholesale and carries all warnings collected so far; the
// detail phase never moves backwards.
type Tracker struct {
	repo domain.Repository
	id   domain.AuditID
	log  zerolog.Logger

	mu             sync.Mutex
	status         domain.Status
	current        domain.ProgressDetail
	warnings       []string
	filesToAnalyze int
	filesAnalyzed  int
}

func NewTracker(repo domain.Repository, id domain.AuditID, log zerolog.Logger) *Tracker {
	return &Tracker{repo: repo, id: id, log: log, status: domain.StatusPending}
}

// Warn records a warning; it is persisted with the next write.
func (t *Tracker) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.warnings = append(t.warnings, msg)
	t.mu.Unlock()
	t.log.Warn().Str("phase", string(t.phase())).Msg(msg)
}

// Warnings returns a copy of the warnings collected so far.
func (t *Tracker) Warnings() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.warnings...)
}

// Counters sets filesToAnalyze/filesAnalyzed for the next write.
func (t *Tracker) Counters(toAnalyze, analyzed int) {
	t.mu.Lock()
	t.filesToAnalyze, t.filesAnalyzed = toAnalyze, analyzed
	t.mu.Unlock()
}

// Current returns the last written detail with up-to-date warnings, or nil
// before the first write.
func (t *Tracker) Current() domain.ProgressDetail {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	return domain.WithWarnings(t.current, t.warnings)
}

// Status returns the last written status.
func (t *Tracker) Status() domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Write persists status and detail. A detail whose phase precedes the last
// written one is rejected.
func (t *Tracker) Write(ctx context.Context, status domain.Status, detail domain.ProgressDetail) error {
	t.mu.Lock()
	if t.current != nil && detail.Phase().Order() < t.current.Phase().Order() {
		prev := t.current.Phase()
		t.mu.Unlock()
		return fmt.Errorf("progress regression %s -> %s", prev, detail.Phase())
	}
	detail = domain.WithWarnings(detail, t.warnings)
	t.current = detail
	t.status = status
	toAnalyze, analyzed := t.filesToAnalyze, t.filesAnalyzed
	t.mu.Unlock()

	return t.repo.UpdateProgress(ctx, t.id, status, detail, toAnalyze, analyzed)
}

// Refresh rewrites the current detail so newly added warnings are persisted.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	cur, status := t.current, t.status
	t.mu.Unlock()
	if cur == nil {
		return nil
	}
	return t.Write(ctx, status, cur)
}

func (t *Tracker) phase() domain.ProgressPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.Phase()
}
