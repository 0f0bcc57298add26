package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// Metrics counts requests and audit lifecycle events. It satisfies the
// audit service's Observer.
type Metrics struct {
	RequestsTotal      atomic.Uint64
	RequestsInProgress atomic.Int64
	RequestsSuccess    atomic.Uint64
	RequestsFailed     atomic.Uint64

	AuditsStarted      atomic.Uint64
	AuditsRunning      atomic.Int64
	AuditsCompleted    atomic.Uint64
	AuditsWithWarnings atomic.Uint64
	AuditsFailed       atomic.Uint64
	AuditsDeleted      atomic.Uint64

	StartTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

func (m *Metrics) AuditStarted() {
	m.AuditsStarted.Add(1)
	m.AuditsRunning.Add(1)
}

// AuditFinished gets an empty status when the audit was deleted mid-run.
func (m *Metrics) AuditFinished(status domain.Status) {
	m.AuditsRunning.Add(-1)
	switch status {
	case domain.StatusCompleted:
		m.AuditsCompleted.Add(1)
	case domain.StatusCompletedWithWarnings:
		m.AuditsWithWarnings.Add(1)
	case domain.StatusFailed:
		m.AuditsFailed.Add(1)
	case "":
		m.AuditsDeleted.Add(1)
	}
}

// Snapshot returns the current counters
func (m *Metrics) Snapshot() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]any{
		"requests_total":         m.RequestsTotal.Load(),
		"requests_in_progress":   m.RequestsInProgress.Load(),
		"requests_success":       m.RequestsSuccess.Load(),
		"requests_failed":        m.RequestsFailed.Load(),
		"audits_started":         m.AuditsStarted.Load(),
		"audits_running":         m.AuditsRunning.Load(),
		"audits_completed":       m.AuditsCompleted.Load(),
		"audits_with_warnings":   m.AuditsWithWarnings.Load(),
		"audits_failed":          m.AuditsFailed.Load(),
		"audits_deleted_running": m.AuditsDeleted.Load(),
		"uptime_seconds":         time.Since(m.StartTime).Seconds(),
		"memory": map[string]any{
			"alloc_bytes": mem.Alloc,
			"sys_bytes":   mem.Sys,
			"num_gc":      mem.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// Middleware tracks request counters
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestsTotal.Add(1)
		m.RequestsInProgress.Add(1)
		defer m.RequestsInProgress.Add(-1)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode < 400 {
			m.RequestsSuccess.Add(1)
		} else {
			m.RequestsFailed.Add(1)
		}
	})
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
