// Package sqlrepo implements the audit, finding and project repositories on
// database/sql. Queries are written with ? placeholders; the Dialect
// rewrites them and supplies the upsert forms each engine understands.
package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

// Dialect covers the SQL that differs between engines.
type Dialect interface {
	Name() string
	// Rebind converts ? placeholders to the engine's form.
	Rebind(query string) string
	// Upsert inserts cols into table, updating the update columns when key
	// already exists.
	Upsert(table string, cols, key, update []string) string
	// InsertIgnore inserts cols into table, skipping rows that violate key.
	InsertIgnore(table string, cols, key []string) string
}

// Store bundles the repositories over one connection pool.
type Store struct {
	db *sql.DB
	d  Dialect
}

func New(db *sql.DB, d Dialect) *Store { return &Store{db: db, d: d} }

func (s *Store) Audits() *AuditRepository     { return &AuditRepository{db: s.db, d: s.d} }
func (s *Store) Findings() *FindingRepository { return &FindingRepository{db: s.db, d: s.d} }
func (s *Store) Projects() *ProjectRepository { return &ProjectRepository{db: s.db, d: s.d} }

// EnsureSchema runs every statement of a schema script.
func EnsureSchema(ctx context.Context, db *sql.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

// Placeholders returns n comma separated ? marks.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// mustAffect turns an update that touched no row into ErrNotFound.
func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
