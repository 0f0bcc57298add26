package mysql

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/infra/db/sqlrepo"
)

// Dialect is the MySQL flavour of the shared repositories.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Rebind(q string) string { return q }

func (Dialect) Upsert(table string, cols, _, update []string) string {
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s=VALUES(%s)", c, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), sqlrepo.Placeholders(len(cols)), strings.Join(sets, ", "))
}

func (Dialect) InsertIgnore(table string, cols, _ []string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), sqlrepo.Placeholders(len(cols)))
}

var _ sqlrepo.Dialect = Dialect{}
