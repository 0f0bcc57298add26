package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanwahyu/automaton-audit/internal/infra/db/sqlrepo"
)

// Dialect is the PostgreSQL flavour of the shared repositories.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

// Rebind numbers ? placeholders as $1..$n. Queries never carry a literal ?.
func (Dialect) Rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (Dialect) Upsert(table string, cols, key, update []string) string {
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), sqlrepo.Placeholders(len(cols)), strings.Join(key, ", "), strings.Join(sets, ", "))
}

func (Dialect) InsertIgnore(table string, cols, key []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), sqlrepo.Placeholders(len(cols)), strings.Join(key, ", "))
}

var _ sqlrepo.Dialect = Dialect{}
