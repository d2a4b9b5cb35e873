package connector

import (
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect selects the SQL flavor spoken by an endpoint.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) String() string { return string(d) }

// Driver returns the database/sql driver name registered for the dialect.
func (d Dialect) Driver() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLite:
		return "sqlite"
	}
	return ""
}

// Quote quotes an identifier, keeping schema qualification ("public.parcels").
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// QuoteAll quotes every identifier and joins them with ", ".
func (d Dialect) QuoteAll(idents []string) string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = d.Quote(id)
	}
	return strings.Join(out, ", ")
}

// Placeholder returns the bind parameter marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// binder hands out consecutive placeholders while collecting their arguments.
type binder struct {
	d    Dialect
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *binder) bindAll(vals []any) string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = b.bind(v)
	}
	return strings.Join(out, ", ")
}

// tuple renders "(a, b)" for multi-column keys and "a" for a single column.
func tuple(items string, n int) string {
	if n == 1 {
		return items
	}
	return "(" + items + ")"
}

// splitTable splits "schema.table" into its parts.
func splitTable(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
