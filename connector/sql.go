package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"

	_ "github.com/yugabyte/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const fetchChunk = 500

// SQLConnector implements Connector over a bounded database/sql pool.
type SQLConnector struct {
	name    string
	dialect Dialect
	db      *sql.DB
	cfg     PoolConfig
	logger  zerolog.Logger
}

var _ Connector = (*SQLConnector)(nil)

// Open connects to uri, choosing the dialect from its scheme:
// postgres://, postgresql:// and yugabyte:// use pgx; sqlite:// and file: use SQLite.
func Open(ctx context.Context, name, uri string, cfg PoolConfig) (*SQLConnector, error) {
	dialect, dsn, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.Driver(), dsn)
	if err != nil {
		return nil, models.NewConfigError("failed to open %s: %v", name, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	c := &SQLConnector{
		name:    name,
		dialect: dialect,
		db:      db,
		cfg:     cfg,
		logger:  log.Named("connector").With().Str("endpoint", name).Str("dialect", dialect.String()).Logger(),
	}
	if err := c.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	c.logger.Debug().Msg("connected")
	return c, nil
}

// ParseURI maps an endpoint URI to a dialect and a driver DSN.
func ParseURI(uri string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return Postgres, uri, nil
	case strings.HasPrefix(uri, "yugabyte://"):
		return Postgres, "postgres://" + strings.TrimPrefix(uri, "yugabyte://"), nil
	case strings.HasPrefix(uri, "sqlite://"):
		return SQLite, sqliteDSN(strings.TrimPrefix(uri, "sqlite://")), nil
	case strings.HasPrefix(uri, "file:"):
		return SQLite, sqliteDSN(uri), nil
	}
	return "", "", models.NewConfigError("unsupported endpoint uri %q: %v", redact(uri), models.ErrUnsupportedEndpoint)
}

// sqliteDSN adds the pragmas needed for concurrent slice workers unless the caller
// already set them.
func sqliteDSN(path string) string {
	base, rawQuery, _ := strings.Cut(path, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	pragmas := strings.Join(q["_pragma"], ",")
	if !strings.Contains(pragmas, "busy_timeout") {
		q.Add("_pragma", "busy_timeout(5000)")
	}
	if !strings.Contains(pragmas, "journal_mode") {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	if q.Get("_time_format") == "" {
		q.Set("_time_format", "sqlite")
	}
	return base + "?" + q.Encode()
}

func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	return u.Redacted()
}

func (c *SQLConnector) Name() string { return c.name }

func (c *SQLConnector) Dialect() Dialect { return c.dialect }

func (c *SQLConnector) DB() *sql.DB { return c.db }

func (c *SQLConnector) Stats() sql.DBStats { return c.db.Stats() }

func (c *SQLConnector) Close() error {
	return c.db.Close()
}

func (c *SQLConnector) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

func (c *SQLConnector) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return models.NewConnectivityError("ping "+c.name, err)
	}
	return nil
}

func (c *SQLConnector) Exec(ctx context.Context, stmt string, args ...any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, stmt, args...); err != nil {
		return Classify("exec", err)
	}
	return nil
}

func (c *SQLConnector) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var query string
	switch c.dialect {
	case Postgres:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
	default:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Classify("list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Classify("list tables", err)
		}
		tables = append(tables, name)
	}
	return tables, Classify("list tables", rows.Err())
}

// DescribeTable returns the columns of table. A missing table yields an error
// wrapping models.ErrTableNotFound.
func (c *SQLConnector) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		ts  *TableSchema
		err error
	)
	switch c.dialect {
	case Postgres:
		ts, err = c.describePostgres(ctx, table)
	default:
		ts, err = c.describeSQLite(ctx, table)
	}
	if err != nil {
		return nil, err
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("%s: %w", table, models.ErrTableNotFound)
	}
	return ts, nil
}

func (c *SQLConnector) describeSQLite(ctx context.Context, table string) (*TableSchema, error) {
	rows, err := c.db.QueryContext(ctx, "PRAGMA table_info("+c.dialect.Quote(table)+")")
	if err != nil {
		return nil, Classify("describe "+table, err)
	}
	defer rows.Close()

	ts := &TableSchema{Name: table}
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull bool
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, Classify("describe "+table, err)
		}
		ts.Columns = append(ts.Columns, Column{
			Name:       name,
			Type:       strings.ToLower(typ),
			Nullable:   !notNull && pk == 0,
			PrimaryKey: pk > 0,
		})
		if pk > 0 {
			pks = append(pks, pkCol{name: name, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("describe "+table, err)
	}
	ts.PrimaryKeys = make([]string, len(pks))
	for _, p := range pks {
		if p.pos-1 < len(ts.PrimaryKeys) {
			ts.PrimaryKeys[p.pos-1] = p.name
		}
	}
	return ts, nil
}

func (c *SQLConnector) describePostgres(ctx context.Context, table string) (*TableSchema, error) {
	schema, name := splitTable(table)
	schemaExpr := "current_schema()"
	args := []any{name}
	if schema != "" {
		schemaExpr = "$2"
		args = append(args, schema)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_name = $1 AND table_schema = `+schemaExpr+`
		ORDER BY ordinal_position`, args...)
	if err != nil {
		return nil, Classify("describe "+table, err)
	}
	defer rows.Close()

	ts := &TableSchema{Name: table}
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable); err != nil {
			return nil, Classify("describe "+table, err)
		}
		col.Type = strings.ToLower(col.Type)
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("describe "+table, err)
	}

	pkRows, err := c.db.QueryContext(ctx, `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = $1 AND tc.table_schema = `+schemaExpr+`
		ORDER BY kcu.ordinal_position`, args...)
	if err != nil {
		return nil, Classify("describe "+table, err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var pk string
		if err := pkRows.Scan(&pk); err != nil {
			return nil, Classify("describe "+table, err)
		}
		ts.PrimaryKeys = append(ts.PrimaryKeys, pk)
		for i := range ts.Columns {
			if ts.Columns[i].Name == pk {
				ts.Columns[i].PrimaryKey = true
			}
		}
	}
	return ts, Classify("describe "+table, pkRows.Err())
}

// where renders the predicate of q. withCursor adds the keyset condition.
func (c *SQLConnector) where(q Query, b *binder, withCursor bool) string {
	var conds []string
	if q.Filter != "" {
		conds = append(conds, "("+q.Filter+")")
	}
	if q.Watermark != "" {
		conds = append(conds, c.dialect.Quote(q.Watermark)+" IS NOT NULL")
	}
	if withCursor && q.After != nil && len(q.After.Key) == len(q.KeyColumns) {
		var lhs, rhs []string
		if q.Watermark != "" && q.After.Watermark != nil {
			lhs = append(lhs, c.watermarkExpr(q, c.dialect.Quote(q.Watermark)))
			rhs = append(rhs, c.watermarkExpr(q, b.bind(q.After.Watermark)))
		}
		for i, col := range q.KeyColumns {
			lhs = append(lhs, c.dialect.Quote(col))
			rhs = append(rhs, b.bind(q.After.Key[i]))
		}
		conds = append(conds, tuple(strings.Join(lhs, ", "), len(lhs))+" > "+tuple(strings.Join(rhs, ", "), len(rhs)))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (c *SQLConnector) orderBy(q Query) string {
	keys := c.dialect.QuoteAll(q.KeyColumns)
	if q.Watermark == "" {
		return " ORDER BY " + keys
	}
	return " ORDER BY " + c.watermarkExpr(q, c.dialect.Quote(q.Watermark)) + ", " + keys
}

// watermarkExpr wraps a watermark operand so columns and bound cursors compare
// alike. SQLite stores times as text in whatever form the writer chose, so
// temporal watermarks are compared as julian day numbers there.
func (c *SQLConnector) watermarkExpr(q Query, operand string) string {
	if c.dialect == SQLite && q.TemporalWatermark {
		return "julianday(" + operand + ")"
	}
	return operand
}

// temporalType reports whether a declared column type holds dates or times.
func temporalType(typ string) bool {
	t := strings.ToLower(typ)
	return strings.Contains(t, "date") || strings.Contains(t, "time")
}

func (c *SQLConnector) CountRows(ctx context.Context, q Query) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b := &binder{d: c.dialect}
	stmt := "SELECT COUNT(*) FROM " + c.dialect.Quote(q.Table) + c.where(q, b, false)
	var n int64
	if err := c.db.QueryRowContext(ctx, stmt, b.args...).Scan(&n); err != nil {
		return 0, Classify("count "+q.Table, err)
	}
	return n, nil
}

func (c *SQLConnector) CountNullWatermarks(ctx context.Context, q Query) (int64, error) {
	if q.Watermark == "" {
		return 0, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stmt := "SELECT COUNT(*) FROM " + c.dialect.Quote(q.Table) + " WHERE " + c.dialect.Quote(q.Watermark) + " IS NULL"
	if q.Filter != "" {
		stmt += " AND (" + q.Filter + ")"
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, Classify("count "+q.Table, err)
	}
	return n, nil
}

func (c *SQLConnector) StreamRows(q Query, size func() int) *RowStream {
	return &RowStream{c: c, q: q, size: size, cursor: q.After}
}

// fetch reads one keyset page after q.After.
func (c *SQLConnector) fetch(ctx context.Context, q Query, limit int) ([]models.Row, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b := &binder{d: c.dialect}
	stmt := "SELECT " + c.dialect.QuoteAll(q.Columns) + " FROM " + c.dialect.Quote(q.Table) +
		c.where(q, b, true) + c.orderBy(q) + fmt.Sprintf(" LIMIT %d", limit)
	rows, err := c.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, Classify("extract "+q.Table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *SQLConnector) FetchByKeys(ctx context.Context, table string, keyCols, cols []string, keys [][]any) ([]models.Row, error) {
	var out []models.Row
	for start := 0; start < len(keys); start += fetchChunk {
		end := min(start+fetchChunk, len(keys))
		rows, err := c.fetchKeys(ctx, table, keyCols, cols, keys[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (c *SQLConnector) fetchKeys(ctx context.Context, table string, keyCols, cols []string, keys [][]any) ([]models.Row, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b := &binder{d: c.dialect}
	stmt := "SELECT " + c.dialect.QuoteAll(cols) + " FROM " + c.dialect.Quote(table) + " WHERE " + c.keyPredicate(b, keyCols, keys)
	rows, err := c.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, Classify("fetch "+table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// keyPredicate matches any of keys: "k IN (...)" for single keys, OR-ed conjunctions otherwise.
func (c *SQLConnector) keyPredicate(b *binder, keyCols []string, keys [][]any) string {
	if len(keyCols) == 1 {
		vals := make([]any, len(keys))
		for i, k := range keys {
			vals[i] = k[0]
		}
		return c.dialect.Quote(keyCols[0]) + " IN (" + b.bindAll(vals) + ")"
	}
	terms := make([]string, len(keys))
	for i, k := range keys {
		parts := make([]string, len(keyCols))
		for j, col := range keyCols {
			parts[j] = c.dialect.Quote(col) + " = " + b.bind(k[j])
		}
		terms[i] = "(" + strings.Join(parts, " AND ") + ")"
	}
	return strings.Join(terms, " OR ")
}

func (c *SQLConnector) ScanKeys(ctx context.Context, table string, keyCols []string, after []any, limit int) ([][]any, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b := &binder{d: c.dialect}
	stmt := "SELECT " + c.dialect.QuoteAll(keyCols) + " FROM " + c.dialect.Quote(table)
	if len(after) == len(keyCols) {
		stmt += " WHERE " + tuple(c.dialect.QuoteAll(keyCols), len(keyCols)) + " > " + tuple(b.bindAll(after), len(after))
	}
	stmt += " ORDER BY " + c.dialect.QuoteAll(keyCols) + fmt.Sprintf(" LIMIT %d", limit)

	rows, err := c.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, Classify("scan keys "+table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(keyCols))
		ptrs := make([]any, len(keyCols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Classify("scan keys "+table, err)
		}
		for i := range vals {
			vals[i] = normalize(vals[i], "")
		}
		out = append(out, vals)
	}
	return out, Classify("scan keys "+table, rows.Err())
}

func (c *SQLConnector) Begin(ctx context.Context) (Tx, error) {
	tctx, cancel := c.withTimeout(ctx)
	tx, err := c.db.BeginTx(tctx, nil)
	if err != nil {
		cancel()
		return nil, Classify("begin", err)
	}
	return &sqlTx{c: c, tx: tx, cancel: cancel}, nil
}

func scanRows(rows *sql.Rows) ([]models.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, Classify("scan", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, Classify("scan", err)
	}

	var out []models.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Classify("scan", err)
		}
		row := make(models.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i], types[i].DatabaseTypeName())
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("scan", err)
	}
	return out, nil
}

// normalize converts driver values to the small set of Go types the engine compares:
// text columns returned as []byte become strings.
func normalize(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(dbType) {
	case "BLOB", "BYTEA":
		return append([]byte(nil), b...)
	}
	return string(b)
}
