package connector

import (
	"context"
	"database/sql"
	"time"

	"github.com/strahe/assessor-sync/models"
)

// Connector is the uniform reader/writer used against both sides of a sync.
type Connector interface {
	Name() string
	Dialect() Dialect
	Ping(ctx context.Context) error

	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (*TableSchema, error)

	// CountRows counts the rows selected by q, ignoring q.After.
	CountRows(ctx context.Context, q Query) (int64, error)
	// CountNullWatermarks counts rows of q.Table whose watermark column is NULL.
	CountNullWatermarks(ctx context.Context, q Query) (int64, error)
	// StreamRows returns a lazy keyset-paginated stream. size is consulted before every
	// fetch so callers can adapt the batch size between batches.
	StreamRows(q Query, size func() int) *RowStream
	FetchByKeys(ctx context.Context, table string, keyCols, cols []string, keys [][]any) ([]models.Row, error)
	// ScanKeys returns up to limit keys of table ordered by keyCols, strictly after the given key.
	ScanKeys(ctx context.Context, table string, keyCols []string, after []any, limit int) ([][]any, error)

	Begin(ctx context.Context) (Tx, error)
	Exec(ctx context.Context, stmt string, args ...any) error

	Stats() sql.DBStats
	Close() error
}

// Tx is one logical write transaction against a target.
type Tx interface {
	// UpsertBatch updates rows by key and inserts the ones that did not exist.
	UpsertBatch(ctx context.Context, table string, keyCols []string, rows []models.Row) (inserted, updated int64, err error)
	DeleteBatch(ctx context.Context, table string, keyCols []string, keys [][]any) (int64, error)
	Commit() error
	Rollback() error
}

// Query describes the rows a slice extracts.
type Query struct {
	Table      string
	Columns    []string
	KeyColumns []string
	// Watermark orders and filters an incremental extract. Rows with a NULL
	// watermark are excluded.
	Watermark string
	// Filter is an optional boolean SQL predicate (selective mode).
	Filter string
	After  *models.Checkpoint
	// TemporalWatermark compares the watermark as an instant rather than by its
	// stored form. RowStream sets it for SQLite date and time columns.
	TemporalWatermark bool
}

// CheckpointOf returns the keyset position of row under q.
func (q Query) CheckpointOf(row models.Row) *models.Checkpoint {
	cp := &models.Checkpoint{Key: row.Values(q.KeyColumns)}
	if q.Watermark != "" {
		cp.Watermark = row[q.Watermark]
	}
	return cp
}

type Column struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
}

type TableSchema struct {
	Name        string
	Columns     []Column
	PrimaryKeys []string
}

func (t *TableSchema) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PoolConfig bounds the connection pool of one endpoint.
type PoolConfig struct {
	MaxOpenConns    int           `toml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" json:"conn_max_lifetime"`
	OpTimeout       time.Duration `toml:"op_timeout" json:"op_timeout"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		OpTimeout:       time.Minute,
	}
}
