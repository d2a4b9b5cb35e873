package connector

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"github.com/strahe/assessor-sync/models"
)

type sqlTx struct {
	c      *SQLConnector
	tx     *sql.Tx
	cancel context.CancelFunc
}

var _ Tx = (*sqlTx)(nil)

type upsertStmts struct {
	update *sql.Stmt
	insert *sql.Stmt
	exists *sql.Stmt
	cols   []string
}

// UpsertBatch updates each row by key and inserts it when no row matched. Rows may carry
// different column sets; statements are prepared once per column set.
func (t *sqlTx) UpsertBatch(ctx context.Context, table string, keyCols []string, rows []models.Row) (inserted, updated int64, err error) {
	cache := make(map[string]*upsertStmts)
	defer func() {
		for _, s := range cache {
			for _, st := range []*sql.Stmt{s.update, s.insert, s.exists} {
				if st != nil {
					st.Close()
				}
			}
		}
	}()

	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		sig := strings.Join(cols, "\x00")

		stmts, ok := cache[sig]
		if !ok {
			stmts, err = t.prepareUpsert(ctx, table, keyCols, cols)
			if err != nil {
				return inserted, updated, err
			}
			cache[sig] = stmts
		}

		n, err := t.applyRow(ctx, stmts, keyCols, row)
		if err != nil {
			return inserted, updated, Classify("upsert "+table, err)
		}
		if n {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func (t *sqlTx) prepareUpsert(ctx context.Context, table string, keyCols, cols []string) (*upsertStmts, error) {
	d := t.c.dialect
	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var setCols []string
	for _, col := range cols {
		if !isKey[col] {
			setCols = append(setCols, col)
		}
	}

	s := &upsertStmts{cols: setCols}
	n := 0
	next := func() string {
		n++
		return d.Placeholder(n)
	}

	where := make([]string, len(keyCols))
	var err error
	if len(setCols) > 0 {
		sets := make([]string, len(setCols))
		for i, col := range setCols {
			sets[i] = d.Quote(col) + " = " + next()
		}
		for i, k := range keyCols {
			where[i] = d.Quote(k) + " = " + next()
		}
		stmt := "UPDATE " + d.Quote(table) + " SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
		if s.update, err = t.tx.PrepareContext(ctx, stmt); err != nil {
			return nil, Classify("prepare upsert "+table, err)
		}
	} else {
		for i, k := range keyCols {
			where[i] = d.Quote(k) + " = " + next()
		}
		stmt := "SELECT COUNT(*) FROM " + d.Quote(table) + " WHERE " + strings.Join(where, " AND ")
		if s.exists, err = t.tx.PrepareContext(ctx, stmt); err != nil {
			return nil, Classify("prepare upsert "+table, err)
		}
	}

	insCols := append(append([]string(nil), keyCols...), setCols...)
	marks := make([]string, len(insCols))
	for i := range insCols {
		marks[i] = d.Placeholder(i + 1)
	}
	stmt := "INSERT INTO " + d.Quote(table) + " (" + d.QuoteAll(insCols) + ") VALUES (" + strings.Join(marks, ", ") + ")"
	if s.insert, err = t.tx.PrepareContext(ctx, stmt); err != nil {
		return nil, Classify("prepare upsert "+table, err)
	}
	return s, nil
}

// applyRow reports whether the row was inserted.
func (t *sqlTx) applyRow(ctx context.Context, s *upsertStmts, keyCols []string, row models.Row) (bool, error) {
	keyVals := row.Values(keyCols)
	if s.update != nil {
		args := append(row.Values(s.cols), keyVals...)
		res, err := s.update.ExecContext(ctx, args...)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	} else {
		var n int64
		if err := s.exists.QueryRowContext(ctx, keyVals...).Scan(&n); err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	if _, err := s.insert.ExecContext(ctx, append(keyVals, row.Values(s.cols)...)...); err != nil {
		return false, err
	}
	return true, nil
}

func (t *sqlTx) DeleteBatch(ctx context.Context, table string, keyCols []string, keys [][]any) (int64, error) {
	var total int64
	for start := 0; start < len(keys); start += fetchChunk {
		end := min(start+fetchChunk, len(keys))
		b := &binder{d: t.c.dialect}
		stmt := "DELETE FROM " + t.c.dialect.Quote(table) + " WHERE " + t.c.keyPredicate(b, keyCols, keys[start:end])
		res, err := t.tx.ExecContext(ctx, stmt, b.args...)
		if err != nil {
			return total, Classify("delete "+table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, Classify("delete "+table, err)
		}
		total += n
	}
	return total, nil
}

func (t *sqlTx) Commit() error {
	defer t.cancel()
	if err := t.tx.Commit(); err != nil {
		return Classify("commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	defer t.cancel()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return Classify("rollback", err)
	}
	return nil
}
