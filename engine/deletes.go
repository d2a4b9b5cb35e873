package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
)

// continueSlice returns a worker for a slice that already ran its extract pass.
func (r *jobRun) continueSlice(m *models.TableMapping) *sliceRun {
	s := r.newSliceRun(m, nil)
	r.mu.Lock()
	if prev, ok := r.slices[m.Name]; ok {
		cp := *prev
		s.slice = &cp
	}
	r.mu.Unlock()
	return s
}

// applyFixups writes the foreign keys held back by the placeholder pass of a cyclic
// group.
func (r *jobRun) applyFixups(ctx context.Context, m *models.TableMapping, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	s := r.continueSlice(m)
	size := s.batchSize()
	for _, chunk := range lo.Chunk(rows, size) {
		if err := r.waitIfPaused(ctx); err != nil {
			return err
		}
		keys := lo.Map(chunk, func(row models.Row, _ int) []any { return row.Values(s.tkeys) })
		current, err := retry(ctx, r.e.retry, r.retryNotify("detect", m.Name), func() ([]models.Row, error) {
			return r.dst.FetchByKeys(ctx, m.Target(), s.tkeys, s.tcols, keys)
		})
		if err != nil {
			return err
		}
		entries := lo.Map(current, func(row models.Row, _ int) models.RollbackEntry {
			return models.RollbackEntry{Key: row.Project(s.tkeys), Existed: true, Prior: row}
		})
		if _, err := s.writeBatch(ctx, chunk, entries, "fixup"); err != nil {
			return err
		}
	}
	s.logger.Info().Int("rows", len(rows)).Msg("deferred foreign keys applied")
	return r.publish(ctx, s.slice)
}

// deleteMissing removes target rows whose key no longer exists in the source.
func (r *jobRun) deleteMissing(ctx context.Context, m *models.TableMapping) error {
	s := r.continueSlice(m)
	cols := s.tcols
	if ts, err := r.dst.DescribeTable(ctx, m.Target()); err == nil {
		cols = lo.Map(ts.Columns, func(c connector.Column, _ int) string { return c.Name })
	}

	var after []any
	for {
		if err := r.waitIfPaused(ctx); err != nil {
			return err
		}
		limit := s.batchSize()
		keys, err := retry(ctx, r.e.retry, r.retryNotify("scan", m.Name), func() ([][]any, error) {
			return r.dst.ScanKeys(ctx, m.Target(), s.tkeys, after, limit)
		})
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		after = keys[len(keys)-1]

		present, err := retry(ctx, r.e.retry, r.retryNotify("scan", m.Name), func() ([]models.Row, error) {
			return r.src.FetchByKeys(ctx, m.SourceTable, m.PrimaryKeys, m.PrimaryKeys, keys)
		})
		if err != nil {
			return err
		}
		inSource := lo.SliceToMap(present, func(row models.Row) (string, struct{}) {
			return models.KeyOf(row, m.PrimaryKeys), struct{}{}
		})
		missing := lo.Filter(keys, func(k []any, _ int) bool {
			_, ok := inSource[models.KeyString(k)]
			return !ok
		})
		if len(missing) > 0 {
			if err := s.deleteBatch(ctx, missing, cols); err != nil {
				return err
			}
		}
		if len(keys) < limit {
			break
		}
	}
	return r.publish(ctx, s.slice)
}

func (s *sliceRun) deleteBatch(ctx context.Context, keys [][]any, cols []string) error {
	r := s.r
	e := r.e
	priors, err := retry(ctx, e.retry, r.retryNotify("detect", s.m.Name), func() ([]models.Row, error) {
		return r.dst.FetchByKeys(ctx, s.m.Target(), s.tkeys, cols, keys)
	})
	if err != nil {
		return err
	}
	unit := &models.RollbackUnit{
		ID:         uuid.NewString(),
		JobID:      r.id(),
		Table:      s.m.Target(),
		KeyColumns: s.tkeys,
		Entries: lo.Map(priors, func(row models.Row, _ int) models.RollbackEntry {
			return models.RollbackEntry{Key: row.Project(s.tkeys), Existed: true, Prior: row}
		}),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.ledger.SaveRollbackUnit(context.WithoutCancel(ctx), unit); err != nil {
		return fmt.Errorf("failed to save rollback unit: %w", err)
	}

	start := time.Now()
	n, err := retry(ctx, e.retry, r.retryNotify("delete", s.m.Name), func() (int64, error) {
		tx, err := r.dst.Begin(ctx)
		if err != nil {
			return 0, err
		}
		n, err := tx.DeleteBatch(ctx, s.m.Target(), s.tkeys, keys)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		return n, tx.Commit()
	})
	if err != nil {
		return err
	}
	if err := e.ledger.MarkRollbackApplied(context.WithoutCancel(ctx), unit.ID); err != nil {
		return fmt.Errorf("failed to mark rollback unit: %w", err)
	}
	s.slice.RowsDeleted += n
	e.metrics.Rows(s.m.Name, "deleted", n)
	e.metrics.Batch(s.m.Name, "delete", time.Since(start))
	s.logger.Info().Int64("rows", n).Msg("deleted rows missing from source")
	r.emit(ctx, models.EventDeleteBatch, s.m.Name, map[string]any{
		"rows":          n,
		"rollback_unit": unit.ID,
	})
	return nil
}
