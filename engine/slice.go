package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/batch"
	"github.com/strahe/assessor-sync/conflict"
	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/processor"
	"github.com/strahe/assessor-sync/processor/filter"
	"github.com/strahe/assessor-sync/processor/transformer"
)

// sliceRun is the worker state of one table slice. It is owned by a single goroutine;
// other goroutines only see copies published through jobRun.publish.
type sliceRun struct {
	r        *jobRun
	m        *models.TableMapping
	slice    *models.TableSlice
	policy   models.ConflictPolicy
	newer    string
	detector conflict.Detector
	chain    *processor.ProcessorChain
	workload batch.Workload
	maxErrs  int64
	tkeys    []string
	tcols    []string
	deferred []string
	fixups   []models.Row
	logger   zerolog.Logger

	// resolved maps the target key of each system-resolved conflict in the current
	// batch to its conflict id until the write outcome is known.
	resolved map[string]string
	// rejected counts resolved conflicts the target refused to write.
	rejected int64
}

// prepared is a processed row waiting for detection.
type prepared struct {
	key models.Row
	row models.Row
}

func (r *jobRun) newSliceRun(m *models.TableMapping, deferred []string) *sliceRun {
	job := r.job
	trace := zerolog.GlobalLevel() <= zerolog.TraceLevel
	chain := processor.NewProcessorChain()
	chain.AddFilter(filter.NewRequiredFields())
	if trace {
		chain.AddFilter(filter.NewDebugFilter())
	}
	chain.AddTransformer(transformer.NewSanitize(r.e.sanitizer))
	chain.AddTransformer(transformer.NewRename())
	if trace {
		chain.AddTransformer(transformer.NewDebugTransformer())
	}

	workload := batch.ReadHeavy
	switch {
	case lo.ContainsBy(m.Fields, func(f models.FieldMapping) bool { return f.SanitizationHint != "" }):
		workload = batch.SanitizeHeavy
	case job.Mode == models.ModeFull:
		workload = batch.WriteHeavy
	}

	maxErrs := int64(job.Options.MaxRowErrors)
	if maxErrs == 0 {
		maxErrs = int64(r.e.maxRowErrors)
	}

	return &sliceRun{
		r: r,
		m: m,
		slice: &models.TableSlice{
			JobID:       job.ID,
			Table:       m.Name,
			TargetTable: m.Target(),
			PrimaryKeys: m.PrimaryKeys,
			Status:      models.SlicePending,
			StartedAt:   time.Now().UTC(),
		},
		policy:   job.PolicyFor(m.Name, m.ConflictPolicy),
		newer:    newerColumn(m, job.Options.NewerColumn),
		detector: conflict.NewDetector(job.Options.NumericTolerance),
		chain:    chain,
		workload: workload,
		maxErrs:  maxErrs,
		tkeys:    m.TargetKeys(),
		tcols:    m.TargetColumns(),
		deferred: deferred,
		logger:   r.logger.With().Str("table", m.Name).Logger(),
	}
}

// newerColumn picks the target column compared by newer_wins.
func newerColumn(m *models.TableMapping, option string) string {
	for _, c := range []string{m.NewerColumn, option, m.Watermark, "updated_at"} {
		if c == "" {
			continue
		}
		if f, ok := m.FieldBySource(c); ok {
			return f.TargetName
		}
		if _, ok := m.FieldByTarget(c); ok {
			return c
		}
	}
	return ""
}

// runSlice drains one mapping. It returns the fixup rows of a placeholder pass. A
// cancelled slice returns no error.
func (r *jobRun) runSlice(ctx context.Context, m *models.TableMapping, deferred []string) ([]models.Row, error) {
	s := r.newSliceRun(m, deferred)
	err := s.run(ctx)
	if err != nil && ctx.Err() == nil {
		if models.KindOf(err) != models.KindSlice {
			err = models.NewSliceError(m.Name, err)
		}
	}
	s.finish(ctx, err)
	if err != nil && ctx.Err() == nil {
		r.sliceFailed(m.Name, err)
		return nil, err
	}
	return s.fixups, nil
}

func (s *sliceRun) query() connector.Query {
	job := s.r.job
	q := connector.Query{
		Table:      s.m.SourceTable,
		Columns:    s.m.SourceColumns(),
		KeyColumns: s.m.PrimaryKeys,
	}
	if job.Mode == models.ModeIncremental {
		q.Watermark = s.m.Watermark
	}
	if job.Mode != models.ModeFull {
		switch {
		case s.m.Filter != "" && job.Options.Filter != "":
			q.Filter = "(" + s.m.Filter + ") AND (" + job.Options.Filter + ")"
		case job.Options.Filter != "":
			q.Filter = job.Options.Filter
		case job.Mode == models.ModeSelective:
			q.Filter = s.m.Filter
		}
	}
	return q
}

// batchSize is consulted by the row stream before every fetch.
func (s *sliceRun) batchSize() int {
	if n := s.r.job.Options.BatchSize; n > 0 {
		return n
	}
	return s.r.e.sizer.Current(s.workload)
}

func (s *sliceRun) run(ctx context.Context) error {
	r := s.r
	e := r.e
	q := s.query()
	s.slice.Filter = q.Filter
	s.slice.Status = models.SliceRunning

	resumed := false
	if r.job.Mode == models.ModeIncremental && q.Watermark != "" && !r.job.Options.Restart {
		cp, err := retry(ctx, e.retry, r.retryNotify("checkpoint", s.m.Name), func() (*models.Checkpoint, error) {
			return e.ledger.LatestCheckpoint(ctx, r.job.SourceRef, r.job.TargetRef, s.m.Name, r.id())
		})
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			q.After = cp
			s.slice.Checkpoint = cp
			resumed = true
		}
	}

	planned, err := retry(ctx, e.retry, r.retryNotify("count", s.m.Name), func() (int64, error) {
		return r.src.CountRows(ctx, q)
	})
	if err != nil {
		return err
	}
	nulls, err := retry(ctx, e.retry, r.retryNotify("count", s.m.Name), func() (int64, error) {
		return r.src.CountNullWatermarks(ctx, q)
	})
	if err != nil {
		return err
	}
	s.slice.Planned = planned
	s.slice.RowsSkipped += nulls
	if nulls > 0 {
		r.summary(func(sum *models.JobSummary) { sum.NullWatermarks += nulls })
		s.logger.Warn().Int64("rows", nulls).Msg("rows with null watermark skipped")
	}
	payload := map[string]any{
		"planned":         planned,
		"null_watermarks": nulls,
		"filter":          q.Filter,
		"policy":          string(s.policy),
		"deferred":        s.deferred,
	}
	if resumed {
		payload["resume_from"] = q.After
	}
	r.emit(ctx, models.EventPlan, s.m.Name, payload)
	if err := r.publish(ctx, s.slice); err != nil {
		return err
	}

	stream := r.src.StreamRows(q, s.batchSize)
	for {
		if err := r.waitIfPaused(ctx); err != nil {
			return err
		}
		start := time.Now()
		rows, err := retry(ctx, e.retry, r.retryNotify("extract", s.m.Name), func() ([]models.Row, error) {
			return stream.Next(ctx)
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		e.metrics.Batch(s.m.Name, "extract", time.Since(start))
		r.emit(ctx, models.EventExtractBatch, s.m.Name, map[string]any{"rows": len(rows), "batch_size": s.batchSize()})

		if err := s.processBatch(ctx, rows); err != nil {
			return err
		}
		if err := s.checkpoint(ctx, stream.Cursor()); err != nil {
			return err
		}
		if err := s.adapt(ctx, time.Since(start), len(rows)); err != nil {
			return err
		}
	}
}

// checkpoint acknowledges a batch. It runs after the target commit and is not
// interrupted by cancellation.
func (s *sliceRun) checkpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.slice.Checkpoint = cp
	s.slice.Batches++
	if err := s.r.publish(ctx, s.slice); err != nil {
		return err
	}
	payload := map[string]any{"rows_written": s.slice.RowsWritten, "batches": s.slice.Batches}
	if cp != nil {
		payload["watermark"] = cp.Watermark
		payload["key"] = cp.Key
	}
	s.r.emit(ctx, models.EventCheckpoint, s.m.Name, payload)
	return nil
}

// adapt feeds the batch observations to the sizer and sleeps when it asks to throttle.
func (s *sliceRun) adapt(ctx context.Context, latency time.Duration, rows int) error {
	e := s.r.e
	res, err := e.sampler.Sample(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("resource sample failed")
	}
	d := e.sizer.Next(batch.Signals{
		Workload:  s.workload,
		CPU:       res.CPU,
		Memory:    res.Memory,
		DiskIO:    res.DiskIO,
		Latency:   latency,
		Rows:      rows,
		Succeeded: true,
	})
	e.metrics.BatchSize(string(s.workload), d.Next, d.Throttle > 0)
	if d.Throttle <= 0 {
		return nil
	}
	s.logger.Debug().Dur("throttle", d.Throttle).Str("reason", d.Reason).Msg("throttling")
	t := time.NewTimer(d.Throttle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *sliceRun) processBatch(ctx context.Context, rows []models.Row) error {
	r := s.r
	job := r.job

	s.resolved = make(map[string]string)
	items := make([]prepared, 0, len(rows))
	for _, raw := range rows {
		s.slice.RowsSeen++
		rc := processor.NewRowContext(job.ID, job.Seed(), s.m, raw)
		if err := s.chain.Process(rc); err != nil {
			if !models.IsRowLevel(err) {
				return err
			}
			if err := s.rowError(ctx, rc.Key, err); err != nil {
				return err
			}
			continue
		}
		s.recordSanitized(ctx, rc.Sanitized)
		if rc.Skip {
			s.slice.RowsSkipped++
			continue
		}
		items = append(items, prepared{key: rc.Row.Project(s.tkeys), row: rc.Row})
	}
	if len(items) == 0 {
		return nil
	}

	keys := lo.Map(items, func(p prepared, _ int) []any { return p.key.Values(s.tkeys) })
	start := time.Now()
	current, err := retry(ctx, r.e.retry, r.retryNotify("detect", s.m.Name), func() ([]models.Row, error) {
		return r.dst.FetchByKeys(ctx, s.m.Target(), s.tkeys, s.tcols, keys)
	})
	if err != nil {
		return err
	}
	r.e.metrics.Batch(s.m.Name, "detect", time.Since(start))
	existing := lo.KeyBy(current, func(row models.Row) string { return models.KeyOf(row, s.tkeys) })

	var (
		writes  []models.Row
		entries []models.RollbackEntry
	)
	for _, p := range items {
		target, ok := existing[models.KeyOf(p.key, s.tkeys)]
		if !ok {
			writes = append(writes, p.row)
			entries = append(entries, models.RollbackEntry{Key: p.key})
			continue
		}
		diffs := s.detector.Diff(p.row, target, s.tcols)
		if diffs == nil {
			s.slice.RowsSkipped++
			continue
		}
		s.slice.RowsConflicted++
		out := r.e.resolver.Resolve(s.policy, s.m, s.newer, p.row, target, diffs)
		id, err := s.recordConflict(ctx, p, target, diffs, out)
		if err != nil {
			return err
		}
		if out.Write == nil {
			if out.Resolution != models.ResolutionManualPending {
				s.slice.RowsSkipped++
			}
			continue
		}
		writes = append(writes, out.Write)
		entries = append(entries, models.RollbackEntry{Key: p.key, Existed: true, Prior: target})
		s.resolved[models.KeyOf(p.key, s.tkeys)] = id
	}
	if len(writes) == 0 {
		return nil
	}
	if len(s.deferred) > 0 {
		writes = s.deferColumns(writes)
	}
	res, err := s.writeBatch(ctx, writes, entries, "upsert")
	if written := res.inserted + res.updated; written > 0 {
		s.slice.RowsWritten += written
		r.e.metrics.Rows(s.m.Name, "written", written)
	}
	if err != nil {
		// the batch was abandoned; none of the outstanding resolutions reached the target
		for key, id := range s.resolved {
			if rerr := s.reopen(ctx, id, err); rerr != nil {
				err = errors.Join(err, rerr)
			}
			delete(s.resolved, key)
		}
	}
	return err
}

// deferColumns nulls the in-group foreign keys and remembers their values for the
// fixup pass.
func (s *sliceRun) deferColumns(rows []models.Row) []models.Row {
	out := make([]models.Row, len(rows))
	for i, row := range rows {
		w := row.Clone()
		fix := row.Project(s.tkeys)
		need := false
		for _, col := range s.deferred {
			if v, ok := w[col]; ok && v != nil {
				fix[col] = v
				w[col] = nil
				need = true
			}
		}
		if need {
			s.fixups = append(s.fixups, fix)
		}
		out[i] = w
	}
	return out
}

func (s *sliceRun) recordSanitized(ctx context.Context, events []models.SanitizationEvent) {
	if len(events) == 0 {
		return
	}
	var modified int64
	for _, ev := range events {
		s.r.e.emit(ctx, s.r.id(), models.EventSanitizeField, s.m.Name, ev.AuditEvent(s.r.id()).Payload)
		if ev.Modified {
			modified++
			s.r.e.metrics.Sanitized(ev.Rule)
		}
	}
	s.r.summary(func(sum *models.JobSummary) { sum.SanitizedFields += modified })
}

func (s *sliceRun) recordConflict(ctx context.Context, p prepared, target models.Row, diffs map[string]models.FieldDiff, out conflict.Outcome) (string, error) {
	r := s.r
	now := time.Now().UTC()
	rec := &models.ConflictRecord{
		ID:              uuid.NewString(),
		JobID:           r.id(),
		Table:           s.m.Name,
		PrimaryKey:      p.key,
		DetectedAt:      now,
		SourceSnapshot:  p.row,
		TargetSnapshot:  target,
		DifferingFields: diffs,
		PolicyApplied:   s.policy,
		Resolution:      out.Resolution,
	}
	pending := out.Resolution == models.ResolutionManualPending
	if !pending {
		rec.ResolvedAt = &now
		rec.Resolver = models.ResolverSystem
	}
	if err := r.e.ledger.SaveConflict(context.WithoutCancel(ctx), rec); err != nil {
		return "", fmt.Errorf("failed to save conflict: %w", err)
	}
	fields := lo.Keys(diffs)
	r.emit(ctx, models.EventDetectConflict, s.m.Name, map[string]any{
		"conflict_id": rec.ID,
		"primary_key": map[string]any(p.key),
		"fields":      fields,
		"policy":      string(s.policy),
	})
	if !pending {
		r.emit(ctx, models.EventResolveConflict, s.m.Name, map[string]any{
			"conflict_id": rec.ID,
			"resolution":  string(out.Resolution),
			"resolver":    models.ResolverSystem,
			"reason":      out.Reason,
		})
	}
	r.e.metrics.Conflict(s.m.Name, s.policy, out.Resolution)
	counts := map[string]int64{"conflicts": 1}
	if pending {
		counts["manual_pending"] = 1
	}
	r.e.notify(models.Notification{
		Category: models.NotifyConflictDetected,
		Severity: models.SeverityWarning,
		JobID:    r.id(),
		Table:    s.m.Name,
		Counts:   counts,
		Message:  fmt.Sprintf("%s conflict resolved as %s", s.policy, out.Resolution),
	})
	return rec.ID, nil
}

// reopen puts a system-resolved conflict back to manual_pending because its write
// never reached the target.
func (s *sliceRun) reopen(ctx context.Context, id string, cause error) error {
	note := fmt.Sprintf("%s resolution not applied: %v", s.policy, cause)
	if err := s.r.e.ledger.ReopenConflict(context.WithoutCancel(ctx), id, note); err != nil {
		return fmt.Errorf("failed to reopen conflict: %w", err)
	}
	s.r.emit(ctx, models.EventResolveConflict, s.m.Name, map[string]any{
		"conflict_id": id,
		"resolution":  string(models.ResolutionManualPending),
		"resolver":    models.ResolverSystem,
		"reason":      cause.Error(),
	})
	return nil
}

// conflictRejected handles a row whose conflict resolution the target refused. The
// row stays counted as conflicted; its conflict goes back to manual review.
func (s *sliceRun) conflictRejected(ctx context.Context, id string, key models.Row, err error) error {
	r := s.r
	kind := models.KindOf(err)
	s.rejected++
	r.summary(func(sum *models.JobSummary) { sum.CountError(kind, 1) })
	r.e.metrics.Error(kind)
	s.logger.Warn().Err(err).Interface("key", key).Str("conflict", id).Msg("conflict resolution rejected by target")
	r.emit(ctx, models.EventError, s.m.Name, map[string]any{
		"kind":        string(kind),
		"error":       err.Error(),
		"primary_key": map[string]any(key),
		"conflict_id": id,
	})
	if err := s.reopen(ctx, id, err); err != nil {
		return err
	}
	return s.checkRowErrors()
}

// rowError counts a skipped row and escalates once the slice exceeds its budget.
func (s *sliceRun) rowError(ctx context.Context, key models.Row, err error) error {
	r := s.r
	kind := models.KindOf(err)
	s.slice.RowsErrored++
	r.summary(func(sum *models.JobSummary) { sum.CountError(kind, 1) })
	r.e.metrics.Error(kind)
	r.e.metrics.Rows(s.m.Name, "errored", 1)
	s.logger.Warn().Err(err).Interface("key", key).Msg("row skipped")
	r.emit(ctx, models.EventError, s.m.Name, map[string]any{
		"kind":        string(kind),
		"error":       err.Error(),
		"primary_key": map[string]any(key),
	})
	return s.checkRowErrors()
}

// checkRowErrors escalates once rejected rows exceed the slice budget.
func (s *sliceRun) checkRowErrors() error {
	if n := s.slice.RowsErrored + s.rejected; n > s.maxErrs {
		return models.NewSliceError(s.m.Name, fmt.Errorf("%w: %d rows failed", models.ErrRowThresholdExceeded, n))
	}
	return nil
}

type writeResult struct {
	inserted int64
	updated  int64
}

// applyBatch upserts rows in one target transaction.
func (s *sliceRun) applyBatch(ctx context.Context, rows []models.Row) (writeResult, error) {
	tx, err := s.r.dst.Begin(ctx)
	if err != nil {
		return writeResult{}, err
	}
	ins, upd, err := tx.UpsertBatch(ctx, s.m.Target(), s.tkeys, rows)
	if err != nil {
		_ = tx.Rollback()
		return writeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return writeResult{}, err
	}
	return writeResult{inserted: ins, updated: upd}, nil
}

// writeBatch captures the rollback unit, applies the batch and falls back to row by
// row writes when the batch hits a data error. The result covers every committed row,
// also when an error is returned.
func (s *sliceRun) writeBatch(ctx context.Context, rows []models.Row, entries []models.RollbackEntry, phase string) (writeResult, error) {
	r := s.r
	e := r.e
	unit := &models.RollbackUnit{
		ID:         uuid.NewString(),
		JobID:      r.id(),
		Table:      s.m.Target(),
		KeyColumns: s.tkeys,
		Entries:    entries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.ledger.SaveRollbackUnit(context.WithoutCancel(ctx), unit); err != nil {
		return writeResult{}, fmt.Errorf("failed to save rollback unit: %w", err)
	}

	start := time.Now()
	res, err := retry(ctx, e.retry, r.retryNotify("write", s.m.Name), func() (writeResult, error) {
		return s.applyBatch(ctx, rows)
	})
	committed := err == nil
	rowByRow := false
	if err != nil && models.KindOf(err) == models.KindData {
		s.logger.Warn().Err(err).Int("rows", len(rows)).Msg("batch rejected, retrying row by row")
		rowByRow = true
		res, committed, err = s.writeRows(ctx, rows)
	}
	if committed && !rowByRow {
		clear(s.resolved)
	}
	if committed {
		if merr := e.ledger.MarkRollbackApplied(context.WithoutCancel(ctx), unit.ID); merr != nil {
			err = errors.Join(err, fmt.Errorf("failed to mark rollback unit: %w", merr))
		}
	}
	if !committed {
		return res, err
	}
	e.metrics.Batch(s.m.Name, "write", time.Since(start))
	r.emit(ctx, models.EventWriteBatch, s.m.Name, map[string]any{
		"phase":         phase,
		"rows":          len(rows),
		"inserted":      res.inserted,
		"updated":       res.updated,
		"row_by_row":    rowByRow,
		"rollback_unit": unit.ID,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return res, err
}

// writeRows applies rows one transaction each. committed reports whether any row
// reached the target.
func (s *sliceRun) writeRows(ctx context.Context, rows []models.Row) (writeResult, bool, error) {
	var (
		total     writeResult
		committed bool
	)
	for _, row := range rows {
		res, err := retry(ctx, s.r.e.retry, s.r.retryNotify("write", s.m.Name), func() (writeResult, error) {
			return s.applyBatch(ctx, []models.Row{row})
		})
		key := row.Project(s.tkeys)
		id, resolved := s.resolved[models.KeyOf(key, s.tkeys)]
		if err != nil {
			if !models.IsRowLevel(err) {
				return total, committed, err
			}
			if resolved {
				delete(s.resolved, models.KeyOf(key, s.tkeys))
				err = s.conflictRejected(ctx, id, key, err)
			} else {
				err = s.rowError(ctx, key, err)
			}
			if err != nil {
				return total, committed, err
			}
			continue
		}
		delete(s.resolved, models.KeyOf(key, s.tkeys))
		committed = true
		total.inserted += res.inserted
		total.updated += res.updated
	}
	return total, committed, nil
}

// finish records the final slice state.
func (s *sliceRun) finish(ctx context.Context, err error) {
	r := s.r
	now := time.Now().UTC()
	s.slice.EndedAt = &now
	switch {
	case err == nil && ctx.Err() == nil:
		s.slice.Status = models.SliceCompleted
	case ctx.Err() != nil:
		s.slice.Status = models.SliceCancelled
		s.slice.Error = context.Cause(ctx).Error()
	default:
		s.slice.Status = models.SliceFailed
		s.slice.Error = err.Error()
	}
	if perr := r.publish(ctx, s.slice); perr != nil {
		s.logger.Error().Err(perr).Msg("failed to persist slice")
	}
	if s.slice.Status != models.SliceFailed {
		s.logger.Info().Str("status", string(s.slice.Status)).Int64("seen", s.slice.RowsSeen).
			Int64("written", s.slice.RowsWritten).Msg("slice finished")
		return
	}
	kind := models.RootKind(err)
	r.summary(func(sum *models.JobSummary) { sum.CountError(kind, 1) })
	r.e.metrics.Error(kind)
	s.logger.Error().Err(err).Msg("slice failed")
	r.emit(ctx, models.EventError, s.m.Name, map[string]any{"kind": string(kind), "error": err.Error(), "slice": true})
	r.e.notify(models.Notification{
		Category: models.NotifySliceFailed,
		Severity: models.SeverityError,
		JobID:    r.id(),
		Table:    s.m.Name,
		Counts:   totalsCounts(s.slice.Totals()),
		Message:  err.Error(),
	})
}

func totalsCounts(t models.JobTotals) map[string]int64 {
	return map[string]int64{
		"planned":    t.Planned,
		"processed":  t.Processed,
		"written":    t.Written,
		"skipped":    t.Skipped,
		"conflicted": t.Conflicted,
		"errored":    t.Errored,
		"deleted":    t.Deleted,
	}
}
