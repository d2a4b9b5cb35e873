package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/models"
)

// CancelJob requests cooperative cancellation. Workers roll back the batch in flight
// and exit at the next suspension point.
func (e *Engine) CancelJob(ctx context.Context, id string) error {
	if r, ok := e.active(id); ok {
		r.logger.Info().Msg("cancel requested")
		r.cancel(errCancelRequested)
		return nil
	}
	job, err := e.ledger.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrJobNotActive)
	}

	// left behind by another process
	from := job.Status
	now := time.Now().UTC()
	job.Status = models.JobCancelled
	job.Error = errCancelRequested.Error()
	job.ErrorKind = models.KindCancelled
	job.EndedAt = &now
	job.UpdatedAt = now
	if err := e.ledger.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := e.ledger.ReleasePairLock(ctx, job.PairKey(), job.ID); err != nil {
		return err
	}
	e.emit(ctx, id, models.EventStateChange, "", map[string]any{
		"from": string(from), "to": string(models.JobCancelled), "reason": "cancel requested",
	})
	return nil
}

func (e *Engine) PauseJob(ctx context.Context, id string) error {
	r, ok := e.active(id)
	if !ok {
		return e.notActive(ctx, id)
	}
	return r.pause(ctx)
}

func (e *Engine) ResumeJob(ctx context.Context, id string) error {
	r, ok := e.active(id)
	if !ok {
		return e.notActive(ctx, id)
	}
	return r.resume(ctx)
}

func (e *Engine) notActive(ctx context.Context, id string) error {
	if _, err := e.ledger.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, models.ErrJobNotActive)
}

// GetJob returns the live state of a running job and the ledger record otherwise.
func (e *Engine) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	if r, ok := e.active(id); ok {
		return r.snapshot(), nil
	}
	return e.ledger.GetJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	return e.ledger.ListJobs(ctx, filter)
}

func (e *Engine) ListSlices(ctx context.Context, jobID string) ([]*models.TableSlice, error) {
	return e.ledger.ListSlices(ctx, jobID)
}

func (e *Engine) ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]*models.ConflictRecord, error) {
	return e.ledger.ListConflicts(ctx, filter)
}

// PurgeJobs removes terminal jobs that ended before olderThan.
func (e *Engine) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := e.ledger.PurgeJobs(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	e.logger.Info().Int64("jobs", n).Time("older_than", olderThan).Msg("purged jobs")
	return n, nil
}

func (e *Engine) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return e.ledger.GetConflict(ctx, id)
}

// ResolveConflict settles a manual conflict. source_wins writes the source snapshot
// to the target, captured for rollback under the conflict's job; target_wins keeps the
// target as is.
func (e *Engine) ResolveConflict(ctx context.Context, id string, decision models.Resolution, resolver, note string) (*models.ConflictRecord, error) {
	if decision != models.ResolutionSourceWins && decision != models.ResolutionTargetWins {
		return nil, models.NewConfigError("decision must be %s or %s, got %q", models.ResolutionSourceWins, models.ResolutionTargetWins, decision)
	}
	if resolver == "" {
		resolver = "operator"
	}
	c, err := e.ledger.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Pending() {
		return nil, fmt.Errorf("conflict %s: %w", id, models.ErrConflictResolved)
	}
	job, err := e.ledger.GetJob(ctx, c.JobID)
	if err != nil {
		return nil, err
	}

	if decision == models.ResolutionSourceWins {
		if err := e.applySourceLocked(ctx, job, c); err != nil {
			return nil, fmt.Errorf("failed to apply conflict %s: %w", id, err)
		}
	}
	rec, err := e.ledger.ResolveConflict(ctx, id, decision, resolver, note, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	e.metrics.Resolution(decision)
	e.emit(ctx, job.ID, models.EventResolveConflict, c.Table, map[string]any{
		"conflict_id": id,
		"resolution":  string(decision),
		"resolver":    resolver,
		"note":        note,
	})

	if _, running := e.active(job.ID); !running {
		pending, err := e.ledger.ListConflicts(ctx, models.ConflictFilter{JobID: job.ID, Resolution: models.ResolutionManualPending})
		if err == nil {
			job.Summary.ManualPending = int64(len(pending))
			job.UpdatedAt = time.Now().UTC()
			err = e.ledger.UpdateJob(ctx, job)
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to refresh manual pending count")
		}
	}
	return rec, nil
}

// applySourceLocked writes the source snapshot while holding the pair lock, so a
// manual resolution never interleaves with a job syncing the same pair.
func (e *Engine) applySourceLocked(ctx context.Context, job *models.SyncJob, c *models.ConflictRecord) error {
	if _, running := e.active(job.ID); running || job.Status.Active() {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, models.ErrPairBusy)
	}
	if err := e.ledger.AcquirePairLock(ctx, job.PairKey(), job.ID); err != nil {
		return err
	}
	defer func() {
		if err := e.ledger.ReleasePairLock(context.WithoutCancel(ctx), job.PairKey(), job.ID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to release pair lock")
		}
	}()
	return e.applySource(ctx, job, c)
}

func (e *Engine) applySource(ctx context.Context, job *models.SyncJob, c *models.ConflictRecord) error {
	slices, err := e.ledger.ListSlices(ctx, job.ID)
	if err != nil {
		return err
	}
	slice, ok := lo.Find(slices, func(s *models.TableSlice) bool { return s.Table == c.Table })
	if !ok {
		return fmt.Errorf("slice %s of job %s: %w", c.Table, job.ID, models.ErrNotFound)
	}
	dst, err := e.connectors.Get(ctx, job.TargetRef)
	if err != nil {
		return err
	}
	keyCols := lo.Keys(map[string]any(c.PrimaryKey))
	sort.Strings(keyCols)
	cols := lo.Keys(map[string]any(c.SourceSnapshot))
	sort.Strings(cols)

	current, err := dst.FetchByKeys(ctx, slice.TargetTable, keyCols, cols, [][]any{c.PrimaryKey.Values(keyCols)})
	if err != nil {
		return err
	}
	entry := models.RollbackEntry{Key: c.PrimaryKey}
	if len(current) > 0 {
		entry.Existed = true
		entry.Prior = current[0]
	}
	unit := &models.RollbackUnit{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Table:      slice.TargetTable,
		KeyColumns: keyCols,
		Entries:    []models.RollbackEntry{entry},
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.ledger.SaveRollbackUnit(ctx, unit); err != nil {
		return err
	}
	tx, err := dst.Begin(ctx)
	if err != nil {
		return err
	}
	if _, _, err := tx.UpsertBatch(ctx, slice.TargetTable, keyCols, []models.Row{c.SourceSnapshot}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.ledger.MarkRollbackApplied(context.WithoutCancel(ctx), unit.ID)
}
