package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
)

// RollbackJob replays the rollback units of a finished job in reverse order. Failed
// steps are reported in the returned error but do not stop the remaining steps.
func (e *Engine) RollbackJob(ctx context.Context, id string) (*models.SyncJob, error) {
	if _, ok := e.active(id); ok {
		return nil, fmt.Errorf("job %s is still running: %w", id, models.ErrRollbackUnsupported)
	}
	job, err := e.ledger.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransition(models.JobRolledBack) {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrRollbackUnsupported)
	}
	if err := e.ledger.AcquirePairLock(ctx, job.PairKey(), job.ID); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.ledger.ReleasePairLock(context.WithoutCancel(ctx), job.PairKey(), job.ID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", id).Msg("failed to release pair lock")
		}
	}()
	return e.rollback(ctx, job)
}

func (e *Engine) rollback(ctx context.Context, job *models.SyncJob) (*models.SyncJob, error) {
	logger := e.logger.With().Str("job_id", job.ID).Str("phase", "rollback").Logger()
	dst, err := e.connectors.Get(ctx, job.TargetRef)
	if err != nil {
		return nil, fmt.Errorf("failed to open target: %w", err)
	}
	units, err := e.ledger.ListRollbackUnits(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	var (
		reverted, failed int64
		errs             []error
	)
	for _, u := range lo.Reverse(units) {
		if !u.Applied || u.Reverted {
			continue
		}
		_, err := retry(ctx, e.retry, func(err error, wait time.Duration) {
			e.metrics.Retry("rollback")
			logger.Warn().Err(err).Dur("wait", wait).Msg("transient error, retrying")
		}, func() (struct{}, error) {
			return struct{}{}, revertUnit(ctx, dst, u)
		})
		if err == nil {
			err = e.ledger.MarkRollbackReverted(context.WithoutCancel(ctx), u.ID)
		}
		payload := map[string]any{"unit": u.ID, "seq": u.Seq, "rows": len(u.Entries), "ok": err == nil}
		if err != nil {
			failed++
			err = models.NewRollbackError(u.Table, err)
			errs = append(errs, err)
			payload["error"] = err.Error()
			logger.Error().Err(err).Str("unit", u.ID).Msg("rollback step failed")
		} else {
			reverted++
		}
		e.metrics.RollbackStep(u.Table, err == nil)
		e.emit(ctx, job.ID, models.EventRollbackStep, u.Table, payload)
	}

	from := job.Status
	job.Status = models.JobRolledBack
	job.UpdatedAt = time.Now().UTC()
	job.Summary.RollbackPerformed = true
	job.Summary.RollbackFailures += failed
	job.Summary.CountError(models.KindRollback, failed)
	if err := e.ledger.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		errs = append(errs, fmt.Errorf("failed to persist rolled back job: %w", err))
	}
	e.metrics.JobStatus(models.JobRolledBack)
	e.emit(ctx, job.ID, models.EventStateChange, "", map[string]any{
		"from": string(from), "to": string(models.JobRolledBack), "reason": "rollback",
	})

	sev := models.SeverityWarning
	if failed > 0 {
		sev = models.SeverityError
	}
	e.notify(models.Notification{
		Category: models.NotifyRollbackPerformed,
		Severity: sev,
		JobID:    job.ID,
		Counts:   map[string]int64{"units": reverted, "failed": failed},
	})
	logger.Info().Int64("reverted", reverted).Int64("failed", failed).Msg("rollback finished")
	return job, errors.Join(errs...)
}

// revertUnit restores the captured state of one unit in a single transaction: keys
// the batch inserted are deleted, prior rows are written back.
func revertUnit(ctx context.Context, dst connector.Connector, u *models.RollbackUnit) error {
	var (
		deletes  [][]any
		restores []models.Row
	)
	for _, en := range u.Entries {
		if en.Existed {
			restores = append(restores, en.Prior)
		} else {
			deletes = append(deletes, en.Key.Values(u.KeyColumns))
		}
	}
	tx, err := dst.Begin(ctx)
	if err != nil {
		return err
	}
	if len(deletes) > 0 {
		if _, err := tx.DeleteBatch(ctx, u.Table, u.KeyColumns, deletes); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if len(restores) > 0 {
		if _, _, err := tx.UpsertBatch(ctx, u.Table, u.KeyColumns, restores); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
