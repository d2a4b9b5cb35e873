package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/schema"
)

// errCancelRequested is the cancellation cause of an operator cancel.
var errCancelRequested = errors.New("cancel requested")

// jobRun is the in-memory state of one running job.
type jobRun struct {
	e        *Engine
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}
	mappings []*models.TableMapping
	src, dst connector.Connector
	logger   zerolog.Logger

	mu     sync.Mutex
	job    *models.SyncJob
	slices map[string]*models.TableSlice
	// gate is non-nil while the job is paused and closed on resume.
	gate      chan struct{}
	finishing bool
	failed    []string
	first     error
}

func newJobRun(e *Engine, job *models.SyncJob, ms []*models.TableMapping, src, dst connector.Connector) *jobRun {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &jobRun{
		e:        e,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		mappings: ms,
		src:      src,
		dst:      dst,
		logger:   e.logger.With().Str("job_id", job.ID).Logger(),
		job:      job,
		slices:   make(map[string]*models.TableSlice),
	}
}

func (r *jobRun) id() string { return r.job.ID }

// snapshot returns a copy of the job safe to hand out.
func (r *jobRun) snapshot() *models.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.job
	return &cp
}

func (r *jobRun) emit(ctx context.Context, typ models.EventType, table string, payload map[string]any) {
	r.e.emit(ctx, r.id(), typ, table, payload)
}

// transition moves the job to status `to`, persists it and records a state_change event.
func (r *jobRun) transition(ctx context.Context, to models.JobStatus, reason string) error {
	r.mu.Lock()
	from := r.job.Status
	if !from.CanTransition(to) {
		r.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	r.job.Status = to
	r.job.UpdatedAt = now
	if to.Terminal() {
		r.job.EndedAt = &now
	}
	cp := *r.job
	r.mu.Unlock()

	if err := r.e.ledger.UpdateJob(context.WithoutCancel(ctx), &cp); err != nil {
		return fmt.Errorf("failed to persist job status: %w", err)
	}
	r.e.metrics.JobStatus(to)
	r.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("job status changed")
	r.emit(ctx, models.EventStateChange, "", map[string]any{"from": string(from), "to": string(to), "reason": reason})
	return nil
}

// publish stores a copy of the slice, refreshes the job totals and persists both.
func (r *jobRun) publish(ctx context.Context, s *models.TableSlice) error {
	cp := *s
	r.mu.Lock()
	r.slices[s.Table] = &cp
	var totals models.JobTotals
	for _, sl := range r.slices {
		totals.Add(sl.Totals())
	}
	r.job.Totals = totals
	r.job.UpdatedAt = time.Now().UTC()
	job := *r.job
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if err := r.e.ledger.SaveSlice(ctx, &cp); err != nil {
		return fmt.Errorf("failed to save slice %s: %w", s.Table, err)
	}
	if err := r.e.ledger.UpdateJob(ctx, &job); err != nil {
		return fmt.Errorf("failed to save job totals: %w", err)
	}
	return nil
}

func (r *jobRun) summary(fn func(s *models.JobSummary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job.Summary)
}

func (r *jobRun) sliceFailed(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, name)
	if r.first == nil {
		r.first = err
	}
	r.job.Summary.FailedSlices = append(r.job.Summary.FailedSlices, name)
}

// pause closes the gate between batches.
func (r *jobRun) pause(ctx context.Context) error {
	r.mu.Lock()
	if r.finishing {
		r.mu.Unlock()
		return fmt.Errorf("job %s is finishing: %w", r.id(), models.ErrJobNotActive)
	}
	if r.job.Status != models.JobRunning {
		status := r.job.Status
		r.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", status, models.JobPaused, models.ErrInvalidTransition)
	}
	if r.gate == nil {
		r.gate = make(chan struct{})
	}
	r.mu.Unlock()
	return r.transition(ctx, models.JobPaused, "pause requested")
}

func (r *jobRun) resume(ctx context.Context) error {
	if err := r.transition(ctx, models.JobRunning, "resume requested"); err != nil {
		return err
	}
	r.mu.Lock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
	r.mu.Unlock()
	return nil
}

// settle waits for a paused job to be resumed or cancelled, then blocks further pauses.
func (r *jobRun) settle() {
	for {
		_ = r.waitIfPaused(r.ctx)
		r.mu.Lock()
		if r.gate == nil || r.ctx.Err() != nil {
			r.finishing = true
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// waitIfPaused blocks while the job is paused.
func (r *jobRun) waitIfPaused(ctx context.Context) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate == nil {
		return context.Cause(ctx)
	}
	select {
	case <-gate:
		return context.Cause(ctx)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// retryNotify counts and logs a retry of op.
func (r *jobRun) retryNotify(op, table string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		r.summary(func(s *models.JobSummary) { s.Retries++ })
		r.e.metrics.Retry(op)
		r.logger.Warn().Err(err).Str("table", table).Str("op", op).Dur("wait", wait).Msg("transient error, retrying")
	}
}

func (r *jobRun) run() {
	e := r.e
	defer func() {
		r.cancel(nil)
		if err := e.ledger.ReleasePairLock(context.Background(), r.job.PairKey(), r.id()); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release pair lock")
		}
		e.forget(r.id())
		close(r.done)
		e.wg.Done()
	}()

	if err := r.transition(r.ctx, models.JobRunning, "started"); err != nil {
		r.logger.Error().Err(err).Msg("failed to start job")
		r.finish(err)
		return
	}
	e.metrics.ActiveJobs(1)
	defer e.metrics.ActiveJobs(-1)
	e.notify(models.Notification{
		Category: models.NotifyJobStarted,
		Severity: models.SeverityInfo,
		JobID:    r.id(),
		Message:  fmt.Sprintf("%s sync %s", r.job.Mode, r.job.PairKey()),
	})

	r.finish(r.execute(r.ctx))
}

func (r *jobRun) execute(ctx context.Context) error {
	levels := planLevels(r.mappings)
	r.emit(ctx, models.EventPlan, "", map[string]any{
		"mode":   string(r.job.Mode),
		"policy": string(r.job.ConflictPolicy),
		"tables": r.job.Tables,
		"levels": lo.Map(levels, func(l []group, _ int) []string {
			return lo.FlatMap(l, func(g group, _ int) []string { return g.names() })
		}),
	})

	if err := r.validate(ctx); err != nil {
		return err
	}

	for _, level := range levels {
		if err := r.runLevel(ctx, level); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	if r.deletesEnabled() {
		for i := len(levels) - 1; i >= 0; i-- {
			for _, g := range levels[i] {
				for j := len(g.mappings) - 1; j >= 0; j-- {
					m := g.mappings[j]
					if lo.Contains(r.failedSlices(), m.Name) {
						continue
					}
					if err := r.deleteMissing(ctx, m); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						r.sliceFailed(m.Name, err)
						if r.job.Options.FailFast {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

func (r *jobRun) failedSlices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

// deletesEnabled reports whether target rows missing from the source are removed.
func (r *jobRun) deletesEnabled() bool {
	if r.job.Mode != models.ModeFull || r.job.Options.SkipDeletes || r.job.Options.Filter != "" {
		return false
	}
	switch r.job.ConflictPolicy {
	case models.PolicyTargetWins, models.PolicyManual:
		return false
	}
	return true
}

// validate checks every mapping against both schemas before anything is extracted.
func (r *jobRun) validate(ctx context.Context) error {
	opts := schema.Options{AutoMigration: r.job.Options.AutoMigration, AllowDrift: r.job.Options.AllowDrift}
	for i, m := range r.mappings {
		res, err := retry(ctx, r.e.retry, r.retryNotify("validate", m.Name), func() (*schema.Result, error) {
			return r.e.validator.Check(ctx, m, r.src, r.dst, opts)
		})
		payload := map[string]any{"ok": err == nil}
		if res != nil {
			for k, v := range res.Report.Payload() {
				payload[k] = v
			}
			if len(res.Applied) > 0 {
				payload["migrations"] = res.Applied
				r.summary(func(s *models.JobSummary) { s.Migrations = append(s.Migrations, res.Applied...) })
			}
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		r.emit(ctx, models.EventValidate, m.Name, payload)
		if err != nil {
			return err
		}
		if res != nil && r.job.Options.AllowDrift && !res.Report.Empty() {
			r.mappings[i] = trimDrift(m, res.Report)
		}
	}
	return nil
}

// trimDrift drops the fields one side does not have so a drifting mapping can run.
func trimDrift(m *models.TableMapping, rep *schema.Report) *models.TableMapping {
	out := m.Clone()
	out.Fields = lo.Filter(out.Fields, func(f models.FieldMapping, _ int) bool {
		if lo.Contains(m.PrimaryKeys, f.SourceName) {
			return true
		}
		return !lo.Contains(rep.SourceMissingColumns, f.SourceName) && !lo.Contains(rep.MissingColumns, f.TargetName)
	})
	return out
}

func (r *jobRun) mappingByName(name string) *models.TableMapping {
	for _, m := range r.mappings {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// runLevel runs the groups of one level concurrently. The returned error is only set
// when fail_fast stops the job.
func (r *jobRun) runLevel(ctx context.Context, level []group) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.concurrency)
	for _, grp := range level {
		// validation may have replaced the mappings with trimmed copies
		for i, m := range grp.mappings {
			grp.mappings[i] = r.mappingByName(m.Name)
		}
		g.Go(func() error {
			err := r.runGroup(gctx, grp)
			if err == nil {
				return nil
			}
			if r.job.Options.FailFast {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *jobRun) runGroup(ctx context.Context, g group) error {
	fixups := make(map[string][]models.Row, len(g.mappings))
	for _, m := range g.mappings {
		rows, err := r.runSlice(ctx, m, g.deferred[m.Name])
		if err != nil {
			return err
		}
		fixups[m.Name] = rows
	}
	if !g.cyclic {
		return nil
	}
	for _, m := range g.mappings {
		if err := r.applyFixups(ctx, m, fixups[m.Name]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.sliceFailed(m.Name, err)
			return err
		}
	}
	return nil
}

// finish settles the final status, writes the summary and performs the automatic
// rollback when requested.
func (r *jobRun) finish(execErr error) {
	e := r.e
	ctx := context.WithoutCancel(r.ctx)
	r.settle()
	cause := context.Cause(r.ctx)

	r.mu.Lock()
	status := models.JobCompleted
	reason := "all slices completed"
	switch {
	case r.ctx.Err() != nil:
		status = models.JobCancelled
		r.job.Error = cause.Error()
		r.job.ErrorKind = models.KindCancelled
		reason = cause.Error()
	case execErr != nil:
		status = models.JobFailed
		r.job.Error = execErr.Error()
		r.job.ErrorKind = models.RootKind(execErr)
		reason = "job failed"
	case len(r.failed) > 0:
		status = models.JobFailed
		r.job.Error = fmt.Sprintf("slices failed: %v", r.failed)
		r.job.ErrorKind = models.RootKind(r.first)
		reason = "slice failure"
	}
	sort.Strings(r.job.Summary.FailedSlices)
	r.mu.Unlock()

	pending, err := e.ledger.ListConflicts(ctx, models.ConflictFilter{JobID: r.id(), Resolution: models.ResolutionManualPending})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to count manual conflicts")
	}
	r.summary(func(s *models.JobSummary) { s.ManualPending = int64(len(pending)) })

	job := r.snapshot()
	r.emit(ctx, models.EventComplete, "", map[string]any{
		"status":  string(status),
		"totals":  job.Totals,
		"summary": job.Summary,
	})
	if err := r.transition(ctx, status, reason); err != nil {
		r.logger.Error().Err(err).Msg("failed to record final status")
	}

	job = r.snapshot()
	counts := totalsCounts(job.Totals)
	counts["manual_pending"] = job.Summary.ManualPending
	switch status {
	case models.JobCompleted:
		e.notify(models.Notification{Category: models.NotifyJobCompleted, Severity: models.SeverityInfo, JobID: job.ID, Counts: counts})
	case models.JobFailed:
		e.notify(models.Notification{Category: models.NotifyJobFailed, Severity: models.SeverityError, JobID: job.ID, Counts: counts, Message: job.Error})
	case models.JobCancelled:
		e.notify(models.Notification{Category: models.NotifyJobFailed, Severity: models.SeverityWarning, JobID: job.ID, Counts: counts, Message: "cancelled: " + job.Error})
	}
	if job.Summary.SanitizedFields > 0 {
		e.notify(models.Notification{
			Category: models.NotifySanitizationSummary,
			Severity: models.SeverityInfo,
			JobID:    job.ID,
			Counts:   map[string]int64{"sanitized_fields": job.Summary.SanitizedFields},
		})
	}
	if err := job.Totals.Check(); err != nil {
		r.logger.Warn().Err(err).Msg("job counters inconsistent")
	}
	r.logger.Info().Str("status", string(status)).Int64("processed", job.Totals.Processed).
		Int64("written", job.Totals.Written).Int64("conflicted", job.Totals.Conflicted).
		Int64("errored", job.Totals.Errored).Msg("job finished")

	if (status == models.JobFailed && job.Options.EnableRollback) ||
		(status == models.JobCancelled && job.Options.RollbackOnCancel) {
		if _, err := e.rollback(ctx, job); err != nil {
			r.logger.Error().Err(err).Msg("automatic rollback failed")
		}
	}
}
