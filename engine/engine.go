package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/batch"
	"github.com/strahe/assessor-sync/conflict"
	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/mapping"
	"github.com/strahe/assessor-sync/metrics"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
	"github.com/strahe/assessor-sync/sanitize"
	"github.com/strahe/assessor-sync/schema"
	"github.com/strahe/assessor-sync/sink"
	"github.com/strahe/assessor-sync/store"
)

// Connectors resolves endpoint refs. *connector.Registry implements it.
type Connectors interface {
	Get(ctx context.Context, ref string) (connector.Connector, error)
}

// Mappings is the read side of the mapping loader.
type Mappings interface {
	List(dataType string) ([]*models.TableMapping, error)
	Find(name, dataType string) (*models.TableMapping, error)
}

var (
	_ Connectors = (*connector.Registry)(nil)
	_ Mappings   = (*mapping.Loader)(nil)
)

// StartRequest carries the arguments of StartJob.
type StartRequest struct {
	Mode           models.JobMode
	SourceRef      string
	TargetRef      string
	ConflictPolicy models.ConflictPolicy
	// Tables names the mappings to run; empty runs every mapping of Options.DataType.
	Tables     []string
	Options    models.JobOptions
	Owner      string
	Parameters map[string]string
}

func (r StartRequest) validate() error {
	if !r.Mode.Valid() {
		return models.NewConfigError("unknown job mode %q", r.Mode)
	}
	if r.ConflictPolicy != "" && !r.ConflictPolicy.Valid() {
		return models.NewConfigError("unknown conflict policy %q", r.ConflictPolicy)
	}
	for table, p := range r.Options.TablePolicies {
		if !p.Valid() {
			return models.NewConfigError("unknown conflict policy %q for table %s", p, table)
		}
	}
	if r.SourceRef == "" || r.TargetRef == "" {
		return models.NewConfigError("source and target refs are required")
	}
	if r.Options.MaxRowErrors < 0 || r.Options.BatchSize < 0 {
		return models.NewConfigError("max_row_errors and batch_size must not be negative")
	}
	if r.Options.NumericTolerance < 0 {
		return models.NewConfigError("numeric_tolerance must not be negative")
	}
	return nil
}

// Engine drives sync jobs. Each job runs on its own goroutine with one worker per
// table slice, bounded by the concurrency cap.
type Engine struct {
	connectors Connectors
	ledger     store.Ledger
	mappings   Mappings
	sanitizer  *sanitize.Sanitizer
	validator  *schema.Validator
	resolver   *conflict.Resolver
	sizer      *batch.Sizer
	sampler    batch.Sampler
	notifier   sink.Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	hook       func(models.AuditEvent)

	concurrency  int
	retry        RetryPolicy
	maxRowErrors int
	pollInterval time.Duration

	mu     sync.Mutex
	jobs   map[string]*jobRun
	closed bool
	wg     sync.WaitGroup
}

func New(connectors Connectors, ledger store.Ledger, mappings Mappings, sanitizer *sanitize.Sanitizer, options ...Option) *Engine {
	e := &Engine{
		connectors:   connectors,
		ledger:       ledger,
		mappings:     mappings,
		sanitizer:    sanitizer,
		validator:    schema.NewValidator(),
		resolver:     conflict.NewResolver(),
		sizer:        batch.NewSizer(batch.DefaultConfig()),
		sampler:      batch.StaticSampler{},
		notifier:     nopNotifier{},
		logger:       log.Named("engine"),
		concurrency:  4,
		retry:        DefaultRetryPolicy(),
		maxRowErrors: 100,
		pollInterval: 500 * time.Millisecond,
		jobs:         make(map[string]*jobRun),
	}

	// 应用选项
	for _, opt := range options {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	return e
}

type nopNotifier struct{}

func (nopNotifier) Notify(models.Notification) {}

// StartJob validates the request, registers a pending job, takes the pair lock and
// starts the job in the background.
func (e *Engine) StartJob(ctx context.Context, req StartRequest) (string, error) {
	if e.isClosed() {
		return "", models.ErrEngineClosed
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	if req.ConflictPolicy == "" {
		req.ConflictPolicy = models.PolicySourceWins
	}
	ms, err := e.resolveMappings(req)
	if err != nil {
		return "", err
	}
	if req.Mode == models.ModeSelective && req.Options.Filter == "" {
		for _, m := range ms {
			if m.Filter == "" {
				return "", models.NewConfigError("selective mode needs a filter for mapping %s", m.Name)
			}
		}
	}

	src, err := e.connectors.Get(ctx, req.SourceRef)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	dst, err := e.connectors.Get(ctx, req.TargetRef)
	if err != nil {
		return "", fmt.Errorf("failed to open target: %w", err)
	}

	now := time.Now().UTC()
	job := &models.SyncJob{
		ID:             uuid.NewString(),
		Mode:           req.Mode,
		SourceRef:      req.SourceRef,
		TargetRef:      req.TargetRef,
		ConflictPolicy: req.ConflictPolicy,
		Tables:         lo.Map(ms, func(m *models.TableMapping, _ int) string { return m.Name }),
		Status:         models.JobPending,
		Owner:          req.Owner,
		Parameters:     req.Parameters,
		Options:        req.Options,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.ledger.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	if err := e.ledger.AcquirePairLock(ctx, job.PairKey(), job.ID); err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
		job.ErrorKind = models.KindOf(err)
		job.EndedAt = &now
		if uerr := e.ledger.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
			e.logger.Warn().Err(uerr).Str("job_id", job.ID).Msg("failed to record rejected job")
		}
		return "", fmt.Errorf("failed to lock %s: %w", job.PairKey(), err)
	}

	r := newJobRun(e, job, ms, src, dst)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = e.ledger.ReleasePairLock(context.WithoutCancel(ctx), job.PairKey(), job.ID)
		return "", models.ErrEngineClosed
	}
	e.jobs[job.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info().Str("job_id", job.ID).Str("mode", string(job.Mode)).Str("pair", job.PairKey()).
		Strs("tables", job.Tables).Msg("job started")
	go r.run()
	return job.ID, nil
}

func (e *Engine) resolveMappings(req StartRequest) ([]*models.TableMapping, error) {
	var (
		ms  []*models.TableMapping
		err error
	)
	if len(req.Tables) == 0 {
		ms, err = e.mappings.List(req.Options.DataType)
		if err != nil {
			return nil, fmt.Errorf("failed to list mappings: %w", err)
		}
	} else {
		for _, name := range lo.Uniq(req.Tables) {
			m, err := e.mappings.Find(name, req.Options.DataType)
			if err != nil {
				return nil, fmt.Errorf("failed to load mapping %s: %w", name, err)
			}
			ms = append(ms, m)
		}
	}
	if len(ms) == 0 {
		return nil, models.NewConfigError("no mappings selected")
	}
	for _, m := range ms {
		if err := mapping.Validate(m); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) active(id string) (*jobRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.jobs[id]
	return r, ok
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, id)
}

// Wait blocks until the job is no longer running in this engine and returns its
// final record.
func (e *Engine) Wait(ctx context.Context, id string) (*models.SyncJob, error) {
	if r, ok := e.active(id); ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.GetJob(ctx, id)
}

// Close cancels every running job and waits for the workers to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runs := lo.Values(e.jobs)
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel(models.ErrEngineClosed)
	}
	e.wg.Wait()
	return nil
}

// Recover marks jobs left running or paused by a previous process as failed and
// frees their pair locks.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	jobs, err := e.ledger.ListJobs(ctx, models.JobFilter{
		Statuses: []models.JobStatus{models.JobPending, models.JobRunning, models.JobPaused},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if _, ok := e.active(job.ID); ok {
			continue
		}
		from := job.Status
		now := time.Now().UTC()
		job.Status = models.JobFailed
		job.Error = "interrupted: engine restarted"
		job.ErrorKind = models.KindInternal
		job.EndedAt = &now
		job.UpdatedAt = now
		if err := e.ledger.UpdateJob(ctx, job); err != nil {
			return n, fmt.Errorf("failed to update job %s: %w", job.ID, err)
		}
		if err := e.ledger.ReleasePairLock(ctx, job.PairKey(), job.ID); err != nil {
			return n, fmt.Errorf("failed to release lock of %s: %w", job.ID, err)
		}
		e.emit(ctx, job.ID, models.EventStateChange, "", map[string]any{
			"from": string(from), "to": string(models.JobFailed), "reason": job.Error,
		})
		n++
	}
	return n, nil
}

// emit appends an audit event and hands it to the hook. Failures are logged; the
// audit stream never fails a job.
func (e *Engine) emit(ctx context.Context, jobID string, typ models.EventType, table string, payload map[string]any) {
	ev := models.NewEvent(jobID, typ, table, payload)
	if err := e.ledger.AppendEvent(context.WithoutCancel(ctx), &ev); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Str("event", string(typ)).Msg("failed to append audit event")
		return
	}
	if e.hook != nil {
		e.hook(ev)
	}
}

func (e *Engine) notify(n models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	e.notifier.Notify(n)
}
