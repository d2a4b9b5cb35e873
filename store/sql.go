package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

var _ Ledger = (*SQLLedger)(nil)

// SQLLedger keeps the ledger in sync_* tables of any database/sql endpoint the
// connector layer can open.
type SQLLedger struct {
	db      *sql.DB
	dialect connector.Dialect
	owned   *connector.SQLConnector
	logger  zerolog.Logger

	mu       sync.Mutex
	eventSeq map[string]int64
	unitSeq  map[string]int64
}

// NewSQLLedger stores the ledger next to the data of an already open connector. The
// connector stays owned by the caller.
func NewSQLLedger(c *connector.SQLConnector) *SQLLedger {
	return newSQLLedger(c.DB(), c.Dialect())
}

// OpenSQLLedger opens a dedicated connection for the ledger and closes it on Close.
func OpenSQLLedger(ctx context.Context, uri string, pool connector.PoolConfig) (*SQLLedger, error) {
	c, err := connector.Open(ctx, "ledger", uri, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l := newSQLLedger(c.DB(), c.Dialect())
	l.owned = c
	return l, nil
}

func newSQLLedger(db *sql.DB, d connector.Dialect) *SQLLedger {
	return &SQLLedger{
		db:       db,
		dialect:  d,
		logger:   log.Named("ledger"),
		eventSeq: make(map[string]int64),
		unitSeq:  make(map[string]int64),
	}
}

func (l *SQLLedger) Migrate(ctx context.Context) error {
	for _, stmt := range ledgerDDL {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate ledger: %w", err)
		}
	}
	l.logger.Debug().Int("statements", len(ledgerDDL)).Msg("ledger schema ready")
	return nil
}

func (l *SQLLedger) Close() error {
	if l.owned != nil {
		return l.owned.Close()
	}
	return nil
}

func (l *SQLLedger) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return l.db.ExecContext(ctx, rebind(l.dialect, q), args...)
}

func (l *SQLLedger) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return l.db.QueryContext(ctx, rebind(l.dialect, q), args...)
}

func (l *SQLLedger) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return l.db.QueryRowContext(ctx, rebind(l.dialect, q), args...)
}

// ---- jobs ----

const jobColumns = `job_id, mode, source_ref, target_ref, conflict_policy, status, owner,
	tables_json, parameters_json, options_json, totals_json, summary_json, error, error_kind,
	started_at, ended_at, updated_at`

func jobArgs(j *models.SyncJob) ([]any, error) {
	tables, err := marshal(lo.Ternary(j.Tables == nil, []string{}, j.Tables))
	if err != nil {
		return nil, err
	}
	params, err := marshal(lo.Ternary(j.Parameters == nil, map[string]string{}, j.Parameters))
	if err != nil {
		return nil, err
	}
	opts, err := marshal(j.Options)
	if err != nil {
		return nil, err
	}
	totals, err := marshal(j.Totals)
	if err != nil {
		return nil, err
	}
	summary, err := marshal(j.Summary)
	if err != nil {
		return nil, err
	}
	return []any{
		string(j.Mode), j.SourceRef, j.TargetRef, string(j.ConflictPolicy), string(j.Status), j.Owner,
		tables, params, opts, totals, summary, j.Error, string(j.ErrorKind),
		formatTime(j.StartedAt), formatTimePtr(j.EndedAt), formatTime(j.UpdatedAt),
	}, nil
}

func (l *SQLLedger) CreateJob(ctx context.Context, j *models.SyncJob) error {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now().UTC()
	}
	args, err := jobArgs(j)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", j.ID, err)
	}
	_, err = l.exec(ctx, `INSERT INTO sync_jobs (job_id, pair_key, mode, source_ref, target_ref,
		conflict_policy, status, owner, tables_json, parameters_json, options_json, totals_json,
		summary_json, error, error_kind, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{j.ID, j.PairKey()}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", j.ID, err)
	}
	return nil
}

func (l *SQLLedger) UpdateJob(ctx context.Context, j *models.SyncJob) error {
	j.UpdatedAt = time.Now().UTC()
	args, err := jobArgs(j)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", j.ID, err)
	}
	res, err := l.exec(ctx, `UPDATE sync_jobs SET mode = ?, source_ref = ?, target_ref = ?,
		conflict_policy = ?, status = ?, owner = ?, tables_json = ?, parameters_json = ?,
		options_json = ?, totals_json = ?, summary_json = ?, error = ?, error_kind = ?,
		started_at = ?, ended_at = ?, updated_at = ? WHERE job_id = ?`,
		append(args, j.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, models.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.SyncJob, error) {
	var (
		j                                     models.SyncJob
		mode, policy, status, kind            string
		tables, params, opts, totals, summary string
		started, updated                      string
		ended                                 sql.NullString
	)
	if err := s.Scan(&j.ID, &mode, &j.SourceRef, &j.TargetRef, &policy, &status, &j.Owner,
		&tables, &params, &opts, &totals, &summary, &j.Error, &kind,
		&started, &ended, &updated); err != nil {
		return nil, err
	}
	j.Mode = models.JobMode(mode)
	j.ConflictPolicy = models.ConflictPolicy(policy)
	j.Status = models.JobStatus(status)
	j.ErrorKind = models.ErrorKind(kind)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{tables, &j.Tables},
		{params, &j.Parameters},
		{opts, &j.Options},
		{totals, &j.Totals},
		{summary, &j.Summary},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", j.ID, err)
		}
	}
	var err error
	if j.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if j.EndedAt, err = parseTimePtr(ended); err != nil {
		return nil, err
	}
	return &j, nil
}

func (l *SQLLedger) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	row := l.queryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return j, nil
}

func (l *SQLLedger) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.SyncJob, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.SourceRef != "" {
		conds = append(conds, "source_ref = ?")
		args = append(args, f.SourceRef)
	}
	if f.TargetRef != "" {
		conds = append(conds, "target_ref = ?")
		args = append(args, f.TargetRef)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "started_at < ?")
		args = append(args, formatTime(f.Until))
	}
	q := `SELECT ` + jobColumns + ` FROM sync_jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC, job_id" + limitClause(f.Limit, f.Offset)

	rows, err := l.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	var out []*models.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- slices ----

const sliceColumns = `job_id, table_name, target_table, primary_keys_json, filter_expr, checkpoint_json,
	planned, rows_seen, rows_written, rows_skipped, rows_errored, rows_conflicted, rows_deleted,
	batches, status, error, started_at, ended_at`

func (l *SQLLedger) SaveSlice(ctx context.Context, s *models.TableSlice) error {
	pks, err := marshal(lo.Ternary(s.PrimaryKeys == nil, []string{}, s.PrimaryKeys))
	if err != nil {
		return err
	}
	var cp any
	if s.Checkpoint != nil {
		enc, err := marshal(s.Checkpoint)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint of %s: %w", s.Table, err)
		}
		cp = enc
	}
	now := formatTime(time.Now())
	vals := []any{s.TargetTable, pks, s.Filter, cp, s.Planned, s.RowsSeen, s.RowsWritten,
		s.RowsSkipped, s.RowsErrored, s.RowsConflicted, s.RowsDeleted, s.Batches,
		string(s.Status), s.Error, formatTime(s.StartedAt), formatTimePtr(s.EndedAt), now}

	res, err := l.exec(ctx, `UPDATE sync_slices SET target_table = ?, primary_keys_json = ?,
		filter_expr = ?, checkpoint_json = ?, planned = ?, rows_seen = ?, rows_written = ?,
		rows_skipped = ?, rows_errored = ?, rows_conflicted = ?, rows_deleted = ?, batches = ?,
		status = ?, error = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE job_id = ? AND table_name = ?`, append(vals, s.JobID, s.Table)...)
	if err != nil {
		return fmt.Errorf("failed to save slice %s/%s: %w", s.JobID, s.Table, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = l.exec(ctx, `INSERT INTO sync_slices (target_table, primary_keys_json, filter_expr,
		checkpoint_json, planned, rows_seen, rows_written, rows_skipped, rows_errored,
		rows_conflicted, rows_deleted, batches, status, error, started_at, ended_at, updated_at,
		job_id, table_name) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append(vals, s.JobID, s.Table)...)
	if err != nil {
		return fmt.Errorf("failed to save slice %s/%s: %w", s.JobID, s.Table, err)
	}
	return nil
}

func scanSlice(s scanner) (*models.TableSlice, error) {
	var (
		sl          models.TableSlice
		pks, status string
		cp, ended   sql.NullString
		started     string
	)
	if err := s.Scan(&sl.JobID, &sl.Table, &sl.TargetTable, &pks, &sl.Filter, &cp,
		&sl.Planned, &sl.RowsSeen, &sl.RowsWritten, &sl.RowsSkipped, &sl.RowsErrored,
		&sl.RowsConflicted, &sl.RowsDeleted, &sl.Batches, &status, &sl.Error,
		&started, &ended); err != nil {
		return nil, err
	}
	sl.Status = models.SliceStatus(status)
	if err := json.Unmarshal([]byte(pks), &sl.PrimaryKeys); err != nil {
		return nil, err
	}
	if cp.Valid && cp.String != "" {
		sl.Checkpoint = &models.Checkpoint{}
		if err := json.Unmarshal([]byte(cp.String), sl.Checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	}
	var err error
	if sl.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if sl.EndedAt, err = parseTimePtr(ended); err != nil {
		return nil, err
	}
	return &sl, nil
}

func (l *SQLLedger) ListSlices(ctx context.Context, jobID string) ([]*models.TableSlice, error) {
	rows, err := l.query(ctx, `SELECT `+sliceColumns+` FROM sync_slices WHERE job_id = ?
		ORDER BY started_at, table_name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices of %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*models.TableSlice
	for rows.Next() {
		s, err := scanSlice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slice: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *SQLLedger) LatestCheckpoint(ctx context.Context, sourceRef, targetRef, table, excludeJob string) (*models.Checkpoint, error) {
	var raw string
	err := l.queryRow(ctx, `SELECT s.checkpoint_json FROM sync_slices s
		JOIN sync_jobs j ON j.job_id = s.job_id
		WHERE j.source_ref = ? AND j.target_ref = ? AND s.table_name = ? AND j.job_id <> ?
		AND j.mode = ? AND j.status <> ? AND s.checkpoint_json IS NOT NULL
		ORDER BY s.updated_at DESC LIMIT 1`,
		sourceRef, targetRef, table, excludeJob, string(models.ModeIncremental), string(models.JobRolledBack)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint of %s: %w", table, err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint of %s: %w", table, err)
	}
	return &cp, nil
}

// ---- conflicts ----

const conflictColumns = `conflict_id, job_id, table_name, primary_key_json, detected_at,
	source_json, target_json, diffs_json, policy_applied, resolution, resolved_at, resolver, notes_json`

func (l *SQLLedger) SaveConflict(ctx context.Context, c *models.ConflictRecord) error {
	enc := make([]string, 5)
	for i, v := range []any{
		c.PrimaryKey, c.SourceSnapshot, c.TargetSnapshot,
		lo.Ternary(c.DifferingFields == nil, map[string]models.FieldDiff{}, c.DifferingFields),
		lo.Ternary(c.Notes == nil, []string{}, c.Notes),
	} {
		s, err := marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode conflict %s: %w", c.ID, err)
		}
		enc[i] = s
	}
	_, err := l.exec(ctx, `INSERT INTO sync_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.JobID, c.Table, enc[0], formatTime(c.DetectedAt), enc[1], enc[2], enc[3],
		string(c.PolicyApplied), string(c.Resolution), formatTimePtr(c.ResolvedAt), c.Resolver, enc[4])
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
	}
	return nil
}

func scanConflict(s scanner) (*models.ConflictRecord, error) {
	var (
		c                            models.ConflictRecord
		pk, src, dst, diffs, notes   string
		detected, policy, resolution string
		resolved                     sql.NullString
	)
	if err := s.Scan(&c.ID, &c.JobID, &c.Table, &pk, &detected, &src, &dst, &diffs,
		&policy, &resolution, &resolved, &c.Resolver, &notes); err != nil {
		return nil, err
	}
	c.PolicyApplied = models.ConflictPolicy(policy)
	c.Resolution = models.Resolution(resolution)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{pk, &c.PrimaryKey},
		{src, &c.SourceSnapshot},
		{dst, &c.TargetSnapshot},
		{diffs, &c.DifferingFields},
		{notes, &c.Notes},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", c.ID, err)
		}
	}
	var err error
	if c.DetectedAt, err = parseTime(detected); err != nil {
		return nil, err
	}
	if c.ResolvedAt, err = parseTimePtr(resolved); err != nil {
		return nil, err
	}
	return &c, nil
}

func (l *SQLLedger) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	c, err := scanConflict(l.queryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE conflict_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

// ResolveConflict moves a pending conflict to its final resolution. The update is
// conditional on the record still being pending so two resolvers cannot both win.
func (l *SQLLedger) ResolveConflict(ctx context.Context, id string, resolution models.Resolution, resolver, note string, at time.Time) (*models.ConflictRecord, error) {
	c, err := l.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Pending() {
		return nil, fmt.Errorf("conflict %s is %s: %w", id, c.Resolution, models.ErrConflictResolved)
	}
	if note != "" {
		c.Notes = append(c.Notes, note)
	}
	notes, err := marshal(lo.Ternary(c.Notes == nil, []string{}, c.Notes))
	if err != nil {
		return nil, err
	}
	res, err := l.exec(ctx, `UPDATE sync_conflicts SET resolution = ?, resolved_at = ?, resolver = ?,
		notes_json = ? WHERE conflict_id = ? AND resolution = ?`,
		string(resolution), formatTime(at), resolver, notes, id, string(models.ResolutionManualPending))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conflict %s: %w", id, models.ErrConflictResolved)
	}
	at = at.UTC()
	c.Resolution = resolution
	c.ResolvedAt = &at
	c.Resolver = resolver
	return c, nil
}

func (l *SQLLedger) AnnotateConflict(ctx context.Context, id, note string) error {
	c, err := l.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	notes, err := marshal(append(c.Notes, note))
	if err != nil {
		return err
	}
	if _, err := l.exec(ctx, `UPDATE sync_conflicts SET notes_json = ? WHERE conflict_id = ?`, notes, id); err != nil {
		return fmt.Errorf("failed to annotate conflict %s: %w", id, err)
	}
	return nil
}

// ReopenConflict returns a conflict to manual_pending and clears its resolution.
// The engine calls it when the write carrying a system resolution was rejected.
func (l *SQLLedger) ReopenConflict(ctx context.Context, id, note string) error {
	c, err := l.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	notes, err := marshal(append(c.Notes, note))
	if err != nil {
		return err
	}
	if _, err := l.exec(ctx, `UPDATE sync_conflicts SET resolution = ?, resolved_at = NULL, resolver = '',
		notes_json = ? WHERE conflict_id = ?`, string(models.ResolutionManualPending), notes, id); err != nil {
		return fmt.Errorf("failed to reopen conflict %s: %w", id, err)
	}
	return nil
}

func (l *SQLLedger) ListConflicts(ctx context.Context, f models.ConflictFilter) ([]*models.ConflictRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.Resolution != "" {
		conds = append(conds, "resolution = ?")
		args = append(args, string(f.Resolution))
	}
	q := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY detected_at, conflict_id" + limitClause(f.Limit, f.Offset)

	rows, err := l.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()
	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- events ----

// nextSeq hands out per-job sequence numbers, seeded from the table on first use.
func (l *SQLLedger) nextSeq(ctx context.Context, cache map[string]int64, table, jobID string) (int64, error) {
	seq, ok := cache[jobID]
	if !ok {
		var last sql.NullInt64
		if err := l.queryRow(ctx, `SELECT MAX(seq) FROM `+table+` WHERE job_id = ?`, jobID).Scan(&last); err != nil {
			return 0, err
		}
		seq = last.Int64
	}
	seq++
	cache[jobID] = seq
	return seq, nil
}

func (l *SQLLedger) AppendEvent(ctx context.Context, ev *models.AuditEvent) error {
	payload, err := marshal(lo.Ternary(ev.Payload == nil, map[string]any{}, ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.nextSeq(ctx, l.eventSeq, "sync_events", ev.JobID)
	if err != nil {
		return fmt.Errorf("failed to allocate event sequence: %w", err)
	}
	if _, err := l.exec(ctx, `INSERT INTO sync_events (job_id, seq, event_type, table_name, ts, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.JobID, seq, string(ev.Type), ev.Table, formatTime(ev.Timestamp), payload); err != nil {
		delete(l.eventSeq, ev.JobID)
		return fmt.Errorf("failed to append %s event: %w", ev.Type, err)
	}
	ev.Seq = seq
	return nil
}

func (l *SQLLedger) ListEvents(ctx context.Context, jobID string, after int64, limit int) ([]models.AuditEvent, error) {
	rows, err := l.query(ctx, `SELECT seq, event_type, table_name, ts, payload_json FROM sync_events
		WHERE job_id = ? AND seq > ? ORDER BY seq`+limitClause(limit, 0), jobID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list events of %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev          models.AuditEvent
			typ, ts, pl string
		)
		if err := rows.Scan(&ev.Seq, &typ, &ev.Table, &ts, &pl); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.JobID = jobID
		ev.Type = models.EventType(typ)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pl), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- rollback units ----

func (l *SQLLedger) SaveRollbackUnit(ctx context.Context, u *models.RollbackUnit) error {
	keys, err := marshal(u.KeyColumns)
	if err != nil {
		return err
	}
	entries, err := marshal(lo.Ternary(u.Entries == nil, []models.RollbackEntry{}, u.Entries))
	if err != nil {
		return fmt.Errorf("failed to encode rollback unit of %s: %w", u.Table, err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.nextSeq(ctx, l.unitSeq, "sync_rollback_units", u.JobID)
	if err != nil {
		return fmt.Errorf("failed to allocate rollback sequence: %w", err)
	}
	if _, err := l.exec(ctx, `INSERT INTO sync_rollback_units (unit_id, job_id, seq, table_name,
		key_columns_json, entries_json, applied, reverted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.JobID, seq, u.Table, keys, entries, boolInt(u.Applied), boolInt(u.Reverted), formatTime(u.CreatedAt)); err != nil {
		delete(l.unitSeq, u.JobID)
		return fmt.Errorf("failed to save rollback unit of %s: %w", u.Table, err)
	}
	u.Seq = seq
	return nil
}

func (l *SQLLedger) markUnit(ctx context.Context, column, id string) error {
	res, err := l.exec(ctx, `UPDATE sync_rollback_units SET `+column+` = 1 WHERE unit_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark rollback unit %s %s: %w", id, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rollback unit %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (l *SQLLedger) MarkRollbackApplied(ctx context.Context, id string) error {
	return l.markUnit(ctx, "applied", id)
}

func (l *SQLLedger) MarkRollbackReverted(ctx context.Context, id string) error {
	return l.markUnit(ctx, "reverted", id)
}

func (l *SQLLedger) ListRollbackUnits(ctx context.Context, jobID string) ([]*models.RollbackUnit, error) {
	rows, err := l.query(ctx, `SELECT unit_id, seq, table_name, key_columns_json, entries_json,
		applied, reverted, created_at FROM sync_rollback_units WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback units of %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*models.RollbackUnit
	for rows.Next() {
		var (
			u                      models.RollbackUnit
			keys, entries, created string
			applied, reverted      int
		)
		if err := rows.Scan(&u.ID, &u.Seq, &u.Table, &keys, &entries, &applied, &reverted, &created); err != nil {
			return nil, fmt.Errorf("failed to scan rollback unit: %w", err)
		}
		u.JobID = jobID
		u.Applied = applied != 0
		u.Reverted = reverted != 0
		if err := json.Unmarshal([]byte(keys), &u.KeyColumns); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(entries), &u.Entries); err != nil {
			return nil, fmt.Errorf("failed to decode rollback unit %s: %w", u.ID, err)
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// ---- pair locks ----

// AcquirePairLock records jobID as the holder of a (source, target) pair. A lock left
// behind by a job that is no longer active is taken over.
func (l *SQLLedger) AcquirePairLock(ctx context.Context, pairKey, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to lock pair %s: %w", pairKey, err)
	}
	defer func() { _ = tx.Rollback() }()

	var holder string
	err = tx.QueryRowContext(ctx, rebind(l.dialect, `SELECT job_id FROM sync_locks WHERE pair_key = ?`), pairKey).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, rebind(l.dialect, `INSERT INTO sync_locks (pair_key, job_id, acquired_at) VALUES (?, ?, ?)`),
			pairKey, jobID, formatTime(time.Now())); err != nil {
			return fmt.Errorf("pair %s: %w", pairKey, errors.Join(models.ErrPairBusy, err))
		}
	case err != nil:
		return fmt.Errorf("failed to lock pair %s: %w", pairKey, err)
	case holder == jobID:
		return tx.Commit()
	default:
		var status string
		err := tx.QueryRowContext(ctx, rebind(l.dialect, `SELECT status FROM sync_jobs WHERE job_id = ?`), holder).Scan(&status)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to lock pair %s: %w", pairKey, err)
		}
		if err == nil && (models.JobStatus(status).Active() || models.JobStatus(status) == models.JobPending) {
			return fmt.Errorf("pair %s held by job %s: %w", pairKey, holder, models.ErrPairBusy)
		}
		l.logger.Warn().Str("pair", pairKey).Str("stale_job", holder).Str("job", jobID).Msg("taking over stale pair lock")
		if _, err := tx.ExecContext(ctx, rebind(l.dialect, `UPDATE sync_locks SET job_id = ?, acquired_at = ? WHERE pair_key = ? AND job_id = ?`),
			jobID, formatTime(time.Now()), pairKey, holder); err != nil {
			return fmt.Errorf("failed to lock pair %s: %w", pairKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to lock pair %s: %w", pairKey, err)
	}
	return nil
}

func (l *SQLLedger) ReleasePairLock(ctx context.Context, pairKey, jobID string) error {
	if _, err := l.exec(ctx, `DELETE FROM sync_locks WHERE pair_key = ? AND job_id = ?`, pairKey, jobID); err != nil {
		return fmt.Errorf("failed to release pair %s: %w", pairKey, err)
	}
	return nil
}

// ---- retention ----

func (l *SQLLedger) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	terminal := []any{
		string(models.JobCompleted), string(models.JobFailed),
		string(models.JobCancelled), string(models.JobRolledBack),
	}
	rows, err := l.query(ctx, `SELECT job_id FROM sync_jobs WHERE status IN (?, ?, ?, ?)
		AND COALESCE(ended_at, updated_at) < ?`, append(terminal, formatTime(olderThan))...)
	if err != nil {
		return 0, fmt.Errorf("failed to select purgeable jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		for _, table := range []string{"sync_events", "sync_conflicts", "sync_rollback_units", "sync_slices", "sync_jobs"} {
			if _, err := tx.ExecContext(ctx, rebind(l.dialect, `DELETE FROM `+table+` WHERE job_id = ?`), id); err != nil {
				return 0, fmt.Errorf("failed to purge %s of job %s: %w", table, id, err)
			}
		}
		delete(l.eventSeq, id)
		delete(l.unitSeq, id)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	l.logger.Info().Int("jobs", len(ids)).Time("older_than", olderThan).Msg("purged ledger")
	return int64(len(ids)), nil
}
