package models

import (
	"fmt"
	"time"
)

// JobMode selects how a job chooses which source rows to extract.
type JobMode string

const (
	ModeFull        JobMode = "full"
	ModeIncremental JobMode = "incremental"
	ModeSelective   JobMode = "selective"
)

func (m JobMode) Valid() bool {
	switch m {
	case ModeFull, ModeIncremental, ModeSelective:
		return true
	}
	return false
}

func ParseJobMode(s string) (JobMode, error) {
	m := JobMode(s)
	if !m.Valid() {
		return "", NewConfigError("unknown job mode %q", s)
	}
	return m, nil
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRolledBack JobStatus = "rolled_back"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobRunning, JobFailed, JobCancelled},
	JobRunning:   {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:    {JobRunning, JobCancelled, JobFailed},
	JobCompleted: {JobRolledBack},
	JobFailed:    {JobRolledBack},
	JobCancelled: {JobRolledBack},
}

// CanTransition reports whether the job state machine allows moving from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no worker will mutate a job in this status anymore.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobRolledBack:
		return true
	}
	return false
}

// Active reports whether the job holds its (source, target) pair lock.
func (s JobStatus) Active() bool {
	return s == JobRunning || s == JobPaused
}

type JobTotals struct {
	Planned    int64 `json:"planned"`
	Processed  int64 `json:"processed"`
	Conflicted int64 `json:"conflicted"`
	Errored    int64 `json:"errored"`
	Written    int64 `json:"written"`
	Skipped    int64 `json:"skipped"`
	Deleted    int64 `json:"deleted"`
}

// Check verifies the counter invariants of a job.
func (t JobTotals) Check() error {
	if t.Processed > t.Planned {
		return fmt.Errorf("processed %d exceeds planned %d", t.Processed, t.Planned)
	}
	if t.Conflicted+t.Errored > t.Processed {
		return fmt.Errorf("conflicted %d + errored %d exceeds processed %d", t.Conflicted, t.Errored, t.Processed)
	}
	return nil
}

func (t *JobTotals) Add(o JobTotals) {
	t.Planned += o.Planned
	t.Processed += o.Processed
	t.Conflicted += o.Conflicted
	t.Errored += o.Errored
	t.Written += o.Written
	t.Skipped += o.Skipped
	t.Deleted += o.Deleted
}

// JobSummary is the operator facing digest produced when a job ends.
type JobSummary struct {
	ErrorCounts       map[ErrorKind]int64 `json:"error_counts,omitempty"`
	ManualPending     int64               `json:"manual_pending"`
	SanitizedFields   int64               `json:"sanitized_fields"`
	NullWatermarks    int64               `json:"null_watermarks"`
	Retries           int64               `json:"retries"`
	FailedSlices      []string            `json:"failed_slices,omitempty"`
	RollbackPerformed bool                `json:"rollback_performed"`
	RollbackFailures  int64               `json:"rollback_failures"`
	Migrations        []string            `json:"migrations,omitempty"`
}

func (s *JobSummary) CountError(kind ErrorKind, n int64) {
	if n == 0 {
		return
	}
	if s.ErrorCounts == nil {
		s.ErrorCounts = make(map[ErrorKind]int64)
	}
	s.ErrorCounts[kind] += n
}

// JobOptions are the per-job switches accepted by start_job.
type JobOptions struct {
	AutoMigration    bool                      `json:"auto_migration,omitempty" toml:"auto_migration"`
	AllowDrift       bool                      `json:"allow_drift,omitempty" toml:"allow_drift"`
	FailFast         bool                      `json:"fail_fast,omitempty" toml:"fail_fast"`
	EnableRollback   bool                      `json:"enable_rollback,omitempty" toml:"enable_rollback"`
	RollbackOnCancel bool                      `json:"rollback_on_cancel,omitempty" toml:"rollback_on_cancel"`
	Restart          bool                      `json:"restart,omitempty" toml:"restart"`
	SkipDeletes      bool                      `json:"skip_deletes,omitempty" toml:"skip_deletes"`
	MaxRowErrors     int                       `json:"max_row_errors,omitempty" toml:"max_row_errors"`
	NewerColumn      string                    `json:"newer_column,omitempty" toml:"newer_column"`
	NumericTolerance float64                   `json:"numeric_tolerance,omitempty" toml:"numeric_tolerance"`
	SanitizeSeed     string                    `json:"sanitize_seed,omitempty" toml:"sanitize_seed"`
	DataType         string                    `json:"data_type,omitempty" toml:"data_type"`
	Filter           string                    `json:"filter,omitempty" toml:"filter"`
	BatchSize        int                       `json:"batch_size,omitempty" toml:"batch_size"`
	TablePolicies    map[string]ConflictPolicy `json:"table_policies,omitempty" toml:"table_policies"`
}

// SyncJob is a single run of the engine between one source and one target.
type SyncJob struct {
	ID             string            `json:"job_id"`
	Mode           JobMode           `json:"mode"`
	SourceRef      string            `json:"source_ref"`
	TargetRef      string            `json:"target_ref"`
	ConflictPolicy ConflictPolicy    `json:"conflict_policy"`
	Tables         []string          `json:"tables,omitempty"`
	Status         JobStatus         `json:"status"`
	Owner          string            `json:"owner,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Options        JobOptions        `json:"options"`
	Totals         JobTotals         `json:"totals"`
	Summary        JobSummary        `json:"summary"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      ErrorKind         `json:"error_kind,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PairKey identifies the (source, target) pair used for mutual exclusion.
func (j *SyncJob) PairKey() string {
	return PairKey(j.SourceRef, j.TargetRef)
}

func PairKey(source, target string) string {
	return source + "->" + target
}

// Seed returns the per-job seed used by deterministic sanitization rules.
func (j *SyncJob) Seed() string {
	if j.Options.SanitizeSeed != "" {
		return j.Options.SanitizeSeed
	}
	return j.ID
}

// PolicyFor returns the conflict policy in force for a table.
func (j *SyncJob) PolicyFor(table string, mappingPolicy ConflictPolicy) ConflictPolicy {
	if p, ok := j.Options.TablePolicies[table]; ok && p != "" {
		return p
	}
	if mappingPolicy != "" {
		return mappingPolicy
	}
	return j.ConflictPolicy
}

// JobFilter narrows list_jobs.
type JobFilter struct {
	Statuses  []JobStatus
	SourceRef string
	TargetRef string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
