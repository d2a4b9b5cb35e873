package models

import "time"

type SliceStatus string

const (
	SlicePending   SliceStatus = "pending"
	SliceRunning   SliceStatus = "running"
	SliceCompleted SliceStatus = "completed"
	SliceFailed    SliceStatus = "failed"
	SliceCancelled SliceStatus = "cancelled"
)

func (s SliceStatus) Terminal() bool {
	return s == SliceCompleted || s == SliceFailed || s == SliceCancelled
}

// TableSlice is the per-table unit of work within a job. Table holds the mapping name.
type TableSlice struct {
	JobID          string      `json:"job_id"`
	Table          string      `json:"table"`
	TargetTable    string      `json:"target_table"`
	PrimaryKeys    []string    `json:"primary_keys"`
	Filter         string      `json:"filter,omitempty"`
	Checkpoint     *Checkpoint `json:"checkpoint,omitempty"`
	Planned        int64       `json:"planned"`
	RowsSeen       int64       `json:"rows_seen"`
	RowsWritten    int64       `json:"rows_written"`
	RowsSkipped    int64       `json:"rows_skipped"`
	RowsErrored    int64       `json:"rows_errored"`
	RowsConflicted int64       `json:"rows_conflicted"`
	RowsDeleted    int64       `json:"rows_deleted"`
	Batches        int64       `json:"batches"`
	Status         SliceStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
}

// LastCheckpointKey is the watermark value of the last acknowledged row.
func (s *TableSlice) LastCheckpointKey() any {
	if s.Checkpoint == nil {
		return nil
	}
	return s.Checkpoint.Watermark
}

func (s *TableSlice) Totals() JobTotals {
	return JobTotals{
		Planned:    s.Planned,
		Processed:  s.RowsSeen,
		Conflicted: s.RowsConflicted,
		Errored:    s.RowsErrored,
		Written:    s.RowsWritten,
		Skipped:    s.RowsSkipped,
		Deleted:    s.RowsDeleted,
	}
}
