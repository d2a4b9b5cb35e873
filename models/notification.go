package models

import "time"

type NotificationCategory string

const (
	NotifyJobStarted          NotificationCategory = "job_started"
	NotifyJobCompleted        NotificationCategory = "job_completed"
	NotifyJobFailed           NotificationCategory = "job_failed"
	NotifyConflictDetected    NotificationCategory = "conflict_detected"
	NotifySliceFailed         NotificationCategory = "slice_failed"
	NotifySanitizationSummary NotificationCategory = "sanitization_summary"
	NotifyRollbackPerformed   NotificationCategory = "rollback_performed"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Notification is the structured event handed to alert channels.
type Notification struct {
	Category  NotificationCategory `json:"category"`
	Severity  Severity             `json:"severity"`
	JobID     string               `json:"job_id"`
	Table     string               `json:"table,omitempty"`
	Counts    map[string]int64     `json:"counts,omitempty"`
	Message   string               `json:"message,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}
