package models

import "time"

type EventType string

const (
	EventPlan            EventType = "plan"
	EventValidate        EventType = "validate"
	EventExtractBatch    EventType = "extract_batch"
	EventSanitizeField   EventType = "sanitize_field"
	EventDetectConflict  EventType = "detect_conflict"
	EventResolveConflict EventType = "resolve_conflict"
	EventWriteBatch      EventType = "write_batch"
	EventDeleteBatch     EventType = "delete_batch"
	EventCheckpoint      EventType = "checkpoint"
	EventError           EventType = "error"
	EventRollbackStep    EventType = "rollback_step"
	EventStateChange     EventType = "state_change"
	EventComplete        EventType = "complete"
)

// AuditEvent is an append-only entry of a job's audit stream. Seq is assigned by the
// ledger and doubles as the stream cursor.
type AuditEvent struct {
	Seq       int64          `json:"cursor"`
	JobID     string         `json:"job_id"`
	Type      EventType      `json:"event_type"`
	Table     string         `json:"table,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func NewEvent(jobID string, typ EventType, table string, payload map[string]any) AuditEvent {
	return AuditEvent{
		JobID:     jobID,
		Type:      typ,
		Table:     table,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// SanitizationEvent describes one rule invocation on one field of one row.
type SanitizationEvent struct {
	Table      string `json:"table"`
	Field      string `json:"field"`
	PrimaryKey Row    `json:"primary_key"`
	Rule       string `json:"rule"`
	Modified   bool   `json:"modified"`
}

func (e SanitizationEvent) AuditEvent(jobID string) AuditEvent {
	return NewEvent(jobID, EventSanitizeField, e.Table, map[string]any{
		"field":       e.Field,
		"primary_key": map[string]any(e.PrimaryKey),
		"rule":        e.Rule,
		"modified":    e.Modified,
	})
}
