package models

import "time"

// RollbackEntry captures the state of one target row before a write touched it.
// Existed=false means the write inserted the row, so reversing it deletes the key.
type RollbackEntry struct {
	Key     Row  `json:"key"`
	Existed bool `json:"existed"`
	Prior   Row  `json:"prior,omitempty"`
}

// RollbackUnit is captured per write batch before the batch is applied. Units are
// replayed in reverse Seq order; only Applied units are replayed.
type RollbackUnit struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Seq        int64           `json:"seq"`
	Table      string          `json:"table"`
	KeyColumns []string        `json:"key_columns"`
	Entries    []RollbackEntry `json:"entries"`
	Applied    bool            `json:"applied"`
	Reverted   bool            `json:"reverted"`
	CreatedAt  time.Time       `json:"created_at"`
}
