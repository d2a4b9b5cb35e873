package models

import (
	"encoding/json"
	"time"
)

type ConflictPolicy string

const (
	PolicySourceWins ConflictPolicy = "source_wins"
	PolicyTargetWins ConflictPolicy = "target_wins"
	PolicyNewerWins  ConflictPolicy = "newer_wins"
	PolicyMerged     ConflictPolicy = "merged"
	PolicyManual     ConflictPolicy = "manual"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicySourceWins, PolicyTargetWins, PolicyNewerWins, PolicyMerged, PolicyManual:
		return true
	}
	return false
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	p := ConflictPolicy(s)
	if !p.Valid() {
		return "", NewConfigError("unknown conflict policy %q", s)
	}
	return p, nil
}

type Resolution string

const (
	ResolutionSourceWins    Resolution = "source_wins"
	ResolutionTargetWins    Resolution = "target_wins"
	ResolutionNewerWins     Resolution = "newer_wins"
	ResolutionManualPending Resolution = "manual_pending"
	ResolutionMerged        Resolution = "merged"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionSourceWins, ResolutionTargetWins, ResolutionNewerWins, ResolutionManualPending, ResolutionMerged:
		return true
	}
	return false
}

// ResolverSystem marks conflicts resolved automatically by a policy.
const ResolverSystem = "system"

// FieldDiff holds the two sides of a differing field.
type FieldDiff struct {
	SourceValue any
	TargetValue any
}

type fieldDiffJSON struct {
	SourceValue TypedValue `json:"source_value"`
	TargetValue TypedValue `json:"target_value"`
}

func (d FieldDiff) MarshalJSON() ([]byte, error) {
	s, err := EncodeValue(d.SourceValue)
	if err != nil {
		return nil, err
	}
	t, err := EncodeValue(d.TargetValue)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldDiffJSON{SourceValue: s, TargetValue: t})
}

func (d *FieldDiff) UnmarshalJSON(data []byte) error {
	var in fieldDiffJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var err error
	if d.SourceValue, err = in.SourceValue.Decode(); err != nil {
		return err
	}
	d.TargetValue, err = in.TargetValue.Decode()
	return err
}

// ConflictRecord is persisted for every detected conflict, including the ones a policy
// resolved on the spot. Once Resolution leaves manual_pending the record only accepts
// new Notes.
type ConflictRecord struct {
	ID              string               `json:"conflict_id"`
	JobID           string               `json:"job_id"`
	Table           string               `json:"table"`
	PrimaryKey      Row                  `json:"primary_key"`
	DetectedAt      time.Time            `json:"detected_at"`
	SourceSnapshot  Row                  `json:"source_snapshot"`
	TargetSnapshot  Row                  `json:"target_snapshot"`
	DifferingFields map[string]FieldDiff `json:"differing_fields"`
	PolicyApplied   ConflictPolicy       `json:"policy_applied"`
	Resolution      Resolution           `json:"resolution"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
	Resolver        string               `json:"resolver,omitempty"`
	Notes           []string             `json:"notes,omitempty"`
}

func (c *ConflictRecord) Pending() bool {
	return c.Resolution == ResolutionManualPending
}

// ConflictFilter narrows list_conflicts.
type ConflictFilter struct {
	JobID      string
	Table      string
	Resolution Resolution
	Limit      int
	Offset     int
}
