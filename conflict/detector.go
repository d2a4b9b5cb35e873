package conflict

import (
	"github.com/strahe/assessor-sync/models"
)

const defaultTolerance = 1e-9

// Detector finds differing fields between a source record and the target record
// sharing its key.
type Detector struct {
	NumericTolerance float64
}

func NewDetector(tolerance float64) Detector {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return Detector{NumericTolerance: tolerance}
}

// Diff compares cols of both rows. An empty result means no conflict.
func (d Detector) Diff(source, target models.Row, cols []string) map[string]models.FieldDiff {
	var diffs map[string]models.FieldDiff
	for _, col := range cols {
		sv, tv := source[col], target[col]
		if Equal(sv, tv, d.NumericTolerance) {
			continue
		}
		if diffs == nil {
			diffs = make(map[string]models.FieldDiff)
		}
		diffs[col] = models.FieldDiff{SourceValue: sv, TargetValue: tv}
	}
	return diffs
}
