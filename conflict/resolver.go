package conflict

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

const (
	MergeSource = "source"
	MergeTarget = "target"
	MergeMax    = "max"
	MergeMin    = "min"
	MergeConcat = "concat"

	concatSeparator = "; "
)

// Outcome is the write plan for one conflicting record. Write is nil when the target
// must stay unchanged.
type Outcome struct {
	Resolution models.Resolution
	Write      models.Row
	Reason     string
}

type Resolver struct {
	logger zerolog.Logger
}

func NewResolver() *Resolver {
	return &Resolver{logger: log.Named("conflict")}
}

// Resolve applies policy to a conflict. Rows use target column names; newerColumn is
// the target name of the column compared by newer_wins.
func (r *Resolver) Resolve(policy models.ConflictPolicy, m *models.TableMapping, newerColumn string,
	source, target models.Row, diffs map[string]models.FieldDiff) Outcome {
	switch policy {
	case models.PolicyTargetWins:
		return Outcome{Resolution: models.ResolutionTargetWins, Reason: "target kept"}
	case models.PolicyManual:
		return Outcome{Resolution: models.ResolutionManualPending, Reason: "awaiting operator"}
	case models.PolicyNewerWins:
		return r.newer(m, newerColumn, source, target)
	case models.PolicyMerged:
		return Outcome{Resolution: models.ResolutionMerged, Write: Merge(m, source, target, diffs), Reason: "field overlay"}
	default:
		return Outcome{Resolution: models.ResolutionSourceWins, Write: source.Clone(), Reason: "source applied"}
	}
}

func (r *Resolver) newer(m *models.TableMapping, col string, source, target models.Row) Outcome {
	sv, sok := source[col]
	tv, tok := target[col]
	if col == "" || !sok || !tok {
		r.logger.Warn().Str("mapping", m.Name).Str("column", col).Msg("newer_wins column absent, falling back to source_wins")
		return Outcome{Resolution: models.ResolutionSourceWins, Write: source.Clone(), Reason: "newer column absent"}
	}
	if tv == nil {
		return Outcome{Resolution: models.ResolutionSourceWins, Write: source.Clone(), Reason: "target has no " + col}
	}
	if sv == nil {
		return Outcome{Resolution: models.ResolutionTargetWins, Reason: "source has no " + col}
	}
	cmp, ok := Compare(sv, tv)
	if !ok {
		r.logger.Warn().Str("mapping", m.Name).Str("column", col).
			Str("source_type", fmt.Sprintf("%T", sv)).Str("target_type", fmt.Sprintf("%T", tv)).
			Msg("newer_wins values not comparable, falling back to source_wins")
		return Outcome{Resolution: models.ResolutionSourceWins, Write: source.Clone(), Reason: "newer column not comparable"}
	}
	if cmp >= 0 {
		return Outcome{Resolution: models.ResolutionSourceWins, Write: source.Clone(), Reason: col + " newer or equal in source"}
	}
	return Outcome{Resolution: models.ResolutionTargetWins, Reason: col + " newer in target"}
}

// Merge overlays differing fields on the source row following each field's merge rule.
func Merge(m *models.TableMapping, source, target models.Row, diffs map[string]models.FieldDiff) models.Row {
	out := source.Clone()
	cols := make([]string, 0, len(diffs))
	for col := range diffs {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		rule := MergeSource
		if f, ok := m.FieldByTarget(col); ok && f.Merge != "" {
			rule = f.Merge
		}
		out[col] = mergeValue(rule, source[col], target[col])
	}
	return out
}

func mergeValue(rule string, sv, tv any) any {
	switch rule {
	case MergeTarget:
		return tv
	case MergeMax, MergeMin:
		if sv == nil {
			return tv
		}
		if tv == nil {
			return sv
		}
		cmp, ok := Compare(sv, tv)
		if !ok {
			return sv
		}
		if (rule == MergeMax) == (cmp >= 0) {
			return sv
		}
		return tv
	case MergeConcat:
		switch {
		case tv == nil:
			return sv
		case sv == nil:
			return tv
		}
		return fmt.Sprint(tv) + concatSeparator + fmt.Sprint(sv)
	default:
		return sv
	}
}
