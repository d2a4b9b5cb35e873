package schema

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
)

type TypeIncompatibility struct {
	Column     string `json:"column"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
}

type PrimaryKeyMismatch struct {
	Mapping []string `json:"mapping"`
	Target  []string `json:"target"`
}

// Report is the drift found between a mapping, its source table and its target table.
// Column names are in target naming except SourceMissingColumns.
type Report struct {
	Mapping               string                `json:"mapping"`
	SourceTable           string                `json:"source_table"`
	TargetTable           string                `json:"target_table"`
	SourceMissingTable    bool                  `json:"source_missing_table,omitempty"`
	SourceMissingColumns  []string              `json:"source_missing_columns,omitempty"`
	MissingTables         []string              `json:"missing_tables"`
	MissingColumns        []string              `json:"missing_columns"`
	TypeIncompatibilities []TypeIncompatibility `json:"type_incompatibilities,omitempty"`
	NullabilityViolations []string              `json:"nullability_violations,omitempty"`
	PrimaryKeyMismatch    *PrimaryKeyMismatch   `json:"primary_key_mismatch,omitempty"`
}

// Blocking reports drift that can never be migrated automatically.
func (r *Report) Blocking() bool {
	return r.SourceMissingTable ||
		len(r.SourceMissingColumns) > 0 ||
		len(r.TypeIncompatibilities) > 0 ||
		len(r.NullabilityViolations) > 0 ||
		r.PrimaryKeyMismatch != nil
}

// Additive reports drift fixable by creating tables or adding nullable columns.
func (r *Report) Additive() bool {
	return len(r.MissingTables) > 0 || len(r.MissingColumns) > 0
}

func (r *Report) Empty() bool {
	return !r.Blocking() && !r.Additive()
}

func (r *Report) String() string {
	var parts []string
	if r.SourceMissingTable {
		parts = append(parts, "source table "+r.SourceTable+" missing")
	}
	if len(r.SourceMissingColumns) > 0 {
		parts = append(parts, "source columns missing: "+strings.Join(r.SourceMissingColumns, ", "))
	}
	if len(r.MissingTables) > 0 {
		parts = append(parts, "missing tables: "+strings.Join(r.MissingTables, ", "))
	}
	if len(r.MissingColumns) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(r.MissingColumns, ", "))
	}
	for _, ti := range r.TypeIncompatibilities {
		parts = append(parts, fmt.Sprintf("incompatible %s: %s -> %s", ti.Column, ti.SourceType, ti.TargetType))
	}
	if len(r.NullabilityViolations) > 0 {
		parts = append(parts, "nullability: "+strings.Join(r.NullabilityViolations, ", "))
	}
	if pk := r.PrimaryKeyMismatch; pk != nil {
		parts = append(parts, fmt.Sprintf("primary key mismatch: mapping %v, target %v", pk.Mapping, pk.Target))
	}
	if len(parts) == 0 {
		return "no drift"
	}
	return strings.Join(parts, "; ")
}

// Payload renders the report for a validate audit event.
func (r *Report) Payload() map[string]any {
	return map[string]any{
		"mapping":                r.Mapping,
		"missing_tables":         lo.Ternary(r.MissingTables == nil, []string{}, r.MissingTables),
		"missing_columns":        lo.Ternary(r.MissingColumns == nil, []string{}, r.MissingColumns),
		"source_missing_columns": lo.Ternary(r.SourceMissingColumns == nil, []string{}, r.SourceMissingColumns),
		"type_incompatibilities": len(r.TypeIncompatibilities),
		"nullability_violations": lo.Ternary(r.NullabilityViolations == nil, []string{}, r.NullabilityViolations),
		"primary_key_mismatch":   r.PrimaryKeyMismatch != nil,
		"blocking":               r.Blocking(),
		"additive":               r.Additive(),
	}
}

// Compare builds the drift report of m. src or dst is nil when that table does not exist.
func Compare(m *models.TableMapping, src, dst *connector.TableSchema) *Report {
	r := &Report{Mapping: m.Name, SourceTable: m.SourceTable, TargetTable: m.Target()}

	if src == nil {
		r.SourceMissingTable = true
	}
	if dst == nil {
		r.MissingTables = []string{m.Target()}
	}

	for _, f := range m.Fields {
		srcType := f.DeclaredType
		if src != nil {
			col, ok := src.Column(f.SourceName)
			if !ok {
				r.SourceMissingColumns = append(r.SourceMissingColumns, f.SourceName)
				continue
			}
			if Classify(col.Type) != FamilyUnknown {
				srcType = col.Type
			}
		}
		if dst == nil {
			continue
		}
		col, ok := dst.Column(f.TargetName)
		if !ok {
			r.MissingColumns = append(r.MissingColumns, f.TargetName)
			continue
		}
		if !Compatible(Classify(srcType), Classify(col.Type), f.Format != "") {
			r.TypeIncompatibilities = append(r.TypeIncompatibilities, TypeIncompatibility{
				Column:     f.TargetName,
				SourceType: srcType,
				TargetType: col.Type,
			})
		}
		if f.Nullable && !col.Nullable && !col.PrimaryKey {
			r.NullabilityViolations = append(r.NullabilityViolations, f.TargetName)
		}
	}

	if dst != nil {
		want := m.TargetKeys()
		if len(want) != len(dst.PrimaryKeys) || len(lo.Intersect(want, dst.PrimaryKeys)) != len(want) {
			r.PrimaryKeyMismatch = &PrimaryKeyMismatch{Mapping: want, Target: dst.PrimaryKeys}
		}
	}
	return r
}

// MigrationDDL returns the additive statements that fix r: CREATE TABLE for missing
// tables and ADD COLUMN (always nullable) for missing columns. It never drops or retypes.
func MigrationDDL(r *Report, m *models.TableMapping, d connector.Dialect) []string {
	var stmts []string
	if len(r.MissingTables) > 0 {
		keys := lo.SliceToMap(m.TargetKeys(), func(k string) (string, bool) { return k, true })
		defs := make([]string, 0, len(m.Fields)+1)
		for _, f := range m.Fields {
			def := d.Quote(f.TargetName) + " " + NativeType(d, Classify(f.DeclaredType))
			if keys[f.TargetName] {
				def += " NOT NULL"
			}
			defs = append(defs, def)
		}
		defs = append(defs, "PRIMARY KEY ("+d.QuoteAll(m.TargetKeys())+")")
		stmts = append(stmts, "CREATE TABLE IF NOT EXISTS "+d.Quote(m.Target())+" (\n\t"+strings.Join(defs, ",\n\t")+"\n)")
		return stmts
	}
	for _, col := range r.MissingColumns {
		f, ok := m.FieldByTarget(col)
		if !ok {
			continue
		}
		stmts = append(stmts, "ALTER TABLE "+d.Quote(m.Target())+" ADD COLUMN "+d.Quote(col)+" "+NativeType(d, Classify(f.DeclaredType)))
	}
	return stmts
}
