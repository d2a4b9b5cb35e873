package models

import (
	"strings"
	"time"
)

// MappingKey identifies a mapping document.
type MappingKey struct {
	DataType string
	Name     string
}

func (k MappingKey) String() string {
	return k.DataType + "/" + k.Name
}

// FieldMapping describes one column carried from source to target.
type FieldMapping struct {
	SourceName       string `json:"source_name" yaml:"source_name" validate:"required"`
	TargetName       string `json:"target_name" yaml:"target_name" validate:"required"`
	DeclaredType     string `json:"declared_type" yaml:"declared_type" validate:"required"`
	Nullable         bool   `json:"nullable" yaml:"nullable"`
	SanitizationHint string `json:"sanitization_hint,omitempty" yaml:"sanitization_hint,omitempty"`
	Required         bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Merge            string `json:"merge,omitempty" yaml:"merge,omitempty" validate:"omitempty,oneof=source target max min concat"`
	Format           string `json:"format,omitempty" yaml:"format,omitempty"`
	References       string `json:"references,omitempty" yaml:"references,omitempty"`
}

// ReferencedTable returns the table part of References ("table.column").
func (f FieldMapping) ReferencedTable() string {
	if f.References == "" {
		return ""
	}
	if i := strings.LastIndex(f.References, "."); i > 0 {
		return f.References[:i]
	}
	return f.References
}

// TableMapping is the declarative description of one table carried by the engine.
type TableMapping struct {
	Name           string         `json:"name" yaml:"name" validate:"required"`
	DataType       string         `json:"data_type" yaml:"data_type" validate:"required"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
	SourceTable    string         `json:"source_table" yaml:"source_table" validate:"required"`
	TargetTable    string         `json:"target_table,omitempty" yaml:"target_table,omitempty"`
	PrimaryKeys    []string       `json:"primary_keys" yaml:"primary_keys" validate:"required,min=1,dive,required"`
	Watermark      string         `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	NewerColumn    string         `json:"newer_column,omitempty" yaml:"newer_column,omitempty"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty" yaml:"conflict_policy,omitempty" validate:"omitempty,oneof=source_wins target_wins newer_wins merged manual"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Filter         string         `json:"filter,omitempty" yaml:"filter,omitempty"`
	Fields         []FieldMapping `json:"fields" yaml:"fields" validate:"required,min=1,dive"`
}

func (m *TableMapping) Key() MappingKey {
	return MappingKey{DataType: m.DataType, Name: m.Name}
}

// Target returns the target table name, defaulting to the source table.
func (m *TableMapping) Target() string {
	if m.TargetTable != "" {
		return m.TargetTable
	}
	return m.SourceTable
}

func (m *TableMapping) FieldBySource(name string) (FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.SourceName == name {
			return f, true
		}
	}
	return FieldMapping{}, false
}

func (m *TableMapping) FieldByTarget(name string) (FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.TargetName == name {
			return f, true
		}
	}
	return FieldMapping{}, false
}

func (m *TableMapping) SourceColumns() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.SourceName
	}
	return out
}

func (m *TableMapping) TargetColumns() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.TargetName
	}
	return out
}

// TargetKeys returns the primary key columns in target naming.
func (m *TableMapping) TargetKeys() []string {
	out := make([]string, len(m.PrimaryKeys))
	for i, pk := range m.PrimaryKeys {
		out[i] = pk
		if f, ok := m.FieldBySource(pk); ok {
			out[i] = f.TargetName
		}
	}
	return out
}

// TargetWatermark returns the watermark column in target naming.
func (m *TableMapping) TargetWatermark() string {
	if m.Watermark == "" {
		return ""
	}
	if f, ok := m.FieldBySource(m.Watermark); ok {
		return f.TargetName
	}
	return m.Watermark
}

// Parents returns the tables this mapping must be written after: explicit depends_on
// plus every table referenced by a field.
func (m *TableMapping) Parents() []string {
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, d := range m.DependsOn {
		add(d)
	}
	for _, f := range m.Fields {
		add(f.ReferencedTable())
	}
	return out
}

func (m *TableMapping) Clone() *TableMapping {
	c := *m
	c.PrimaryKeys = append([]string(nil), m.PrimaryKeys...)
	c.DependsOn = append([]string(nil), m.DependsOn...)
	c.Fields = append([]FieldMapping(nil), m.Fields...)
	return &c
}
