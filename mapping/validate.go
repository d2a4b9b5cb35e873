package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/strahe/assessor-sync/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structure and the cross-field invariants of a mapping document.
func Validate(m *models.TableMapping) error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return models.NewConfigError("invalid mapping %s/%s: %s", m.DataType, m.Name, strings.Join(msgs, "; "))
		}
		return models.NewConfigError("invalid mapping %s/%s: %v", m.DataType, m.Name, err)
	}

	if strings.Contains(m.Name, "__") || strings.ContainsAny(m.Name+m.DataType, `/\`) {
		return models.NewConfigError("mapping %s/%s: name and data_type must not contain '__' or path separators", m.DataType, m.Name)
	}

	sources := make(map[string]bool, len(m.Fields))
	targets := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if sources[f.SourceName] {
			return models.NewConfigError("mapping %s: duplicate source field %s", m.Name, f.SourceName)
		}
		if targets[f.TargetName] {
			return models.NewConfigError("mapping %s: duplicate target field %s", m.Name, f.TargetName)
		}
		sources[f.SourceName] = true
		targets[f.TargetName] = true
		if f.References != "" && !strings.Contains(f.References, ".") {
			return models.NewConfigError("mapping %s: field %s references %q, want table.column", m.Name, f.SourceName, f.References)
		}
	}
	for _, pk := range m.PrimaryKeys {
		if !sources[pk] {
			return models.NewConfigError("mapping %s: primary key %s is not in the field list", m.Name, pk)
		}
	}
	if m.Watermark != "" && !sources[m.Watermark] {
		return models.NewConfigError("mapping %s: watermark %s is not in the field list", m.Name, m.Watermark)
	}
	if m.NewerColumn != "" && !sources[m.NewerColumn] && !targets[m.NewerColumn] {
		return models.NewConfigError("mapping %s: newer_column %s is not in the field list", m.Name, m.NewerColumn)
	}
	return nil
}
