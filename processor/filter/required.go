package filter

import (
	"fmt"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/processor"
)

// RequiredFields rejects rows whose required fields (and primary keys) are null.
type RequiredFields struct{}

func NewRequiredFields() *RequiredFields {
	return &RequiredFields{}
}

// Process implements processor.RowProcessor.
func (f *RequiredFields) Process(rc *processor.RowContext) error {
	for _, pk := range rc.Mapping.PrimaryKeys {
		if rc.Row[pk] == nil {
			return models.NewDataError("filter", fmt.Errorf("%s: primary key %s is null", rc.Mapping.Name, pk))
		}
	}
	for _, fm := range rc.Mapping.Fields {
		if fm.Required && rc.Row[fm.SourceName] == nil {
			return models.NewDataError("filter", fmt.Errorf("%s: required field %s is null", rc.Mapping.Name, fm.SourceName))
		}
	}
	return nil
}

var _ processor.RowProcessor = (*RequiredFields)(nil)
