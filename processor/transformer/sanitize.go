package transformer

import (
	"github.com/strahe/assessor-sync/processor"
	"github.com/strahe/assessor-sync/sanitize"
)

// Sanitize applies the field rules of the mapping. It must run before Rename.
type Sanitize struct {
	sanitizer *sanitize.Sanitizer
}

func NewSanitize(s *sanitize.Sanitizer) *Sanitize {
	return &Sanitize{sanitizer: s}
}

// Process implements processor.RowProcessor.
func (t *Sanitize) Process(rc *processor.RowContext) error {
	ctx := sanitize.Context{
		JobID:      rc.JobID,
		Seed:       rc.Seed,
		Table:      rc.Mapping.Name,
		PrimaryKey: rc.Key,
	}
	row, events, err := t.sanitizer.Row(ctx, rc.Mapping, rc.Row)
	if err != nil {
		return err
	}
	rc.Row = row
	rc.Sanitized = append(rc.Sanitized, events...)
	return nil
}

var _ processor.RowProcessor = (*Sanitize)(nil)
