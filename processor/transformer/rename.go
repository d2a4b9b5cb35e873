package transformer

import (
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/processor"
)

// Rename projects the row onto the mapped fields under their target names.
type Rename struct{}

func NewRename() *Rename {
	return &Rename{}
}

// Process implements processor.RowProcessor.
func (t *Rename) Process(rc *processor.RowContext) error {
	if rc.Renamed {
		return nil
	}
	out := make(models.Row, len(rc.Mapping.Fields))
	for _, f := range rc.Mapping.Fields {
		out[f.TargetName] = rc.Row[f.SourceName]
	}
	rc.Row = out
	rc.Renamed = true
	return nil
}

var _ processor.RowProcessor = (*Rename)(nil)
