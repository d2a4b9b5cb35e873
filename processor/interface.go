package processor

import (
	"github.com/strahe/assessor-sync/models"
)

// RowContext carries one extracted row through the chain. Row starts keyed by source
// column names; the rename transformer switches it to target names.
type RowContext struct {
	JobID   string
	Seed    string
	Mapping *models.TableMapping
	Row     models.Row
	// Key holds the source primary key values of the row.
	Key     models.Row
	Renamed bool
	Skip    bool

	Sanitized []models.SanitizationEvent
}

func NewRowContext(jobID, seed string, m *models.TableMapping, row models.Row) *RowContext {
	return &RowContext{
		JobID:   jobID,
		Seed:    seed,
		Mapping: m,
		Row:     row,
		Key:     row.Project(m.PrimaryKeys),
	}
}

type RowProcessor interface {
	Process(rc *RowContext) error
}

type ProcessorComposite interface {
	AddFilter(processor RowProcessor)
	AddTransformer(processor RowProcessor)
}

type Processor interface {
	RowProcessor
	ProcessorComposite
}
