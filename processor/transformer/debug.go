package transformer

import (
	"github.com/strahe/assessor-sync/pkg/log"
	"github.com/strahe/assessor-sync/processor"
)

type DebugTransformer struct{}

func NewDebugTransformer() *DebugTransformer {
	return &DebugTransformer{}
}

// Process implements processor.RowProcessor.
func (d *DebugTransformer) Process(rc *processor.RowContext) error {
	log.Debugf("Transform row: %s: %v (renamed=%t)", rc.Mapping.Name, map[string]any(rc.Key), rc.Renamed)
	return nil
}

var _ processor.RowProcessor = (*DebugTransformer)(nil)
