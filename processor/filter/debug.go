package filter

import (
	"github.com/strahe/assessor-sync/pkg/log"
	"github.com/strahe/assessor-sync/processor"
)

type DebugFilter struct{}

func NewDebugFilter() *DebugFilter {
	return &DebugFilter{}
}

func (f *DebugFilter) Process(rc *processor.RowContext) error {
	log.Debugf("Filter row: %s: %v", rc.Mapping.Name, map[string]any(rc.Key))
	return nil
}

var _ processor.RowProcessor = (*DebugFilter)(nil)
