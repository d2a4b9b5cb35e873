package processor

import (
	"sync"
)

// ProcessorChain runs every filter, then every transformer. A filter that marks the
// row skipped stops the chain.
type ProcessorChain struct {
	filterProcessor      []RowProcessor
	transformerProcessor []RowProcessor
	lk                   sync.Mutex
}

var _ Processor = (*ProcessorChain)(nil)

func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{
		filterProcessor:      make([]RowProcessor, 0),
		transformerProcessor: make([]RowProcessor, 0),
	}
}

func (pc *ProcessorChain) Process(rc *RowContext) error {
	pc.lk.Lock()
	steps := append(append([]RowProcessor(nil), pc.filterProcessor...), pc.transformerProcessor...)
	pc.lk.Unlock()

	for _, p := range steps {
		if err := p.Process(rc); err != nil {
			return err
		}
		if rc.Skip {
			return nil
		}
	}
	return nil
}

func (pc *ProcessorChain) AddFilter(processor RowProcessor) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.filterProcessor = append(pc.filterProcessor, processor)
}

func (pc *ProcessorChain) AddTransformer(processor RowProcessor) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.transformerProcessor = append(pc.transformerProcessor, processor)
}
