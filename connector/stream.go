package connector

import (
	"context"

	"github.com/strahe/assessor-sync/models"
)

// RowStream yields keyset pages of a Query. Memory use is bounded by one batch.
type RowStream struct {
	c      *SQLConnector
	q      Query
	size   func() int
	cursor *models.Checkpoint
	done   bool
	typed  bool
}

// Next returns the next batch. An empty batch means the stream is drained.
func (s *RowStream) Next(ctx context.Context) ([]models.Row, error) {
	if s.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := 1000
	if s.size != nil {
		if n := s.size(); n > 0 {
			limit = n
		}
	}

	if !s.typed {
		if err := s.resolveWatermark(ctx); err != nil {
			return nil, err
		}
	}

	q := s.q
	q.After = s.cursor
	rows, err := s.c.fetch(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		s.done = true
		return nil, nil
	}
	s.cursor = q.CheckpointOf(rows[len(rows)-1])
	if len(rows) < limit {
		s.done = true
	}
	return rows, nil
}

// Cursor is the position of the last row returned.
func (s *RowStream) Cursor() *models.Checkpoint {
	return s.cursor
}

// resolveWatermark looks up the declared type of a SQLite watermark column once.
func (s *RowStream) resolveWatermark(ctx context.Context) error {
	if s.c.dialect != SQLite || s.q.Watermark == "" || s.q.TemporalWatermark {
		s.typed = true
		return nil
	}
	ts, err := s.c.DescribeTable(ctx, s.q.Table)
	if err != nil {
		return err
	}
	if col, ok := ts.Column(s.q.Watermark); ok {
		s.q.TemporalWatermark = temporalType(col.Type)
	}
	s.typed = true
	return nil
}
