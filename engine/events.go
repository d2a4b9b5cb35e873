package engine

import (
	"context"
	"iter"
	"time"

	"github.com/strahe/assessor-sync/models"
)

const eventPage = 500

// StreamEvents yields the audit events of a job after cursor `from`. The sequence
// follows a running job and ends once the job is no longer running and every event
// has been delivered.
func (e *Engine) StreamEvents(ctx context.Context, jobID string, from int64) iter.Seq2[models.AuditEvent, error] {
	return func(yield func(models.AuditEvent, error) bool) {
		if _, err := e.GetJob(ctx, jobID); err != nil {
			yield(models.AuditEvent{}, err)
			return
		}
		cursor := from
		drain := func() (int, bool) {
			evs, err := e.ledger.ListEvents(ctx, jobID, cursor, eventPage)
			if err != nil {
				yield(models.AuditEvent{}, err)
				return 0, false
			}
			for _, ev := range evs {
				if !yield(ev, nil) {
					return 0, false
				}
				cursor = ev.Seq
			}
			return len(evs), true
		}

		for {
			// checked before draining so nothing appended by the last worker is missed
			_, running := e.active(jobID)
			n, ok := drain()
			if !ok {
				return
			}
			if n == eventPage {
				continue
			}
			if !running {
				return
			}
			t := time.NewTimer(e.pollInterval)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				yield(models.AuditEvent{}, ctx.Err())
				return
			}
		}
	}
}
