package sink

import (
	"context"
	"sync"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

// DebugSink keeps every notification in memory.
type DebugSink struct {
	mu    sync.Mutex
	notes []models.Notification
}

func NewDebugSink() *DebugSink {
	return &DebugSink{}
}

func (s *DebugSink) Init(ctx context.Context, config map[string]any) error {
	log.Debug().Msg("DebugSink Init")
	return nil
}

// Close implements Sink.
func (s *DebugSink) Close() error {
	log.Debug().Msg("DebugSink Close")
	return nil
}

// Flush implements Sink.
func (s *DebugSink) Flush(ctx context.Context) error {
	return nil
}

// Type implements Sink.
func (s *DebugSink) Type() string {
	return "debug"
}

// Write implements Sink.
func (s *DebugSink) Write(ctx context.Context, notes []models.Notification) error {
	log.Debug().Int("count", len(notes)).Msg("DebugSink Write")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, notes...)
	return nil
}

// Notifications returns a copy of everything written so far.
func (s *DebugSink) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notes...)
}

// Count returns how many notifications of a category were written.
func (s *DebugSink) Count(c models.NotificationCategory) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.notes {
		if x.Category == c {
			n++
		}
	}
	return n
}

var _ Sink = (*DebugSink)(nil)
