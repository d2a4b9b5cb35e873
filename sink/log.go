package sink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.Named("notify")}
}

func (s *LogSink) Init(ctx context.Context, config map[string]any) error {
	if name := stringOpt(config, "logger", ""); name != "" {
		s.logger = log.Named(name)
	}
	return nil
}

func (s *LogSink) Write(ctx context.Context, notes []models.Notification) error {
	for _, n := range notes {
		var ev *zerolog.Event
		switch n.Severity {
		case models.SeverityCritical, models.SeverityError:
			ev = s.logger.Error()
		case models.SeverityWarning:
			ev = s.logger.Warn()
		default:
			ev = s.logger.Info()
		}
		d := zerolog.Dict()
		for k, v := range n.Counts {
			d = d.Int64(k, v)
		}
		ev.Str("category", string(n.Category)).
			Str("severity", string(n.Severity)).
			Str("job_id", n.JobID).
			Str("table", n.Table).
			Dict("counts", d).
			Msg(n.Message)
	}
	return nil
}

func (s *LogSink) Flush(ctx context.Context) error { return nil }

func (s *LogSink) Close() error { return nil }

func (s *LogSink) Type() string { return "log" }

var _ Sink = (*LogSink)(nil)
