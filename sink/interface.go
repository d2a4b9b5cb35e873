package sink

import (
	"context"
	"fmt"
	"sort"

	"github.com/strahe/assessor-sync/models"
)

// Sink is an alert channel for job notifications.
type Sink interface {
	Init(ctx context.Context, config map[string]any) error
	Write(ctx context.Context, notes []models.Notification) error
	Flush(ctx context.Context) error
	Close() error
	Type() string
}

var factories = map[string]func() Sink{
	"stdout":  func() Sink { return NewStdoutSink() },
	"console": func() Sink { return NewConsoleSink() },
	"debug":   func() Sink { return NewDebugSink() },
	"log":     func() Sink { return NewLogSink() },
	"webhook": func() Sink { return NewWebhookSink() },
	"email":   func() Sink { return NewEmailSink() },
	"archive": func() Sink { return NewArchiveSink() },
}

// New creates and initializes a sink of the given type.
func New(ctx context.Context, typ string, config map[string]any) (Sink, error) {
	f, ok := factories[typ]
	if !ok {
		return nil, models.NewConfigError("unknown sink type %q", typ)
	}
	s := f()
	if err := s.Init(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to init %s sink: %w", typ, err)
	}
	return s, nil
}

// Types lists the registered sink types.
func Types() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stringOpt(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolOpt(config map[string]any, key string, def bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}

func stringsOpt(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
