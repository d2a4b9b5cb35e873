package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

type StdoutSink struct {
	prettyPrint bool
	out         io.Writer
}

func NewStdoutSink() *StdoutSink {
	return &StdoutSink{
		prettyPrint: true,
		out:         os.Stdout,
	}
}

// WithWriter redirects output, mostly for tests.
func (s *StdoutSink) WithWriter(w io.Writer) *StdoutSink {
	s.out = w
	return s
}

func (s *StdoutSink) Init(ctx context.Context, config map[string]any) error {
	log.Debug().Msg("StdoutSink Init")
	s.prettyPrint = boolOpt(config, "pretty_print", s.prettyPrint)
	return nil
}

func (s *StdoutSink) Close() error {
	log.Debug().Msg("StdoutSink Close")
	return nil
}

func (s *StdoutSink) Flush(ctx context.Context) error {
	return nil
}

func (s *StdoutSink) Type() string {
	return "stdout"
}

func (s *StdoutSink) Write(ctx context.Context, notes []models.Notification) error {
	if len(notes) == 0 {
		return nil
	}

	if s.prettyPrint {
		_, err := fmt.Fprint(s.out, s.buildPrettyOutput(notes))
		return err
	}
	var outputs []string
	for _, n := range notes {
		data, err := json.Marshal(n)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal notification")
			continue
		}
		outputs = append(outputs, string(data))
	}
	_, err := fmt.Fprintln(s.out, strings.Join(outputs, "\n"))
	return err
}

func (s *StdoutSink) buildPrettyOutput(notes []models.Notification) string {
	var sb strings.Builder

	for i, n := range notes {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("----------------------------------------\n")
		sb.WriteString(fmt.Sprintf("Category: %s\n", n.Category))
		sb.WriteString(fmt.Sprintf("Severity: %s\n", n.Severity))
		sb.WriteString(fmt.Sprintf("Job: %s\n", n.JobID))
		if n.Table != "" {
			sb.WriteString(fmt.Sprintf("Table: %s\n", n.Table))
		}
		sb.WriteString(fmt.Sprintf("Timestamp: %s\n", n.Timestamp.Format(time.RFC3339)))
		if n.Message != "" {
			sb.WriteString(fmt.Sprintf("Message: %s\n", n.Message))
		}
		if len(n.Counts) > 0 {
			sb.WriteString("Counts:\n")
			keys := make([]string, 0, len(n.Counts))
			for k := range n.Counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				sb.WriteString(fmt.Sprintf("  %s: %d\n", k, n.Counts[k]))
			}
		}
		sb.WriteString("----------------------------------------\n")
	}

	return sb.String()
}

var _ Sink = (*StdoutSink)(nil)
