package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/strahe/assessor-sync/models"
)

// progress prints a one-line digest of the audit events worth watching while a
// job runs. Workers call onEvent concurrently.
type progress struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

func newProgress(out io.Writer, verbose bool) *progress {
	return &progress{out: out, verbose: verbose}
}

func (p *progress) onEvent(ev models.AuditEvent) {
	var line string
	switch ev.Type {
	case models.EventStateChange:
		line = color.CyanString("state  %v -> %v", ev.Payload["from"], ev.Payload["to"])
		if reason, ok := ev.Payload["reason"]; ok {
			line += fmt.Sprintf(" (%v)", reason)
		}
	case models.EventCheckpoint:
		line = fmt.Sprintf("table  %s: %v rows written in %v batches", ev.Table, ev.Payload["rows_written"], ev.Payload["batches"])
	case models.EventError:
		line = color.RedString("error  %s: %v", ev.Table, ev.Payload["error"])
	case models.EventValidate:
		if msg, ok := ev.Payload["error"]; ok {
			line = color.RedString("schema %s: %v", ev.Table, msg)
		} else if applied, ok := ev.Payload["migrations"]; ok {
			line = color.YellowString("schema %s: migrated %v", ev.Table, applied)
		} else if p.verbose {
			line = fmt.Sprintf("schema %s: ok", ev.Table)
		}
	case models.EventRollbackStep:
		if msg, ok := ev.Payload["error"]; ok {
			line = color.RedString("undo   %s: unit %v failed: %v", ev.Table, ev.Payload["unit"], msg)
		} else {
			line = color.YellowString("undo   %s: reverted %v rows", ev.Table, ev.Payload["rows"])
		}
	default:
		if p.verbose {
			line = formatEvent(ev)
		}
	}
	if line == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}
