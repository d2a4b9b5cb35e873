package sink

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/samber/lo"

	"github.com/strahe/assessor-sync/models"
)

// ConsoleSink renders notifications and conflicts as tables on a terminal.
type ConsoleSink struct {
	colorEnabled   bool
	tableStyle     table.Style
	maxColumnWidth int
	// bytea rendering: "hex", "base64" or "text"
	binaryFormat string
	out          io.Writer
}

type ConsoleSinkOption func(*ConsoleSink)

func WithColorOutput(enabled bool) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.colorEnabled = enabled
	}
}

// WithMaxColumnWidth truncates rendered values longer than width runes.
func WithMaxColumnWidth(width int) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.maxColumnWidth = width
	}
}

func WithBinaryFormat(format string) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.binaryFormat = format
	}
}

// WithOutput sets the writer tables are rendered to.
func WithOutput(w io.Writer) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.out = w
	}
}

// TableStyle is the box style shared by the console sink and the CLI.
func TableStyle() table.Style {
	style := table.StyleLight
	style.Name = "assessor-sync"
	style.Title = table.TitleOptions{
		Align:  text.AlignCenter,
		Colors: text.Colors{text.FgHiWhite, text.Bold},
	}
	style.Color.Header = text.Colors{text.FgHiWhite, text.Bold}
	style.Color.Footer = text.Colors{text.FgHiWhite, text.Bold}
	return style
}

func NewConsoleSink(options ...ConsoleSinkOption) *ConsoleSink {
	s := &ConsoleSink{
		colorEnabled:   true,
		tableStyle:     TableStyle(),
		maxColumnWidth: 80,
		binaryFormat:   "hex",
		out:            os.Stdout,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *ConsoleSink) Init(ctx context.Context, config map[string]any) error {
	s.colorEnabled = boolOpt(config, "color", s.colorEnabled)
	s.binaryFormat = stringOpt(config, "binary_format", s.binaryFormat)
	if w, ok := config["max_column_width"].(int64); ok && w > 3 {
		s.maxColumnWidth = int(w)
	}
	return nil
}

func (s *ConsoleSink) Write(ctx context.Context, notes []models.Notification) error {
	for _, n := range notes {
		s.writeNotificationTable(n)
	}
	return nil
}

func (s *ConsoleSink) paint(attrs ...color.Attribute) func(a ...interface{}) string {
	if !s.colorEnabled {
		return fmt.Sprint
	}
	return color.New(attrs...).SprintFunc()
}

// SeverityText colors a severity label.
func (s *ConsoleSink) SeverityText(sev models.Severity) string {
	label := strings.ToUpper(string(sev))
	switch sev {
	case models.SeverityCritical:
		return s.paint(color.FgHiRed, color.Bold)(label)
	case models.SeverityError:
		return s.paint(color.FgRed, color.Bold)(label)
	case models.SeverityWarning:
		return s.paint(color.FgYellow, color.Bold)(label)
	default:
		return s.paint(color.FgGreen)(label)
	}
}

func (s *ConsoleSink) writeNotificationTable(n models.Notification) {
	t := table.NewWriter()
	t.SetOutputMirror(s.out)

	rows := []table.Row{
		{"Severity", s.SeverityText(n.Severity)},
		{"Job", n.JobID},
		{"Timestamp", n.Timestamp.Format(time.RFC3339)},
	}
	if n.Table != "" {
		rows = append(rows, table.Row{"Table", n.Table})
	}
	if n.Message != "" {
		rows = append(rows, table.Row{"Message", s.truncate(n.Message)})
	}
	counts := lo.Keys(n.Counts)
	sort.Strings(counts)
	for _, k := range counts {
		rows = append(rows, table.Row{k, n.Counts[k]})
	}
	t.AppendRows(rows)
	t.SetStyle(s.tableStyle)
	t.SetTitle(strings.ToUpper(string(n.Category)))
	t.Render()
	fmt.Fprintln(s.out)
}

// RenderConflict prints a conflict with its source/target snapshots side by side.
func (s *ConsoleSink) RenderConflict(c *models.ConflictRecord) {
	summary := table.NewWriter()
	summary.AppendRows([]table.Row{
		{"Conflict", c.ID},
		{"Job", c.JobID},
		{"Table", c.Table},
		{"Primary Key", s.formatRow(c.PrimaryKey)},
		{"Detected", c.DetectedAt.Format(time.RFC3339)},
		{"Policy", c.PolicyApplied},
		{"Resolution", s.resolutionText(c.Resolution)},
	})
	if c.Resolver != "" {
		summary.AppendRow(table.Row{"Resolver", c.Resolver})
	}
	if c.ResolvedAt != nil {
		summary.AppendRow(table.Row{"Resolved", c.ResolvedAt.Format(time.RFC3339)})
	}
	for i, note := range c.Notes {
		summary.AppendRow(table.Row{fmt.Sprintf("Note %d", i+1), s.truncate(note)})
	}
	summary.SetStyle(s.tableStyle)
	summary.Style().Options.DrawBorder = false

	outer := table.NewWriter()
	outer.SetOutputMirror(s.out)
	outer.AppendRow(table.Row{summary.Render()})
	outer.AppendRow(table.Row{""})
	outer.AppendRow(table.Row{text.Bold.Sprint("Field Comparison")})
	outer.AppendRow(table.Row{s.snapshotDiff(c.TargetSnapshot, c.SourceSnapshot).Render()})
	outer.SetStyle(s.tableStyle)
	outer.SetTitle(fmt.Sprintf("CONFLICT %s", c.Table))
	outer.Render()
	fmt.Fprintln(s.out)
}

func (s *ConsoleSink) resolutionText(r models.Resolution) string {
	if r == models.ResolutionManualPending {
		return s.paint(color.FgYellow, color.Bold)(string(r))
	}
	return s.paint(color.FgGreen)(string(r))
}

func (s *ConsoleSink) formatRow(r models.Row) string {
	cols := lo.Keys(r)
	sort.Strings(cols)
	return strings.Join(lo.Map(cols, func(col string, _ int) string {
		return col + "=" + s.formatValue(r[col])
	}), ", ")
}

// snapshotDiff lines up the target and source snapshots column by column.
func (s *ConsoleSink) snapshotDiff(target, source models.Row) table.Writer {
	differs := s.paint(color.FgYellow, color.Bold)
	only := s.paint(color.FgCyan)
	same := s.paint(color.Faint)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Column", "Target", "Source", ""})

	cols := lo.Union(lo.Keys(target), lo.Keys(source))
	sort.Strings(cols)
	for _, col := range cols {
		tv, inTarget := target[col]
		sv, inSource := source[col]
		switch {
		case !inTarget:
			t.AppendRow(table.Row{col, "", s.formatValue(sv), only("source only")})
		case !inSource:
			t.AppendRow(table.Row{col, s.formatValue(tv), "", only("target only")})
		case reflect.DeepEqual(tv, sv):
			t.AppendRow(table.Row{col, s.formatValue(tv), s.formatValue(sv), same("same")})
		default:
			t.AppendRow(table.Row{col, differs(s.formatValue(tv)), differs(s.formatValue(sv)), differs("differs")})
		}
	}
	t.SetStyle(s.tableStyle)
	return t
}

func (s *ConsoleSink) formatValue(val any) string {
	switch v := val.(type) {
	case nil:
		return "NULL"
	case []byte:
		return s.truncate(s.formatBytes(v))
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case string:
		return s.truncate(v)
	default:
		return s.truncate(fmt.Sprint(v))
	}
}

func (s *ConsoleSink) formatBytes(data []byte) string {
	if len(data) == 0 {
		return "''"
	}
	switch s.binaryFormat {
	case "base64":
		return "base64:" + base64.StdEncoding.EncodeToString(data)
	case "text":
		if utf8.Valid(data) {
			return strconv.Quote(string(data))
		}
	}
	return `\x` + hex.EncodeToString(data)
}

func (s *ConsoleSink) truncate(str string) string {
	if s.maxColumnWidth <= 3 || utf8.RuneCountInString(str) <= s.maxColumnWidth {
		return str
	}
	return string([]rune(str)[:s.maxColumnWidth-3]) + "..."
}

func (s *ConsoleSink) Flush(ctx context.Context) error {
	return nil
}

func (s *ConsoleSink) Close() error {
	return nil
}

func (s *ConsoleSink) Type() string {
	return "console"
}

var _ Sink = (*ConsoleSink)(nil)
