package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/sink"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(sink.TableStyle())
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func statusText(s models.JobStatus) string {
	switch s {
	case models.JobCompleted:
		return color.GreenString(string(s))
	case models.JobFailed:
		return color.RedString(string(s))
	case models.JobCancelled, models.JobRolledBack:
		return color.YellowString(string(s))
	case models.JobRunning, models.JobPaused:
		return color.CyanString(string(s))
	}
	return string(s)
}

func sliceStatusText(s models.SliceStatus) string {
	switch s {
	case models.SliceCompleted:
		return color.GreenString(string(s))
	case models.SliceFailed:
		return color.RedString(string(s))
	case models.SliceCancelled:
		return color.YellowString(string(s))
	}
	return string(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatDuration(job *models.SyncJob) string {
	end := time.Now()
	if job.EndedAt != nil {
		end = *job.EndedAt
	}
	if job.StartedAt.IsZero() {
		return "-"
	}
	return end.Sub(job.StartedAt).Round(time.Second).String()
}

func renderJobs(w io.Writer, jobs []*models.SyncJob) {
	t := newTable(w, "JOBS")
	t.AppendHeader(table.Row{"Job", "Mode", "Pair", "Status", "Started", "Duration", "Written", "Conflicted", "Errored"})
	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID, j.Mode, j.PairKey(), statusText(j.Status), formatTime(j.StartedAt), formatDuration(j),
			j.Totals.Written, j.Totals.Conflicted, j.Totals.Errored,
		})
	}
	t.Render()
}

func renderJob(w io.Writer, job *models.SyncJob, slices []*models.TableSlice) {
	t := newTable(w, "JOB "+job.ID)
	t.AppendRows([]table.Row{
		{"Status", statusText(job.Status)},
		{"Mode", job.Mode},
		{"Source", job.SourceRef},
		{"Target", job.TargetRef},
		{"Policy", job.ConflictPolicy},
		{"Started", formatTime(job.StartedAt)},
		{"Duration", formatDuration(job)},
		{"Planned", job.Totals.Planned},
		{"Processed", job.Totals.Processed},
		{"Written", job.Totals.Written},
		{"Skipped", job.Totals.Skipped},
		{"Deleted", job.Totals.Deleted},
		{"Conflicted", job.Totals.Conflicted},
		{"Errored", job.Totals.Errored},
		{"Manual Pending", job.Summary.ManualPending},
	})
	if job.Owner != "" {
		t.AppendRow(table.Row{"Owner", job.Owner})
	}
	if job.Summary.SanitizedFields > 0 {
		t.AppendRow(table.Row{"Sanitized Fields", job.Summary.SanitizedFields})
	}
	if job.Summary.NullWatermarks > 0 {
		t.AppendRow(table.Row{"Null Watermarks", job.Summary.NullWatermarks})
	}
	if job.Summary.Retries > 0 {
		t.AppendRow(table.Row{"Retries", job.Summary.Retries})
	}
	if len(job.Summary.ErrorCounts) > 0 {
		kinds := make([]string, 0, len(job.Summary.ErrorCounts))
		for k, n := range job.Summary.ErrorCounts {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		t.AppendRow(table.Row{"Errors", strings.Join(kinds, " ")})
	}
	for _, m := range job.Summary.Migrations {
		t.AppendRow(table.Row{"Migration", m})
	}
	if job.Summary.RollbackPerformed {
		t.AppendRow(table.Row{"Rollback", fmt.Sprintf("performed, %d failures", job.Summary.RollbackFailures)})
	}
	if job.Error != "" {
		t.AppendRow(table.Row{"Error", color.RedString(job.Error)})
	}
	t.Render()

	if len(slices) == 0 {
		return
	}
	st := newTable(w, "TABLES")
	st.AppendHeader(table.Row{"Table", "Target", "Status", "Planned", "Seen", "Written", "Skipped", "Deleted", "Conflicted", "Errored", "Batches", "Checkpoint"})
	for _, s := range slices {
		cp := "-"
		if s.Checkpoint != nil {
			cp = fmt.Sprint(s.LastCheckpointKey())
		}
		st.AppendRow(table.Row{
			s.Table, s.TargetTable, sliceStatusText(s.Status), s.Planned, s.RowsSeen, s.RowsWritten,
			s.RowsSkipped, s.RowsDeleted, s.RowsConflicted, s.RowsErrored, s.Batches, cp,
		})
	}
	st.Render()
}

func renderConflicts(w io.Writer, conflicts []*models.ConflictRecord) {
	t := newTable(w, "CONFLICTS")
	t.AppendHeader(table.Row{"Conflict", "Job", "Table", "Primary Key", "Fields", "Policy", "Resolution", "Detected"})
	for _, c := range conflicts {
		fields := make([]string, 0, len(c.DifferingFields))
		for f := range c.DifferingFields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		resolution := string(c.Resolution)
		if c.Pending() {
			resolution = color.YellowString(resolution)
		}
		t.AppendRow(table.Row{
			c.ID, c.JobID, c.Table, formatKey(c.PrimaryKey), strings.Join(fields, ","),
			c.PolicyApplied, resolution, formatTime(c.DetectedAt),
		})
	}
	t.Render()
}

func formatKey(r models.Row) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, r[k])
	}
	return strings.Join(parts, ",")
}

func renderMappings(w io.Writer, ms []*models.TableMapping) {
	t := newTable(w, "MAPPINGS")
	t.AppendHeader(table.Row{"Data Type", "Name", "Source", "Target", "Keys", "Watermark", "Policy", "Fields"})
	for _, m := range ms {
		t.AppendRow(table.Row{
			m.DataType, m.Name, m.SourceTable, m.Target(), strings.Join(m.PrimaryKeys, ","),
			m.Watermark, m.ConflictPolicy, len(m.Fields),
		})
	}
	t.Render()
}

func formatEvent(ev models.AuditEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s %-16s", ev.Seq, ev.Timestamp.Local().Format(time.TimeOnly), ev.Type)
	if ev.Table != "" {
		fmt.Fprintf(&b, " [%s]", ev.Table)
	}
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Payload[k])
	}
	return b.String()
}
