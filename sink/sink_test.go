package sink

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strahe/assessor-sync/models"
)

func note(cat models.NotificationCategory, sev models.Severity, counts map[string]int64) models.Notification {
	return models.Notification{
		Category:  cat,
		Severity:  sev,
		JobID:     "job-1",
		Table:     "parcels",
		Counts:    counts,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNewUnknownSink(t *testing.T) {
	_, err := New(context.Background(), "pager", nil)
	require.Error(t, err)
	assert.Equal(t, models.KindConfig, models.KindOf(err))
	assert.Contains(t, Types(), "webhook")
}

func TestDispatcherAggregatesConflicts(t *testing.T) {
	debug := NewDebugSink()
	d := NewDispatcher([]Sink{debug}, WithConflictRate(time.Hour, 1))

	d.Notify(note(models.NotifyJobStarted, models.SeverityInfo, nil))
	for i := 0; i < 5; i++ {
		d.Notify(note(models.NotifyConflictDetected, models.SeverityWarning, map[string]int64{"conflicts": 1}))
	}
	require.NoError(t, d.Flush(context.Background()))

	got := debug.Notifications()
	require.Len(t, got, 3)
	assert.Equal(t, models.NotifyJobStarted, got[0].Category)
	// the first conflict passes the limiter, the remaining four are folded together
	assert.Equal(t, int64(1), got[1].Counts["conflicts"])
	assert.Equal(t, int64(4), got[2].Counts["conflicts"])
	assert.Equal(t, 2, debug.Count(models.NotifyConflictDetected))

	require.NoError(t, d.Close())
	// closed dispatcher drops silently
	d.Notify(note(models.NotifyJobFailed, models.SeverityError, nil))
	assert.Len(t, debug.Notifications(), 3)
}

func TestWebhookSink(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []models.Notification
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(context.Background(), "webhook", map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer t"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), []models.Notification{note(models.NotifyJobFailed, models.SeverityError, map[string]int64{"errored": 3})}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, int64(3), got[0].Counts["errored"])

	_, err = New(context.Background(), "webhook", map[string]any{})
	assert.Error(t, err)
}

func TestWebhookSinkReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink()
	require.NoError(t, s.Init(context.Background(), map[string]any{"url": srv.URL}))
	err := s.Write(context.Background(), []models.Notification{note(models.NotifyJobFailed, models.SeverityError, nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestEmailSinkFiltersBySeverity(t *testing.T) {
	s := NewEmailSink()
	require.NoError(t, s.Init(context.Background(), map[string]any{
		"addr":         "smtp.example.org:25",
		"from":         "sync@example.org",
		"to":           []any{"ops@example.org"},
		"min_severity": "error",
	}))
	var sent []string
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, string(msg))
		return nil
	}

	require.NoError(t, s.Write(context.Background(), []models.Notification{note(models.NotifyJobCompleted, models.SeverityInfo, nil)}))
	assert.Empty(t, sent)

	require.NoError(t, s.Write(context.Background(), []models.Notification{note(models.NotifyJobFailed, models.SeverityError, map[string]int64{"errored": 2})}))
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Subject: [assessor-sync] job_failed job-1")
	assert.Contains(t, sent[0], "errored: 2")

	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.Error(t, s.Write(context.Background(), []models.Notification{note(models.NotifyJobFailed, models.SeverityCritical, nil)}))
}

type memPutter struct {
	objects map[string][]byte
	fail    bool
}

func (m *memPutter) PutObject(ctx context.Context, bucket, object string, body *bytes.Reader, size int64) error {
	if m.fail {
		return errors.New("unavailable")
	}
	b, _ := io.ReadAll(body)
	m.objects[bucket+"/"+object] = b
	return nil
}

func TestArchiveSinkUploadsGzipLines(t *testing.T) {
	put := &memPutter{objects: map[string][]byte{}, fail: true}
	s := &ArchiveSink{bucket: "audit", prefix: "n", put: put}
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []models.Notification{
		note(models.NotifyJobStarted, models.SeverityInfo, nil),
		note(models.NotifyJobCompleted, models.SeverityInfo, map[string]int64{"written": 10}),
	}))
	require.Error(t, s.Flush(ctx))

	put.fail = false
	require.NoError(t, s.Flush(ctx))
	require.Len(t, put.objects, 1)
	for name, data := range put.objects {
		assert.True(t, strings.HasPrefix(name, "audit/n/"))
		assert.True(t, strings.HasSuffix(name, ".jsonl.gz"))
		zr, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		sc := bufio.NewScanner(zr)
		lines := 0
		for sc.Scan() {
			var n models.Notification
			require.NoError(t, json.Unmarshal(sc.Bytes(), &n))
			lines++
		}
		assert.Equal(t, 2, lines)
	}
	// nothing left to upload
	require.NoError(t, s.Flush(ctx))
	assert.Len(t, put.objects, 1)
}

func TestStdoutSinkJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink().WithWriter(&buf)
	require.NoError(t, s.Init(context.Background(), map[string]any{"pretty_print": false}))
	require.NoError(t, s.Write(context.Background(), []models.Notification{
		note(models.NotifyJobStarted, models.SeverityInfo, nil),
		note(models.NotifySliceFailed, models.SeverityError, nil),
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"category":"slice_failed"`)
}

func TestConsoleSinkRendersConflict(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink(WithOutput(&buf), WithColorOutput(false))
	s.RenderConflict(&models.ConflictRecord{
		ID:             "c-1",
		JobID:          "job-1",
		Table:          "parcels",
		PrimaryKey:     models.Row{"parcel_id": int64(7)},
		SourceSnapshot: models.Row{"parcel_id": int64(7), "land_value": 120000},
		TargetSnapshot: models.Row{"parcel_id": int64(7), "land_value": 110000},
		PolicyApplied:  models.PolicyManual,
		Resolution:     models.ResolutionManualPending,
	})
	out := buf.String()
	assert.Contains(t, out, "CONFLICT parcels")
	assert.Contains(t, out, "parcel_id=7")
	assert.Contains(t, out, "differs")
	assert.Contains(t, out, "same")

	buf.Reset()
	require.NoError(t, s.Write(context.Background(), []models.Notification{note(models.NotifyRollbackPerformed, models.SeverityWarning, map[string]int64{"units": 4})}))
	assert.Contains(t, buf.String(), "ROLLBACK_PERFORMED")
	assert.Contains(t, buf.String(), "WARNING")
}
