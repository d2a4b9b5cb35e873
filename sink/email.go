package sink

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/strahe/assessor-sync/models"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSink mails notifications at or above a minimum severity.
type EmailSink struct {
	addr        string
	from        string
	to          []string
	auth        smtp.Auth
	minSeverity models.Severity
	send        sendMailFunc
}

func NewEmailSink() *EmailSink {
	return &EmailSink{
		minSeverity: models.SeverityWarning,
		send:        smtp.SendMail,
	}
}

var severityRank = map[models.Severity]int{
	models.SeverityInfo:     0,
	models.SeverityWarning:  1,
	models.SeverityError:    2,
	models.SeverityCritical: 3,
}

func (s *EmailSink) Init(ctx context.Context, config map[string]any) error {
	s.addr = stringOpt(config, "addr", "")
	s.from = stringOpt(config, "from", "")
	s.to = stringsOpt(config, "to")
	if s.addr == "" || s.from == "" || len(s.to) == 0 {
		return models.NewConfigError("email sink requires addr, from and to")
	}
	if sev := models.Severity(stringOpt(config, "min_severity", "")); sev != "" {
		if _, ok := severityRank[sev]; !ok {
			return models.NewConfigError("unknown severity %q", sev)
		}
		s.minSeverity = sev
	}
	if user := stringOpt(config, "username", ""); user != "" {
		host, _, err := net.SplitHostPort(s.addr)
		if err != nil {
			return models.NewConfigError("email addr %q: %v", s.addr, err)
		}
		s.auth = smtp.PlainAuth("", user, stringOpt(config, "password", ""), host)
	}
	return nil
}

func (s *EmailSink) Write(ctx context.Context, notes []models.Notification) error {
	var selected []models.Notification
	for _, n := range notes {
		if severityRank[n.Severity] >= severityRank[s.minSeverity] {
			selected = append(selected, n)
		}
	}
	if len(selected) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(s.addr, s.auth, s.from, s.to, s.message(selected)); err != nil {
		return fmt.Errorf("failed to send notification mail: %w", err)
	}
	return nil
}

func (s *EmailSink) message(notes []models.Notification) []byte {
	var b strings.Builder
	subject := fmt.Sprintf("[assessor-sync] %s %s", notes[0].Category, notes[0].JobID)
	if len(notes) > 1 {
		subject = fmt.Sprintf("[assessor-sync] %d notifications", len(notes))
	}
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "%s [%s] job=%s", n.Category, n.Severity, n.JobID)
		if n.Table != "" {
			fmt.Fprintf(&b, " table=%s", n.Table)
		}
		b.WriteString("\r\n")
		if n.Message != "" {
			fmt.Fprintf(&b, "  %s\r\n", n.Message)
		}
		keys := make([]string, 0, len(n.Counts))
		for k := range n.Counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %d\r\n", k, n.Counts[k])
		}
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func (s *EmailSink) Flush(ctx context.Context) error { return nil }

func (s *EmailSink) Close() error { return nil }

func (s *EmailSink) Type() string { return "email" }

var _ Sink = (*EmailSink)(nil)
