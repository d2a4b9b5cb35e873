package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

// Notifier accepts notifications without blocking on delivery.
type Notifier interface {
	Notify(n models.Notification)
}

type envelope struct {
	note  *models.Notification
	flush chan struct{}
}

// Dispatcher fans notifications out to every sink on a background goroutine.
// conflict_detected notifications are aggregated per (job, table) and released at
// most at the configured rate; anything held back goes out on Flush.
type Dispatcher struct {
	sinks   []Sink
	logger  zerolog.Logger
	limiter *rate.Limiter
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan envelope
	pending map[string]*models.Notification
	order   []string
	done    chan struct{}
}

type DispatcherOption func(*Dispatcher)

// WithConflictRate limits how often aggregated conflict notifications are released.
func WithConflictRate(every time.Duration, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithWriteTimeout bounds a single sink write.
func WithWriteTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = t
	}
}

func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		logger:  log.Named("dispatcher"),
		limiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		timeout: 30 * time.Second,
		queue:   make(chan envelope, 256),
		pending: make(map[string]*models.Notification),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

var _ Notifier = (*Dispatcher)(nil)

func (d *Dispatcher) Notify(n models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Category == models.NotifyConflictDetected {
		d.aggregate(n)
		return
	}
	d.enqueue(envelope{note: &n})
}

func (d *Dispatcher) aggregate(n models.Notification) {
	d.mu.Lock()
	key := n.JobID + "\x00" + n.Table
	agg, ok := d.pending[key]
	if !ok {
		cp := n
		cp.Counts = make(map[string]int64, len(n.Counts))
		agg = &cp
		d.pending[key] = agg
		d.order = append(d.order, key)
	}
	for k, v := range n.Counts {
		agg.Counts[k] += v
	}
	if severityRank[n.Severity] > severityRank[agg.Severity] {
		agg.Severity = n.Severity
	}
	agg.Message = n.Message
	agg.Timestamp = n.Timestamp
	var release []*models.Notification
	if d.limiter.Allow() {
		release = d.takePendingLocked()
	}
	d.mu.Unlock()

	for _, r := range release {
		d.enqueue(envelope{note: r})
	}
}

func (d *Dispatcher) takePendingLocked() []*models.Notification {
	out := make([]*models.Notification, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.pending[k])
	}
	d.pending = make(map[string]*models.Notification)
	d.order = nil
	return out
}

func (d *Dispatcher) enqueue(e envelope) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		if e.note != nil {
			d.logger.Warn().Str("category", string(e.note.Category)).Msg("dispatcher closed, dropping notification")
		}
		return false
	}
	d.queue <- e
	return true
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		if e.note != nil {
			d.write(*e.note)
		}
		if e.flush != nil {
			d.flushSinks()
			close(e.flush)
		}
	}
}

func (d *Dispatcher) write(n models.Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := s.Write(ctx, []models.Notification{n}); err != nil {
			d.logger.Warn().Err(err).Str("sink", s.Type()).Str("category", string(n.Category)).Msg("notification delivery failed")
		}
		cancel()
	}
}

func (d *Dispatcher) flushSinks() {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := s.Flush(ctx); err != nil {
			d.logger.Warn().Err(err).Str("sink", s.Type()).Msg("sink flush failed")
		}
		cancel()
	}
}

// Flush releases aggregated conflicts and waits until every queued notification
// reached the sinks.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	release := d.takePendingLocked()
	d.mu.Unlock()
	for _, r := range release {
		d.enqueue(envelope{note: r})
	}

	done := make(chan struct{})
	if !d.enqueue(envelope{flush: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes, stops the worker and closes all sinks.
func (d *Dispatcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	flushErr := d.Flush(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done

	errs := []error{flushErr}
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
