package escalation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/deploywatch-rca/internal/metrics"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	defaultWorkers    = 3
	defaultBufferSize = 100
	defaultPerMinute  = 6
	limiterMaxAge     = time.Hour
)

// ErrQueueFull is returned when the dispatch buffer is saturated.
var ErrQueueFull = errors.New("escalation queue full")

// Notification is what a channel delivers for one report.
type Notification struct {
	Report   models.RCAReport        `json:"report"`
	Action   models.EscalationAction `json:"action"`
	Severity models.Severity         `json:"severity"`
}

// Channel is an external escalation target (webhook, voice call, ...).
type Channel interface {
	Name() string
	// Accepts reports whether the channel handles the given action.
	Accepts(action models.EscalationAction) bool
	Send(ctx context.Context, n Notification) error
}

// OutcomeFunc receives the asynchronous delivery result of each channel.
type OutcomeFunc func(models.EscalationOutcome)

// Options tunes the dispatcher.
type Options struct {
	Workers    int
	BufferSize int
	// PerMinute bounds escalations per watch (or per service when unattributed).
	PerMinute int
	// SendTimeout bounds one channel delivery including retries.
	SendTimeout time.Duration
}

// keyedLimiter tracks rate limits per escalation key.
type keyedLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rate       rate.Limit
	burst      int
	now        func() time.Time
}

func newKeyedLimiter(perMinute int) *keyedLimiter {
	return &keyedLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(perMinute) / 60.0),
		burst:      max(1, perMinute/2),
		now:        time.Now,
	}
}

func (k *keyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	limiter, exists := k.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(k.rate, k.burst)
		k.limiters[key] = limiter
	}
	k.lastAccess[key] = k.now()
	return limiter.Allow()
}

// Evict removes limiters that haven't been accessed within maxAge.
func (k *keyedLimiter) Evict(maxAge time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-maxAge)
	for key, last := range k.lastAccess {
		if last.Before(cutoff) {
			delete(k.limiters, key)
			delete(k.lastAccess, key)
		}
	}
}

func (k *keyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

type work struct {
	note    Notification
	channel Channel
}

// Dispatcher fans escalations out to channels on a bounded worker pool. Dispatch never blocks
// the caller; results are reported through the outcome callback.
type Dispatcher struct {
	logger      *slog.Logger
	channels    []Channel
	onOutcome   OutcomeFunc
	limiter     *keyedLimiter
	queue       chan work
	workers     int
	sendTimeout time.Duration
	wg          sync.WaitGroup
	now         func() time.Time
}

// NewDispatcher creates a dispatcher over the given channels. onOutcome may be nil.
func NewDispatcher(logger *slog.Logger, channels []Channel, onOutcome OutcomeFunc, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.PerMinute <= 0 {
		opts.PerMinute = defaultPerMinute
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		logger:      logger.With(slog.String("component", "escalation")),
		channels:    channels,
		onOutcome:   onOutcome,
		limiter:     newKeyedLimiter(opts.PerMinute),
		queue:       make(chan work, opts.BufferSize),
		workers:     opts.Workers,
		sendTimeout: opts.SendTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the workers and the limiter janitor. Non-blocking.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	go d.janitor(ctx)

	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	d.logger.Info("escalation dispatcher started", slog.Int("workers", d.workers), slog.Any("channels", names))
}

// Close waits for workers to drain. Call after the context passed to Start is cancelled.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// Dispatch enqueues report for every channel that accepts action. It returns immediately.
func (d *Dispatcher) Dispatch(report models.RCAReport, action models.EscalationAction) error {
	if action == models.EscalationNone {
		return nil
	}
	key := report.WatchID
	if key == "" {
		key = report.Service
	}
	if !d.limiter.Allow(key) {
		d.logger.Debug("escalation rate limited", slog.String("key", key), slog.String("report_id", report.ID))
		d.emit(models.EscalationOutcome{ReportID: report.ID, Action: action, Channel: "dispatcher", Detail: "rate limited"})
		return nil
	}

	note := Notification{Report: report, Action: action, Severity: EffectiveSeverity(report)}
	var dropped error
	for _, channel := range d.channels {
		if !channel.Accepts(action) {
			continue
		}
		select {
		case d.queue <- work{note: note, channel: channel}:
		default:
			d.logger.Warn("escalation buffer full, dropping",
				slog.String("channel", channel.Name()),
				slog.String("report_id", report.ID),
			)
			d.emit(models.EscalationOutcome{ReportID: report.ID, Action: action, Channel: channel.Name(), Detail: ErrQueueFull.Error()})
			dropped = ErrQueueFull
		}
	}
	return dropped
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case item := <-d.queue:
					d.deliver(context.Background(), item)
				default:
					return
				}
			}
		case item := <-d.queue:
			d.deliver(ctx, item)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item work) {
	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	err := item.channel.Send(sctx, item.note)
	outcome := models.EscalationOutcome{
		ReportID:  item.note.Report.ID,
		Action:    item.note.Action,
		Channel:   item.channel.Name(),
		Delivered: err == nil,
	}
	if err != nil {
		outcome.Detail = err.Error()
		d.logger.Error("escalation delivery failed",
			slog.String("channel", outcome.Channel),
			slog.String("report_id", outcome.ReportID),
			slog.Any("error", err),
		)
	} else {
		d.logger.Info("escalation delivered",
			slog.String("channel", outcome.Channel),
			slog.String("report_id", outcome.ReportID),
			slog.String("action", string(outcome.Action)),
		)
	}
	d.emit(outcome)
}

func (d *Dispatcher) emit(outcome models.EscalationOutcome) {
	outcome.At = d.now()
	metrics.ObserveEscalation(string(outcome.Action), outcome.Channel, outcome.Delivered)
	if d.onOutcome != nil {
		d.onOutcome(outcome)
	}
}

func (d *Dispatcher) janitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.limiter.Evict(limiterMaxAge)
		}
	}
}
