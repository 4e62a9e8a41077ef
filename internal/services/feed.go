package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/hub"
	"github.com/miradorstack/deploywatch-rca/internal/metrics"
	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/store"
	"github.com/miradorstack/deploywatch-rca/internal/watch"
)

const feedBuffer = 256

// Publisher pushes live events to subscribers.
type Publisher interface {
	Publish(eventType, key string, payload any)
}

// Feed records watch lifecycle transitions and escalation outcomes. Watch snapshots are
// persisted by a single writer so the sink sees them in transition order.
type Feed struct {
	logger    *slog.Logger
	sink      store.ReportSink
	publisher Publisher
	pending   chan models.DeploymentWatch
	wg        sync.WaitGroup
}

// NewFeed builds a feed. sink and publisher may be nil.
func NewFeed(logger *slog.Logger, sink store.ReportSink, publisher Publisher) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger:    logger.With(slog.String("component", "feed")),
		sink:      sink,
		publisher: publisher,
		pending:   make(chan models.DeploymentWatch, feedBuffer),
	}
}

// Run persists queued watch snapshots until ctx is cancelled, then drains what is left.
func (f *Feed) Run(ctx context.Context) {
	f.wg.Add(1)
	defer f.wg.Done()
	for {
		select {
		case w := <-f.pending:
			f.persist(w)
		case <-ctx.Done():
			for {
				select {
				case w := <-f.pending:
					f.persist(w)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (f *Feed) Wait() { f.wg.Wait() }

// ObserveWatch is registered as the registry's lifecycle observer.
func (f *Feed) ObserveWatch(t watch.Transition) {
	metrics.ObserveWatchTransition(string(t.To))

	level := slog.LevelInfo
	if t.To == models.WatchResolved && t.Watch.Outcome == models.OutcomeLapsed {
		level = slog.LevelWarn
	}
	f.logger.Log(context.Background(), level, "watch transition",
		slog.String("watch_id", t.Watch.ID),
		slog.String("key", models.NewWatchKey(t.Watch.Repository, t.Watch.Branch).String()),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.Int("attributed_errors", t.Watch.AttributedErrors),
		slog.String("outcome", t.Watch.Outcome),
	)

	if f.publisher != nil {
		eventType := hub.EventWatchTransition
		if t.From == "" {
			eventType = hub.EventWatchOpened
		}
		f.publisher.Publish(eventType, t.Watch.ID, t)
	}

	if f.sink == nil {
		return
	}
	select {
	case f.pending <- t.Watch:
	default:
		f.logger.Warn("watch persistence backlog full, dropping snapshot", slog.String("watch_id", t.Watch.ID))
	}
}

// ObserveEscalation receives asynchronous escalation outcomes.
func (f *Feed) ObserveEscalation(o models.EscalationOutcome) {
	attrs := []any{
		slog.String("report_id", o.ReportID),
		slog.String("action", string(o.Action)),
		slog.String("channel", o.Channel),
		slog.Bool("delivered", o.Delivered),
		slog.String("detail", o.Detail),
	}
	if o.Delivered {
		f.logger.Info("escalation delivered", attrs...)
	} else {
		f.logger.Warn("escalation not delivered", attrs...)
	}
	if f.publisher != nil {
		f.publisher.Publish(hub.EventEscalationOutcome, o.ReportID, o)
	}
}

func (f *Feed) persist(w models.DeploymentWatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sink.AppendWatch(ctx, w); err != nil {
		f.logger.Error("persist watch failed", slog.String("watch_id", w.ID), slog.Any("error", err))
	}
}
