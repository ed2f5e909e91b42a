package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Tradeflow/internal/worker"
)

// Sink — получатель событий.
// Send должен быть идемпотентным по Event.ID: при ошибке одного sink
// событие доставляется всем sink'ам повторно.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// LogSink пишет события в лог.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink создаёт LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, ev Event) error {
	s.logger.Info("event",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"campaign_id", ev.CampaignID,
		"data", ev.Data,
	)
	return nil
}

// EventPublisher публикует событие в topic exchange.
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, event any) error
}

// EventSink публикует события в tradeflow.events с routing key = Kind.
type EventSink struct {
	pub EventPublisher
}

// NewEventSink создаёт EventSink.
func NewEventSink(pub EventPublisher) *EventSink {
	return &EventSink{pub: pub}
}

func (s *EventSink) Name() string { return "events" }

func (s *EventSink) Send(ctx context.Context, ev Event) error {
	return s.pub.PublishEvent(ctx, ev.Kind, ev)
}

// Notify доставляет событие во все sink'и.
func (h *Handlers) Notify(ctx context.Context, job *worker.Job, jc *worker.JobContext) (any, error) {
	var ev Event
	if err := job.Decode(&ev); err != nil {
		return nil, err
	}

	key := notifyKey(ev.ID)
	if done, err := jc.CheckIdempotency(ctx, key); err != nil {
		return nil, err
	} else if done {
		return Skipped{Reason: "already delivered"}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range h.sinks {
		g.Go(func() error {
			if err := sink.Send(gctx, ev); err != nil {
				return fmt.Errorf("sink %s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, worker.Transient(err)
	}

	if err := jc.MarkProcessed(ctx, key); err != nil {
		jc.Logger().Warn("failed to mark event delivered", "event_id", ev.ID, "error", err)
	}
	return map[string]any{"kind": ev.Kind, "sinks": len(h.sinks)}, nil
}
