package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/internal/queue"
	"github.com/leakwatch/leakwatch/internal/schema"
)

// EventStore is the persistence contract the sink writes through.
// Implemented by postgres.EventStore.
type EventStore interface {
	SaveProcessedEvent(ctx context.Context, event *schema.ProcessedEvent) (bool, error)
}

// Exporter receives every newly persisted event. Implemented by
// csvout.Writer.
type Exporter interface {
	Append(event *schema.ProcessedEvent) error
}

// Sink is the endless consumer of the processed queue. Each item is
// persisted in one transaction; a failed transaction drops the event with
// an error log and the loop continues. The queue is notified after every
// item, success or failure.
type Sink struct {
	log       *zap.Logger
	store     EventStore
	processed queue.Queue[*schema.ProcessedEvent]
	exporter  Exporter
}

// Option configures a Sink.
type SinkOption func(*Sink)

// WithExporter adds a results exporter fed after each successful persist.
func WithExporter(exporter Exporter) SinkOption {
	return func(s *Sink) {
		s.exporter = exporter
	}
}

// NewSink wires a sink over the processed queue and the event store.
func NewSink(store EventStore, processed queue.Queue[*schema.ProcessedEvent], log *zap.Logger, opts ...SinkOption) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{
		log:       log.Named("sink"),
		store:     store,
		processed: processed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run consumes the processed queue until the context ends.
func (s *Sink) Run(ctx context.Context) {
	s.log.Info("sink running")
	for {
		event, err := s.processed.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("sink stopped")
				return
			}
			s.log.Warn("processed queue get failed", zap.Error(err))
			continue
		}
		s.persistOne(ctx, event)
		if err := s.processed.Notify(); err != nil {
			s.log.Warn("processed queue notify failed", zap.Error(err))
		}
	}
}

func (s *Sink) persistOne(ctx context.Context, event *schema.ProcessedEvent) {
	start := time.Now()
	stored, err := s.store.SaveProcessedEvent(ctx, event)
	recordPersist(ctx, event.Kind, start)
	switch {
	case err != nil:
		recordOutcome(ctx, event.Kind, outcomeDropped)
		s.log.Error("event dropped: persist failed",
			zap.String("source", string(event.Kind)),
			zap.String("id", event.ExternalID),
			zap.Error(err))
		return
	case !stored:
		recordOutcome(ctx, event.Kind, outcomeDuplicate)
		s.log.Debug("event already persisted",
			zap.String("source", string(event.Kind)),
			zap.String("id", event.ExternalID))
		return
	}
	recordOutcome(ctx, event.Kind, outcomePersisted)
	s.log.Info("event persisted",
		zap.String("source", string(event.Kind)),
		zap.String("id", event.ExternalID),
		zap.Int64("event_id", event.EventID),
		zap.Int("matches", len(event.Matches)))

	if s.exporter == nil {
		return
	}
	if err := s.exporter.Append(event); err != nil {
		s.log.Warn("results export failed",
			zap.Int64("event_id", event.EventID), zap.Error(err))
	}
}
