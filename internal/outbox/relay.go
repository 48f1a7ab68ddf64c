// Package outbox forwards committed ticket events to the message broker.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/store"
)

type Source interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, eventIDs []string, publishedAt time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
	Close() error
}

type Config struct {
	BatchSize int
	Logger    *zap.Logger
	Clock     clock.Clock
}

type Relay struct {
	source    Source
	publisher Publisher
	batchSize int
	logger    *zap.Logger
	clock     clock.Clock
}

func NewRelay(source Source, publisher Publisher, cfg Config) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		batchSize: batch,
		logger:    logger,
		clock:     c,
	}
}

// Run publishes one batch in creation order and stops at the first failed
// publish. Events published before the failure are still marked.
func (r *Relay) Run(ctx context.Context) (int, error) {
	events, err := r.source.ListUnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished events: %w", err)
	}

	published := make([]string, 0, len(events))
	var publishErr error
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			publishErr = fmt.Errorf("publish event %s: %w", event.EventID, err)
			break
		}
		published = append(published, event.EventID)
	}

	if len(published) > 0 {
		if err := r.source.MarkEventsPublished(ctx, published, r.clock.Now()); err != nil {
			return 0, fmt.Errorf("mark events published: %w", err)
		}
		r.logger.Debug("outbox events published", zap.Int("count", len(published)))
	}
	if publishErr != nil {
		r.logger.Warn("outbox relay stopped", zap.Int("published", len(published)), zap.Error(publishErr))
		return len(published), publishErr
	}
	return len(published), nil
}
