package feed

import (
	"context"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	r "github.com/fjod/go_cart/cart-engine/internal/repository"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic     = "cart-item-changes"
	defaultBatchSize = 100
	defaultRetention = 24 * time.Hour
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxPublisher moves committed change events from the store's outbox to
// the Kafka topic. Messages are keyed by session id so one cart's events stay
// on one partition, in order.
type OutboxPublisher struct {
	eventTick time.Duration
	purgeTick time.Duration
	retention time.Duration
	batchSize int
	repo      r.OutboxRepository
	writer    messageWriter
}

func NewOutboxPublisher(repo r.OutboxRepository, topic string, eventTick time.Duration, brokers ...string) *OutboxPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	if eventTick <= 0 {
		eventTick = time.Second
	}
	return &OutboxPublisher{
		eventTick: eventTick,
		purgeTick: time.Hour,
		retention: defaultRetention,
		batchSize: defaultBatchSize,
		repo:      repo,
		writer:    w,
	}
}

func (p *OutboxPublisher) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	purgeTicker := time.NewTicker(p.purgeTick)
	defer eventTicker.Stop()
	defer purgeTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-purgeTicker.C:
			p.purgeProcessedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPublisher) Close() error {
	return p.writer.Close()
}

// processUnpublishedEvents stops at the first failure so later events of the
// same session are never published ahead of an earlier one.
func (p *OutboxPublisher) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch outbox events")
		return
	}

	for _, event := range events {
		if errPublish := p.publishToKafka(ctx, event); errPublish != nil {
			metrics.OutboxPublishFailures.Inc()
			logger.Error().Err(errPublish).Str("event_id", event.ID).Msg("failed to publish outbox event")
			return
		}

		if errMark := p.repo.MarkEventAsProcessed(ctx, event.ID); errMark != nil {
			logger.Error().Err(errMark).Str("event_id", event.ID).Msg("failed to mark outbox event as processed")
			return
		}
		metrics.OutboxPublished.Inc()
	}
}

func (p *OutboxPublisher) purgeProcessedEvents(ctx context.Context) {
	n, err := p.repo.PurgeProcessedEvents(ctx, time.Now().Add(-p.retention))
	if err != nil {
		logger.Error().Err(err).Msg("failed to purge outbox")
		return
	}
	if n > 0 {
		logger.Debug().Int64("purged", n).Msg("outbox purged")
	}
}

func (p *OutboxPublisher) publishToKafka(ctx context.Context, event *r.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // session id for ordering
		Value: event.Payload,             // already JSON from the store
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	return p.writer.WriteMessages(ctx, msg)
}
