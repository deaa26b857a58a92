package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/models"

	aws_pkg "checkout-service/pkg/aws"

	"go.uber.org/zap"
)

// EventSink receives domain events after the transaction that produced them committed.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, events []models.DomainEvent) error
}

// EventBus forwards events to every sink. Sink failures are logged and never
// reach the caller.
type EventBus struct {
	sinks   []EventSink
	timeout time.Duration
	logger  *zap.Logger
}

func NewEventBus(logger *zap.Logger, sinks ...EventSink) *EventBus {
	return &EventBus{sinks: sinks, timeout: 5 * time.Second, logger: logger}
}

// Dispatch publishes events synchronously. It does not inherit cancellation
// from ctx so a disconnected client still gets its events delivered.
func (b *EventBus) Dispatch(ctx context.Context, events []models.DomainEvent) {
	if b == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, events); err != nil {
			b.logger.Error("Failed to publish domain events",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
		}
	}
}

// SNSEventSink publishes every event as its own SNS message.
type SNSEventSink struct {
	publisher aws_pkg.SNSPublisher
	topicArn  string
}

func NewSNSEventSink(publisher aws_pkg.SNSPublisher, topicArn string) *SNSEventSink {
	return &SNSEventSink{publisher: publisher, topicArn: topicArn}
}

func (s *SNSEventSink) Name() string { return "sns" }

func (s *SNSEventSink) Publish(ctx context.Context, events []models.DomainEvent) error {
	for _, evt := range events {
		body, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", evt.Type, err)
		}
		if err := s.publisher.Publish(ctx, s.topicArn, body); err != nil {
			return err
		}
	}
	return nil
}
