package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	client *RabbitMQ
	queue  string
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	queue := DefaultEventsQueue
	if client != nil {
		queue = client.topology.EventsQueue
	}
	return &RabbitMQPublisher{client: client, queue: queue}
}

func (p *RabbitMQPublisher) PublishStatus(ctx context.Context, msg NDRStatusMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid ndr status message: %w", err)
	}
	if msg.CorrelationID == "" {
		if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
			msg.CorrelationID = correlationID
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal ndr status message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     fmt.Sprintf("%s:%d", msg.NDRID, msg.Version),
		CorrelationId: msg.CorrelationID,
		Type:          "ndr.status_changed",
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", p.queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// NopPublisher drops every message. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(context.Context, NDRStatusMessage) error { return nil }

func (NopPublisher) Close() error { return nil }
