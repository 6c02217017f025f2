package queue

import (
	"context"
	"fmt"
	"strings"
)

// Publisher publishes outbound NDR state changes.
type Publisher interface {
	PublishStatus(ctx context.Context, msg NDRStatusMessage) error
	Close() error
}

// Delivery is the broker-independent view of a consumed message.
type Delivery struct {
	Body          []byte
	MessageID     string
	CorrelationID string
	Redelivered   bool
}

// MessageHandler processes one delivery. Returning an error wrapping
// domain.ErrValidation dead-letters the message; any other error requeues it.
type MessageHandler func(ctx context.Context, d Delivery) error

// Consumer consumes messages from a queue until ctx is canceled.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// Topology names the queues the engine declares.
type Topology struct {
	TrackingQueue string
	EventsQueue   string
}

const (
	DefaultTrackingQueue = "carrier.tracking"
	DefaultEventsQueue   = "ndr.events"
)

func DefaultTopology() Topology {
	return Topology{TrackingQueue: DefaultTrackingQueue, EventsQueue: DefaultEventsQueue}
}

func (t Topology) withDefaults() Topology {
	if strings.TrimSpace(t.TrackingQueue) == "" {
		t.TrackingQueue = DefaultTrackingQueue
	}
	if strings.TrimSpace(t.EventsQueue) == "" {
		t.EventsQueue = DefaultEventsQueue
	}
	return t
}

// DLQName returns the dead-letter queue for a work queue, e.g. dlq.carrier.tracking.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
