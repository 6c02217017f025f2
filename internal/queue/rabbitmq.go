package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "ndr.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// RabbitMQ manages RabbitMQ connectivity and topology declaration.
type RabbitMQ struct {
	url      string
	topology Topology

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
	declared    bool
}

func NewRabbitMQ(ctx context.Context, url string, topology Topology) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, topology: topology.withDefaults()}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = false
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// IsClosed reports whether the broker connection is currently down.
func (r *RabbitMQ) IsClosed() bool {
	conn, _ := r.current()
	return conn == nil
}

func (r *RabbitMQ) current() (*amqp.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil, false
	}
	return r.conn, r.declared
}

// channel opens a channel on a live connection, dialing again when the broker
// dropped it. Topology is declared once per connection.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := r.ensureConnected(ctx); err != nil {
			return nil, err
		}

		conn, declared := r.current()
		if conn == nil {
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			r.dropConn(conn)
			continue
		}

		if !declared {
			if err := declareTopology(ch, r.topology); err != nil {
				_ = ch.Close()
				return nil, err
			}
			r.mu.Lock()
			if r.conn == conn {
				r.declared = true
			}
			r.mu.Unlock()
		}
		return ch, nil
	}

	return nil, fmt.Errorf("failed to open rabbitmq channel after reconnect")
}

// dropConn forgets conn so the next ensureConnected dials a fresh one.
func (r *RabbitMQ) dropConn(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.declared = false
	}
	r.mu.Unlock()
	_ = conn.Close()
}

func (r *RabbitMQ) ensureConnected(ctx context.Context) error {
	if conn, _ := r.current(); conn != nil {
		return nil
	}

	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	// Another caller may have reconnected while we waited.
	if conn, _ := r.current(); conn != nil {
		return nil
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.Dial(r.url)
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.declared = false
			r.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbitmq connect canceled: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

// declareTopology declares the tracking work queue with its dead-letter queue
// and the outbound events queue. Declarations are idempotent.
func declareTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(
		dlxExchangeName,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	dlqName := DLQName(t.TrackingQueue)
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
	}
	if err := ch.QueueBind(dlqName, t.TrackingQueue, dlxExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": t.TrackingQueue,
	}
	if _, err := ch.QueueDeclare(t.TrackingQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", t.TrackingQueue, err)
	}

	if _, err := ch.QueueDeclare(t.EventsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", t.EventsQueue, err)
	}

	return nil
}
