package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/config"
)

// EventHandler is a function that processes received events.
type EventHandler func(routingKey string, body []byte) error

// Subscriber provides event subscription from RabbitMQ.
type Subscriber interface {
	// Subscribe binds routingKeys and starts consuming messages.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close closes the subscriber connection.
	Close() error
}

// RabbitMQSubscriber implements Subscriber using RabbitMQ.
type RabbitMQSubscriber struct {
	session  *session
	exchange string
	queue    string
	prefetch int
	logger   *zap.Logger

	mu          sync.Mutex
	handler     EventHandler
	routingKeys []string
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRabbitMQSubscriber connects to RabbitMQ and declares queueName.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, queueName string, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	s := &RabbitMQSubscriber{
		exchange: cfg.Exchange,
		queue:    queueName,
		prefetch: cfg.PrefetchCount,
		logger:   logger.With(zap.String("component", "subscriber"), zap.String("queue", queueName)),
	}
	if s.prefetch <= 0 {
		s.prefetch = 10
	}
	s.session = newSession(cfg, s.logger, s.declare)
	s.session.reconnected = s.resume

	if err := s.session.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// declare sets up the queue on a fresh channel and rebinds any keys already
// subscribed.
func (s *RabbitMQSubscriber) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		s.queue, // name
		false,   // durable
		true,    // auto-delete when no consumers
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	s.mu.Lock()
	keys := append([]string(nil), s.routingKeys...)
	s.mu.Unlock()
	if err := s.bind(ch, keys); err != nil {
		return err
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (s *RabbitMQSubscriber) bind(ch *amqp.Channel, keys []string) error {
	for _, key := range keys {
		if err := ch.QueueBind(s.queue, key, s.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to routing key %s: %w", key, err)
		}
	}
	return nil
}

// resume restarts consumption after a reconnect.
func (s *RabbitMQSubscriber) resume() {
	s.mu.Lock()
	handler, ctx := s.handler, s.ctx
	s.mu.Unlock()
	if handler != nil && ctx != nil {
		go s.consume(ctx, handler)
	}
}

// Subscribe binds routingKeys and starts consuming messages.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	ch, err := s.session.current()
	if err != nil {
		return err
	}
	if err := s.bind(ch, routingKeys); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.handler = handler
	s.routingKeys = routingKeys
	consumeCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Subscribed to routing keys", zap.Strings("routing_keys", routingKeys))
	go s.consume(consumeCtx, handler)
	return nil
}

func (s *RabbitMQSubscriber) consume(ctx context.Context, handler EventHandler) {
	ch, err := s.session.current()
	if err != nil {
		return
	}

	msgs, err := ch.Consume(
		s.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		s.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.logger.Info("Message channel closed")
				return
			}
			if err := s.process(msg, handler); err != nil {
				s.logger.Error("Failed to process message",
					zap.Error(err),
					zap.String("routing_key", msg.RoutingKey),
				)
				_ = msg.Nack(false, true)
			} else {
				_ = msg.Ack(false)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *RabbitMQSubscriber) process(msg amqp.Delivery, handler EventHandler) error {
	s.logger.Debug("Received message",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)
	if !json.Valid(msg.Body) {
		// redelivering a malformed body cannot succeed
		s.logger.Warn("Dropping message with invalid JSON", zap.String("routing_key", msg.RoutingKey))
		return nil
	}
	if err := handler(msg.RoutingKey, msg.Body); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}
	return nil
}

// Close closes the subscriber connection.
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if err := s.session.close(); err != nil {
		return fmt.Errorf("errors closing subscriber: %w", err)
	}
	s.logger.Info("RabbitMQ subscriber closed")
	return nil
}

// NoOpSubscriber is a subscriber that does nothing (for testing or when events disabled).
type NoOpSubscriber struct{}

// NewNoOpSubscriber creates a new no-op subscriber.
func NewNoOpSubscriber() *NoOpSubscriber {
	return &NoOpSubscriber{}
}

func (s *NoOpSubscriber) Subscribe(context.Context, []string, EventHandler) error {
	return nil
}

func (s *NoOpSubscriber) Close() error {
	return nil
}

// Ensure interface compliance
var _ Subscriber = (*RabbitMQSubscriber)(nil)
var _ Subscriber = (*NoOpSubscriber)(nil)
