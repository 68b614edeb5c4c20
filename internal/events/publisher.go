package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/config"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Publisher provides event publishing to RabbitMQ.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event any) error

	// PublishProgress publishes an optimizer progress event under
	// "optimization.<type>".
	PublishProgress(ctx context.Context, ev domain.ProgressEvent) error

	// PublishBacktestCompleted publishes a summary of a finished backtest.
	PublishBacktestCompleted(ctx context.Context, result *domain.BacktestResult) error

	// Close closes the publisher connection.
	Close() error
}

// RabbitMQPublisher implements Publisher using RabbitMQ.
type RabbitMQPublisher struct {
	session  *session
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the events exchange.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	logger = logger.With(zap.String("component", "publisher"))
	p := &RabbitMQPublisher{
		session:  newSession(cfg, logger, nil),
		exchange: cfg.Exchange,
		logger:   logger,
	}
	if err := p.session.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	channel, err := p.session.current()
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)
	return nil
}

// PublishProgress publishes an optimizer progress event.
func (p *RabbitMQPublisher) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error {
	return p.Publish(ctx, RoutingKeyFor(ev.Type), NewProgressMessage(ev))
}

// PublishBacktestCompleted publishes a backtest summary.
func (p *RabbitMQPublisher) PublishBacktestCompleted(ctx context.Context, result *domain.BacktestResult) error {
	return p.Publish(ctx, RoutingKeyBacktestCompleted, NewBacktestCompletedEvent(result))
}

// Close closes the publisher connection.
func (p *RabbitMQPublisher) Close() error {
	if err := p.session.close(); err != nil {
		return fmt.Errorf("errors closing publisher: %w", err)
	}
	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(context.Context, string, any) error {
	return nil
}

func (p *NoOpPublisher) PublishProgress(context.Context, domain.ProgressEvent) error {
	return nil
}

func (p *NoOpPublisher) PublishBacktestCompleted(context.Context, *domain.BacktestResult) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// Ensure interface compliance
var _ Publisher = (*RabbitMQPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
