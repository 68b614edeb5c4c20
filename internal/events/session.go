package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/config"
)

var errClosed = errors.New("rabbitmq session is closed")

// session owns one connection and channel to the topic exchange and re-establishes
// them with exponential backoff when the broker drops the connection.
type session struct {
	cfg    *config.RabbitMQConfig
	logger *zap.Logger

	// setup runs on every (re)connected channel, before the session is usable.
	setup func(ch *amqp.Channel) error
	// reconnected runs after a successful reconnect.
	reconnected func()

	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	closed       bool
	reconnecting bool
}

func newSession(cfg *config.RabbitMQConfig, logger *zap.Logger, setup func(ch *amqp.Channel) error) *session {
	return &session{cfg: cfg, logger: logger, setup: setup}
}

func (s *session) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		s.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if s.setup != nil {
		if err := s.setup(ch); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}

	s.conn, s.channel = conn, ch
	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go s.watch(closeChan)

	s.logger.Info("Connected to RabbitMQ", zap.String("exchange", s.cfg.Exchange))
	return nil
}

func (s *session) watch(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return // graceful close
	}
	s.logger.Warn("RabbitMQ connection closed", zap.Error(err))
	s.reconnect()
}

func (s *session) reconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	delay, maxWait := s.backoff()
	for {
		if s.isClosed() {
			return
		}
		s.logger.Info("Attempting to reconnect to RabbitMQ", zap.Duration("delay", delay))
		time.Sleep(delay)

		if err := s.connect(); err != nil {
			if errors.Is(err, errClosed) {
				return
			}
			delay = min(delay*2, maxWait)
			s.logger.Warn("Reconnection failed", zap.Error(err), zap.Duration("next_attempt", delay))
			continue
		}

		s.logger.Info("Reconnected to RabbitMQ")
		if s.reconnected != nil {
			s.reconnected()
		}
		return
	}
}

func (s *session) backoff() (delay, maxWait time.Duration) {
	delay, maxWait = 5*time.Second, 30*time.Second
	if d, err := time.ParseDuration(s.cfg.ReconnectDelay); err == nil && d > 0 {
		delay = d
	}
	if d, err := time.ParseDuration(s.cfg.MaxReconnectWait); err == nil && d > 0 {
		maxWait = d
	}
	return delay, maxWait
}

// current returns the live channel.
func (s *session) current() (*amqp.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	if s.channel == nil {
		return nil, errors.New("channel not available")
	}
	return s.channel, nil
}

func (s *session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
