package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/redemption"
)

const (
	reconnectDelay       = 2 * time.Second
	maxReconnectAttempts = 5
	confirmTimeout       = 10 * time.Second
)

var errNotConnected = errors.New("amqp channel is not open")

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// AMQPPublisher publishes receipts as persistent messages on a durable
// topic exchange and waits for the broker to confirm each one.
type AMQPPublisher struct {
	cfg AMQPConfig
	log logrus.FieldLogger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(cfg AMQPConfig, log logrus.FieldLogger) (*AMQPPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &AMQPPublisher{
		cfg:    cfg,
		log:    log.WithField("component", "amqp"),
		ctx:    ctx,
		cancel: cancel,
	}

	p.mu.Lock()
	err := p.connectLocked()
	p.mu.Unlock()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.conn = conn
	p.channel = ch

	p.log.WithFields(logrus.Fields{
		"exchange":    p.cfg.Exchange,
		"routing_key": p.cfg.RoutingKey,
	}).Info("connected to RabbitMQ")
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// reconnectLocked drops the current connection and redials with a linear
// backoff. The caller holds p.mu.
func (p *AMQPPublisher) reconnectLocked(ctx context.Context) error {
	p.closeLocked()

	var lastErr error
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		p.log.WithField("attempt", attempt).Info("attempting to reconnect to RabbitMQ")

		if lastErr = p.connectLocked(); lastErr == nil {
			return nil
		}

		delay := reconnectDelay * time.Duration(attempt)
		p.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
			"error":   lastErr,
		}).Warn("reconnection failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.ctx.Done():
			timer.Stop()
			return errNotConnected
		}
	}
	return fmt.Errorf("max reconnection attempts reached: %w", lastErr)
}

// Publish sends r and blocks until the broker acks it.
func (p *AMQPPublisher) Publish(ctx context.Context, r redemption.Receipt) error {
	body, err := json.Marshal(NewReceiptMessage(r))
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		if err := p.reconnectLocked(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		p.cfg.Exchange,
		p.cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    string(r.ID),
			Timestamp:    r.CreatedAt,
			Type:         string(r.Kind),
			Body:         body,
		},
	)
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked receipt %s", r.ID)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()

	p.log.Info("publisher closed")
	return nil
}
