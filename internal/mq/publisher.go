package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ExchangeKind is the type of the exchange events are published to
const ExchangeKind = amqp.ExchangeDirect

// ChannelOpener opens AMQP channels
type ChannelOpener interface {
	Channel() (*amqp.Channel, error)
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     ChannelOpener
	exchange string
	logger   *zap.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewPublisher creates a new RabbitMQ publisher. The channel is opened on the first publish.
func NewPublisher(conn ChannelOpener, exchange string, logger *zap.Logger) *Publisher {
	return &Publisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger,
	}
}

// Publish sends payload as a persistent JSON message with the given routing key
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	msg, err := NewMessage(payload, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.openChannel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		p.resetChannel()
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published event",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", msg.MessageId),
	)

	return nil
}

// NewMessage builds the AMQP message for payload
func NewMessage(payload any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
	}, nil
}

// openChannel returns the cached channel or opens one and declares the exchange on it
func (p *Publisher) openChannel() (*amqp.Channel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}

	err = ch.ExchangeDeclare(
		p.exchange,
		ExchangeKind,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.channel = ch
	return ch, nil
}

func (p *Publisher) resetChannel() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		err := p.channel.Close()
		p.channel = nil
		return err
	}
	return nil
}
