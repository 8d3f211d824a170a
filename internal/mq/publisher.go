package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	mu         sync.Mutex
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher for reading.persisted events
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
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

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// RecordPersistedEvent is published after a completed reading is written
type RecordPersistedEvent struct {
	RecordID         string              `json:"record_id"`
	Deployment       string              `json:"deployment"`
	Variant          string              `json:"variant"`
	Table            string              `json:"table"`
	DeviceID         string              `json:"device_id"`
	Channel          *int                `json:"channel,omitempty"`
	ReadingTimestamp string              `json:"reading_timestamp"`
	ReceivedAt       string              `json:"received_at"`
	Values           map[string]*float64 `json:"values"`
}

// PublishRecordPersisted publishes a reading.persisted event
func (p *Publisher) PublishRecordPersisted(ctx context.Context, event RecordPersistedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.RecordID,
		},
	)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published record persisted event",
		zap.String("routing_key", p.routingKey),
		zap.String("record_id", event.RecordID),
		zap.String("device_id", event.DeviceID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// NoopPublisher drops events. It is used when RabbitMQ is not configured.
type NoopPublisher struct{}

// PublishRecordPersisted does nothing
func (NoopPublisher) PublishRecordPersisted(context.Context, RecordPersistedEvent) error {
	return nil
}
