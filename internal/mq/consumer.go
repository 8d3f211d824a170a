package mq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes an uplink body
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer feeds uplinks from a RabbitMQ queue into a handler
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	tag           string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
}

// NewConsumer declares the ingest topology and creates a consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		tag:           fmt.Sprintf("%s-%s", cfg.Queue, uuid.NewString()),
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger.With(zap.String("queue", cfg.Queue)),
		handler:       cfg.Handler,
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Rejected uplinks are dead-lettered to the DLQ through the default exchange
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.DLQQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Start starts consuming messages. Deliveries are handled one at a time in
// queue order.
func (c *Consumer) Start() error {
	msgs, err := c.channel.Consume(
		c.queue,
		c.tag, // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Info("consumer started", zap.Int("prefetch", c.prefetchCount), zap.String("consumer_tag", c.tag))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drain(ctx, msgs)
	}()

	return nil
}

// drain handles deliveries until msgs is closed, including the ones already
// buffered when the consumer was cancelled.
func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp.Delivery) {
	for msg := range msgs {
		c.processMessage(ctx, msg)
	}
	if !c.stopping.Load() {
		c.logger.Warn("message channel closed")
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	c.logger.Debug("received uplink from queue",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("failed to process uplink",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Stop cancels the subscription, waits for in-flight uplinks to finish and
// closes the channel. Handler contexts are cancelled only after the drain.
func (c *Consumer) Stop() error {
	c.stopping.Store(true)
	if c.channel == nil {
		return nil
	}
	if c.cancel == nil {
		return c.channel.Close()
	}
	defer c.cancel()

	if err := c.channel.Cancel(c.tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer, aborting in-flight uplinks", zap.Error(err))
		c.cancel()
		closeErr := c.channel.Close()
		c.wg.Wait()
		return closeErr
	}

	c.wg.Wait()
	return c.channel.Close()
}

// RegisterLifecycle registers the consumer with Fx lifecycle
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return c.Start()
		},
		OnStop: func(context.Context) error {
			if err := c.Stop(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
