// Package mqtt feeds uplinks published on an MQTT topic into an ingest pipeline.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// MessageHandler processes one uplink body.
type MessageHandler func(ctx context.Context, body []byte) error

// Config holds subscriber configuration.
type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
	QoS       byte
	Logger    *zap.Logger
	Handler   MessageHandler
}

// Subscriber consumes uplinks from a topic filter. Messages are handled one at
// a time in arrival order, so uplinks for one device are merged in the order
// the broker delivered them.
type Subscriber struct {
	client  paho.Client
	topic   string
	qos     byte
	logger  *zap.Logger
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriber creates a subscriber. It does not connect until Start.
func NewSubscriber(cfg Config) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		logger:  cfg.Logger.With(zap.String("topic", cfg.Topic)),
		handler: cfg.Handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	s.client = paho.NewClient(opts)

	return s
}

// Start connects to the broker. The subscription is (re)established on every
// successful connect.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timed out connecting to mqtt broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	s.cancel()
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(connectTimeout)
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt subscriber stopped")
}

// RegisterLifecycle registers the subscriber with Fx lifecycle
func (s *Subscriber) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
}

func (s *Subscriber) onConnect(c paho.Client) {
	token := c.Subscribe(s.topic, s.qos, s.handleMessage)
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Error("timed out subscribing to mqtt topic")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("failed to subscribe to mqtt topic", zap.Error(err))
		return
	}
	s.logger.Info("mqtt subscriber started", zap.Uint8("qos", s.qos))
}

func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	if err := s.handler(s.ctx, msg.Payload()); err != nil {
		s.logger.Error("failed to process uplink",
			zap.Error(err),
			zap.String("message_topic", msg.Topic()),
			zap.Uint16("message_id", msg.MessageID()),
		)
	}
}
