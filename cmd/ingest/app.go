package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/energy-uplink-ingest/internal/cache"
	"github.com/septivank/energy-uplink-ingest/internal/config"
	"github.com/septivank/energy-uplink-ingest/internal/db"
	"github.com/septivank/energy-uplink-ingest/internal/httpapi"
	"github.com/septivank/energy-uplink-ingest/internal/meter"
	"github.com/septivank/energy-uplink-ingest/internal/mq"
	"github.com/septivank/energy-uplink-ingest/internal/mqtt"
	"github.com/septivank/energy-uplink-ingest/internal/repository"
	"github.com/septivank/energy-uplink-ingest/internal/service"
	"github.com/septivank/energy-uplink-ingest/internal/validator"
)

// ProvideClock returns the wall clock
func ProvideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

// ProvideCatalog loads the meter catalog from CATALOG_PATH or the built-in default
func ProvideCatalog(cfg *config.Config, logger *zap.Logger) (*meter.Catalog, error) {
	catalog, err := meter.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load meter catalog: %w", err)
	}

	source := cfg.CatalogPath
	if source == "" {
		source = "built-in"
	}
	logger.Info("meter catalog loaded",
		zap.String("source", source),
		zap.Int("deployments", len(catalog.Deployments)),
		zap.Int("variants", len(catalog.Variants)),
	)
	return catalog, nil
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.ConnectRetries)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideMQConnection connects to RabbitMQ. It returns nil when RABBITMQ_URL is unset.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, queue ingest and event publishing disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventPublisher creates the reading.persisted publisher
func ProvideEventPublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.EventPublisher, error) {
	if conn == nil {
		return mq.NoopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.EventsRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvidePipelines builds one ingest pipeline per catalog deployment
func ProvidePipelines(
	cfg *config.Config,
	catalog *meter.Catalog,
	repo *repository.Repository,
	publisher service.EventPublisher,
	v *validator.Validator,
	clock clockwork.Clock,
	logger *zap.Logger,
) (*service.Pipelines, error) {
	return service.NewPipelines(catalog, service.Dependencies{
		Store:            repo,
		Publisher:        publisher,
		Validator:        v,
		Clock:            clock,
		Logger:           logger,
		MaxFlushAttempts: cfg.Cache.MaxFlushAttempts,
	})
}

// ProvideSweeper creates the stale-entry sweeper over every pipeline cache
func ProvideSweeper(cfg *config.Config, clock clockwork.Clock, logger *zap.Logger, pipelines *service.Pipelines) (*cache.Sweeper, error) {
	sweeper, err := cache.NewSweeper(cache.SweeperConfig{
		Interval:   cfg.Cache.SweepInterval,
		StaleAfter: cfg.Cache.StaleAfter,
		Clock:      clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines.All() {
		sweeper.Register(p.Deployment().Name, p.Cache())
	}
	return sweeper, nil
}

// ProvideHTTPServer creates the HTTP API server
func ProvideHTTPServer(cfg *config.Config, pipelines *service.Pipelines, repo *repository.Repository, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(httpapi.Config{
		Port:         strconv.Itoa(cfg.ServicePort),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		RateLimit:    cfg.HTTP.RateLimit,
		RateBurst:    cfg.HTTP.RateBurst,
	}, pipelines, repo, logger)
}

func registerSweeper(lc fx.Lifecycle, sweeper *cache.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, server *httpapi.Server) {
	server.RegisterLifecycle(lc)
}

func startQueueConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	pipelines *service.Pipelines,
	logger *zap.Logger,
) error {
	if conn == nil {
		return nil
	}

	pipeline, err := pipelines.Lookup(cfg.RabbitMQ.IngestDeployment)
	if err != nil {
		return fmt.Errorf("invalid RABBITMQ_INGEST_DEPLOYMENT: %w", err)
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger.With(zap.String("deployment", cfg.RabbitMQ.IngestDeployment)),
		Handler:       pipeline.Handler(service.SourceAMQP),
	})
	if err != nil {
		return err
	}

	consumer.RegisterLifecycle(lc)
	return nil
}

func startMQTTSubscriber(lc fx.Lifecycle, cfg *config.Config, pipelines *service.Pipelines, logger *zap.Logger) error {
	if cfg.MQTT.BrokerURL == "" {
		logger.Info("MQTT_BROKER_URL not set, MQTT ingest disabled")
		return nil
	}

	pipeline, err := pipelines.Lookup(cfg.MQTT.Deployment)
	if err != nil {
		return fmt.Errorf("invalid MQTT_DEPLOYMENT: %w", err)
	}

	subscriber := mqtt.NewSubscriber(mqtt.Config{
		BrokerURL: cfg.MQTT.BrokerURL,
		Topic:     cfg.MQTT.Topic,
		ClientID:  cfg.MQTT.ClientID,
		QoS:       byte(cfg.MQTT.QoS),
		Logger:    logger.With(zap.String("deployment", cfg.MQTT.Deployment)),
		Handler:   pipeline.Handler(service.SourceMQTT),
	})
	subscriber.RegisterLifecycle(lc)
	return nil
}
