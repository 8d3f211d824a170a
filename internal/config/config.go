package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	CatalogPath string
	Database    DatabaseConfig
	Cache       CacheConfig
	HTTP        HTTPConfig
	Validation  ValidationConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL            string
	ConnectRetries int
}

// CacheConfig holds partial-reading cache settings
type CacheConfig struct {
	SweepInterval    time.Duration
	StaleAfter       time.Duration
	MaxFlushAttempts int
}

// HTTPConfig holds uplink endpoint settings
type HTTPConfig struct {
	MaxBodyBytes int64
	RateLimit    float64
	RateBurst    int
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// An empty URL disables both the ingest consumer and the event publisher.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	IngestDeployment string
	DLQQueue         string
	PrefetchCount    int
	EventsExchange   string
	EventsRoutingKey string
}

// MQTTConfig holds MQTT uplink subscription settings. An empty BrokerURL
// disables the subscription.
type MQTTConfig struct {
	BrokerURL  string
	Topic      string
	ClientID   string
	QoS        int
	Deployment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "energy-uplink-ingest"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CatalogPath: getEnv("CATALOG_PATH", ""),
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			ConnectRetries: getEnvAsInt("DATABASE_CONNECT_RETRIES", 5),
		},
		Cache: CacheConfig{
			SweepInterval:    getEnvAsDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
			StaleAfter:       getEnvAsDuration("CACHE_STALE_AFTER", 5*time.Minute),
			MaxFlushAttempts: getEnvAsInt("MAX_FLUSH_ATTEMPTS", 3),
		},
		HTTP: HTTPConfig{
			MaxBodyBytes: int64(getEnvAsInt("HTTP_MAX_BODY_BYTES", 1<<20)),
			RateLimit:    getEnvAsFloat("HTTP_RATE_LIMIT", 0),
			RateBurst:    getEnvAsInt("HTTP_RATE_BURST", 50),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "energy-uplink.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "energy-uplink.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.uplink.raw"),
			IngestDeployment: getEnv("RABBITMQ_INGEST_DEPLOYMENT", "campus"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "energy-uplink.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "energy-uplink.events.exchange"),
			EventsRoutingKey: getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "meter.reading.persisted"),
		},
		MQTT: MQTTConfig{
			BrokerURL:  getEnv("MQTT_BROKER_URL", ""),
			Topic:      getEnv("MQTT_TOPIC", "application/+/device/+/event/up"),
			ClientID:   getEnv("MQTT_CLIENT_ID", "energy-uplink-ingest"),
			QoS:        getEnvAsInt("MQTT_QOS", 1),
			Deployment: getEnv("MQTT_DEPLOYMENT", "campus"),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Cache.SweepInterval <= 0 || cfg.Cache.StaleAfter <= 0 {
		return nil, fmt.Errorf("CACHE_SWEEP_INTERVAL and CACHE_STALE_AFTER must be positive durations")
	}
	if cfg.Cache.MaxFlushAttempts < 1 {
		return nil, fmt.Errorf("MAX_FLUSH_ATTEMPTS must be at least 1, got %d", cfg.Cache.MaxFlushAttempts)
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return nil, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
