package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/septivank/energy-uplink-ingest/internal/cache"
	"github.com/septivank/energy-uplink-ingest/internal/db"
	"github.com/septivank/energy-uplink-ingest/internal/logging"
	"github.com/septivank/energy-uplink-ingest/internal/meter"
	"github.com/septivank/energy-uplink-ingest/internal/metrics"
	"github.com/septivank/energy-uplink-ingest/internal/mq"
	"github.com/septivank/energy-uplink-ingest/internal/validator"
)

// Uplink sources, used as metric labels.
const (
	SourceHTTP = "http"
	SourceAMQP = "amqp"
	SourceMQTT = "mqtt"
)

// Outcome is what happened to an accepted uplink.
type Outcome string

const (
	OutcomeBuffered    Outcome = "buffered"
	OutcomePersisted   Outcome = "persisted"
	OutcomeErrorLogged Outcome = "error_logged"
)

// RecordStore is the durable side of the pipeline.
type RecordStore interface {
	InsertTelemetryRecord(ctx context.Context, record *db.TelemetryRecord) error
	InsertDeviceError(ctx context.Context, e *db.DeviceError) error
}

// EventPublisher fans out persisted readings.
type EventPublisher interface {
	PublishRecordPersisted(ctx context.Context, event mq.RecordPersistedEvent) error
}

// Result describes an accepted uplink.
type Result struct {
	Outcome  Outcome  `json:"outcome"`
	CacheKey string   `json:"cache_key,omitempty"`
	Variant  string   `json:"variant,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	RecordID string   `json:"record_id,omitempty"`
}

// Dependencies are shared by every deployment pipeline.
type Dependencies struct {
	Store            RecordStore
	Publisher        EventPublisher
	Validator        *validator.Validator
	Clock            clockwork.Clock
	Logger           *zap.Logger
	MaxFlushAttempts int
}

// Pipeline ingests uplinks for one deployment
type Pipeline struct {
	deployment       meter.Deployment
	classifier       *meter.Classifier
	cache            *cache.Cache
	store            RecordStore
	publisher        EventPublisher
	validator        *validator.Validator
	clock            clockwork.Clock
	logger           *zap.Logger
	maxFlushAttempts int
}

// NewPipeline creates the pipeline for deployment, backed by c.
func NewPipeline(deployment meter.Deployment, catalog *meter.Catalog, c *cache.Cache, deps Dependencies) (*Pipeline, error) {
	classifier, err := meter.NewClassifier(catalog, deployment.DefaultVariant)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier for %s: %w", deployment.Name, err)
	}
	if deps.Store == nil {
		return nil, errors.New("record store is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = mq.NoopPublisher{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxFlushAttempts < 1 {
		deps.MaxFlushAttempts = 1
	}

	return &Pipeline{
		deployment:       deployment,
		classifier:       classifier,
		cache:            c,
		store:            deps.Store,
		publisher:        deps.Publisher,
		validator:        deps.Validator,
		clock:            deps.Clock,
		logger:           deps.Logger.With(zap.String("deployment", deployment.Name)),
		maxFlushAttempts: deps.MaxFlushAttempts,
	}, nil
}

// Deployment returns the deployment this pipeline serves.
func (p *Pipeline) Deployment() meter.Deployment {
	return p.deployment
}

// Cache returns the pipeline's partial-reading cache.
func (p *Pipeline) Cache() *cache.Cache {
	return p.cache
}

// Handler adapts the pipeline to queue consumers.
func (p *Pipeline) Handler(source string) func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		_, err := p.Process(ctx, source, body)
		return err
	}
}

// Process runs one uplink body through the pipeline. Errors for which
// IsClientError is true leave the cache untouched.
func (p *Pipeline) Process(ctx context.Context, source string, body []byte) (*Result, error) {
	receivedAt := p.clock.Now().UTC()
	reqLogger := logging.WithRequestID(p.logger, uuid.NewString()).With(zap.String("source", source))

	u, err := p.validator.Decode(body, receivedAt)
	if err != nil {
		p.fail(source, "invalid")
		reqLogger.Warn("rejected uplink", zap.Error(err))
		return nil, err
	}
	reqLogger = reqLogger.With(zap.String("device_id", u.DeviceID))

	if u.ClockSkew {
		reqLogger.Warn("device timestamp outside tolerance window",
			zap.Time("timestamp", u.Timestamp),
			zap.Time("received_at", receivedAt),
		)
	}

	if u.Severity == validator.SeverityError {
		return p.handleError(ctx, source, u, reqLogger)
	}

	variant, recognized := p.classifier.Classify(u.DeviceProfile)
	if !recognized {
		metrics.UnrecognizedProfilesTotal.WithLabelValues(p.deployment.Name).Inc()
		reqLogger.Warn("unrecognized device profile, using default variant",
			zap.String("device_profile", u.DeviceProfile),
			zap.String("variant", variant.Name),
		)
	}

	id, err := variant.Identify(u.DeviceID, u.SubAddress)
	if err != nil {
		p.fail(source, "sub_address")
		reqLogger.Warn("rejected multi-drop uplink", zap.Error(err), zap.String("variant", variant.Name))
		return nil, fmt.Errorf("failed to resolve multi-drop address: %w", err)
	}

	result := &Result{Outcome: OutcomeBuffered, CacheKey: id.CacheKey, Variant: variant.Name}
	var record *db.TelemetryRecord

	err = p.cache.Update(id.CacheKey, func(e *cache.Entry) (bool, error) {
		snapshot := e.Merge(receivedAt, u.Fields)
		if !variant.IsComplete(snapshot) {
			result.Missing = variant.Missing(snapshot)
			return false, nil
		}

		rec, err := Materialize(variant, p.deployment, id, snapshot, u.Raw, u.Timestamp, receivedAt)
		if err != nil {
			return false, err
		}

		if err := p.store.InsertTelemetryRecord(ctx, rec); err != nil {
			attempts := e.FlushFailed()
			metrics.FlushFailuresTotal.WithLabelValues(p.deployment.Name, variant.Name).Inc()
			if attempts >= p.maxFlushAttempts {
				metrics.FlushAbandonedTotal.WithLabelValues(p.deployment.Name, variant.Name).Inc()
				reqLogger.Error("dropping completed reading after repeated write failures",
					zap.String("cache_key", id.CacheKey),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
				return true, fmt.Errorf("failed to persist reading after %d attempts: %w", attempts, err)
			}
			return false, fmt.Errorf("failed to persist reading: %w", err)
		}

		record = rec
		return true, nil
	})
	metrics.CacheEntries.WithLabelValues(p.deployment.Name).Set(float64(p.cache.Len()))
	if err != nil {
		p.fail(source, "persist")
		reqLogger.Error("failed to process uplink",
			zap.Error(err),
			zap.String("cache_key", id.CacheKey),
			zap.String("variant", variant.Name),
		)
		return nil, err
	}

	if record == nil {
		reqLogger.Debug("reading buffered",
			zap.String("cache_key", id.CacheKey),
			zap.Strings("missing", result.Missing),
		)
		metrics.UplinksTotal.WithLabelValues(p.deployment.Name, source, string(OutcomeBuffered)).Inc()
		return result, nil
	}

	result.Outcome = OutcomePersisted
	result.RecordID = record.ID.String()
	metrics.RecordsPersistedTotal.WithLabelValues(p.deployment.Name, variant.Name).Inc()
	metrics.UplinksTotal.WithLabelValues(p.deployment.Name, source, string(OutcomePersisted)).Inc()

	reqLogger.Info("reading persisted",
		zap.String("record_id", result.RecordID),
		zap.String("table", record.Table),
		zap.String("cache_key", id.CacheKey),
	)

	if err := p.publisher.PublishRecordPersisted(ctx, persistedEvent(record)); err != nil {
		// Log error but don't fail the uplink
		reqLogger.Error("failed to publish event",
			zap.Error(err),
			zap.String("record_id", result.RecordID),
		)
	}

	return result, nil
}

func (p *Pipeline) handleError(ctx context.Context, source string, u *validator.Uplink, logger *zap.Logger) (*Result, error) {
	deviceErr := &db.DeviceError{
		ID:          uuid.New(),
		Table:       p.deployment.ErrorTable,
		DeviceID:    u.DeviceID,
		ErrorTime:   u.Timestamp,
		ErrorCode:   u.Error.Code,
		Description: u.Error.Description,
		Context:     []byte(u.Error.Context),
		ReceivedAt:  u.ReceivedAt,
	}

	if err := p.store.InsertDeviceError(ctx, deviceErr); err != nil {
		p.fail(source, "error_log")
		logger.Error("failed to log device error", zap.Error(err))
		return nil, fmt.Errorf("failed to log device error: %w", err)
	}

	metrics.DeviceErrorsTotal.WithLabelValues(p.deployment.Name).Inc()
	metrics.UplinksTotal.WithLabelValues(p.deployment.Name, source, string(OutcomeErrorLogged)).Inc()
	logger.Info("device error logged",
		zap.String("error_code", deviceErr.ErrorCode),
		zap.String("description", deviceErr.Description),
	)

	return &Result{Outcome: OutcomeErrorLogged}, nil
}

func (p *Pipeline) fail(source, reason string) {
	metrics.UplinkErrorsTotal.WithLabelValues(p.deployment.Name, source, reason).Inc()
}

// IsClientError reports whether err was caused by the uplink itself rather than
// by the service.
func IsClientError(err error) bool {
	return errors.Is(err, validator.ErrInvalidUplink) ||
		errors.Is(err, meter.ErrMissingSubAddress) ||
		errors.Is(err, meter.ErrInvalidSubAddress)
}
