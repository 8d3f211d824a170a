package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/energy-uplink-ingest/internal/db"
	"github.com/septivank/energy-uplink-ingest/internal/meter"
	"github.com/septivank/energy-uplink-ingest/internal/mq"
)

// Materialize maps an accumulated snapshot into the variant's canonical row.
// Each column takes the first non-nil alias; values that are missing or not
// numeric are stored as NULL.
func Materialize(
	variant *meter.VariantSpec,
	deployment meter.Deployment,
	id meter.Identity,
	snapshot map[string]any,
	raw []byte,
	readingTime time.Time,
	receivedAt time.Time,
) (*db.TelemetryRecord, error) {
	accumulated, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal accumulated fields: %w", err)
	}

	record := &db.TelemetryRecord{
		ID:               uuid.New(),
		Table:            variant.TableFor(deployment),
		Deployment:       deployment.Name,
		Variant:          variant.Name,
		DeviceID:         id.DeviceID,
		ReadingTimestamp: readingTime,
		ReceivedAt:       receivedAt,
		Columns:          variant.Columns(),
		Values:           make([]*float64, 0, len(variant.Fields)),
		Accumulated:      accumulated,
		RawPayload:       raw,
	}
	if variant.IsMultidrop() {
		channel := id.Channel
		record.Channel = &channel
	}

	for _, f := range variant.Fields {
		var value *float64
		if v, _, ok := meter.Resolve(snapshot, f.Aliases); ok {
			if n, ok := meter.Float(v); ok {
				value = &n
			}
		}
		record.Values = append(record.Values, value)
	}

	return record, nil
}

func persistedEvent(record *db.TelemetryRecord) mq.RecordPersistedEvent {
	values := make(map[string]*float64, len(record.Columns))
	for i, col := range record.Columns {
		values[col] = record.Values[i]
	}
	return mq.RecordPersistedEvent{
		RecordID:         record.ID.String(),
		Deployment:       record.Deployment,
		Variant:          record.Variant,
		Table:            record.Table,
		DeviceID:         record.DeviceID,
		Channel:          record.Channel,
		ReadingTimestamp: record.ReadingTimestamp.Format(time.RFC3339),
		ReceivedAt:       record.ReceivedAt.Format(time.RFC3339),
		Values:           values,
	}
}
