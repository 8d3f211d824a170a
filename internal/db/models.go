package db

import (
	"time"

	"github.com/google/uuid"
)

// TelemetryRecord is one completed meter reading bound for a variant table.
// Columns and Values are parallel; a nil value is stored as NULL.
type TelemetryRecord struct {
	ID               uuid.UUID
	Table            string
	Deployment       string
	Variant          string
	DeviceID         string
	Channel          *int
	ReadingTimestamp time.Time
	ReceivedAt       time.Time
	Columns          []string
	Values           []*float64
	Accumulated      []byte
	RawPayload       []byte
}

// Value returns the value stored for column.
func (r *TelemetryRecord) Value(column string) (*float64, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// DeviceError is one error-level uplink.
type DeviceError struct {
	ID          uuid.UUID
	Table       string
	DeviceID    string
	ErrorTime   time.Time
	ErrorCode   string
	Description string
	Context     []byte
	ReceivedAt  time.Time
}
