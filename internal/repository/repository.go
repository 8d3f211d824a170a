package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/energy-uplink-ingest/internal/db"
)

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTelemetryRecord appends a completed reading to its variant table.
//
// Every variant table has the columns id, device_id, reading_timestamp,
// received_at, accumulated (jsonb) and raw_payload (jsonb), one nullable numeric
// column per canonical field, and channel for multi-drop families.
func (r *Repository) InsertTelemetryRecord(ctx context.Context, record *db.TelemetryRecord) error {
	query, args := buildTelemetryInsert(record)

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert telemetry record into %s: %w", record.Table, err)
	}
	return nil
}

// InsertDeviceError appends an error-level uplink to the error log table.
func (r *Repository) InsertDeviceError(ctx context.Context, e *db.DeviceError) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, device_id, error_time, error_code, description, context, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pgx.Identifier{e.Table}.Sanitize())

	_, err := r.pool.Exec(ctx, query,
		e.ID,
		e.DeviceID,
		e.ErrorTime,
		e.ErrorCode,
		e.Description,
		e.Context,
		e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert device error: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func buildTelemetryInsert(record *db.TelemetryRecord) (string, []any) {
	columns := []string{"id", "device_id"}
	args := []any{record.ID, record.DeviceID}
	if record.Channel != nil {
		columns = append(columns, "channel")
		args = append(args, *record.Channel)
	}
	columns = append(columns, "reading_timestamp", "received_at")
	args = append(args, record.ReadingTimestamp, record.ReceivedAt)

	for i, col := range record.Columns {
		columns = append(columns, col)
		args = append(args, record.Values[i])
	}
	columns = append(columns, "accumulated", "raw_payload")
	args = append(args, record.Accumulated, record.RawPayload)

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{record.Table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args
}
