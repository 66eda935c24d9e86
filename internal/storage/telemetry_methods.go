package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Telemetry Methods ==========

// CreateTelemetryReading creates a telemetry reading
func (s *PostgresStore) CreateTelemetryReading(ctx context.Context, reading *models.TelemetryReading) error {
	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	reading.CreatedAt = time.Now()

	query := `
        INSERT INTO telemetry_readings (
            id, created_at, device_mac, wake_id, captured_at,
            temperature, humidity, pressure, gas_resistance
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		reading.ID, reading.CreatedAt, reading.DeviceMAC, reading.WakeID,
		reading.CapturedAt, reading.Temperature, reading.Humidity,
		reading.Pressure, reading.GasResistance,
	)

	return err
}

// ListTelemetry lists a device's readings, newest first
func (s *PostgresStore) ListTelemetry(ctx context.Context, mac models.MACAddr, limit, offset int) ([]*models.TelemetryReading, int64, error) {
	countQuery := `SELECT COUNT(*) FROM telemetry_readings WHERE device_mac = $1`

	var total int64
	if err := s.getDB().QueryRowContext(ctx, countQuery, mac).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := telemetrySelect + `
        WHERE device_mac = $1
        ORDER BY captured_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, mac, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var readings []*models.TelemetryReading
	for rows.Next() {
		reading := &models.TelemetryReading{}
		err := rows.Scan(
			&reading.ID, &reading.CreatedAt, &reading.DeviceMAC, &reading.WakeID,
			&reading.CapturedAt, &reading.Temperature, &reading.Humidity,
			&reading.Pressure, &reading.GasResistance,
		)
		if err != nil {
			return nil, 0, err
		}
		readings = append(readings, reading)
	}

	return readings, total, rows.Err()
}

// LatestReadingBefore gets the device's most recent reading captured
// at or before the cutoff. Snapshot carry-forward uses this.
func (s *PostgresStore) LatestReadingBefore(ctx context.Context, mac models.MACAddr, before time.Time) (*models.TelemetryReading, error) {
	query := telemetrySelect + `
        WHERE device_mac = $1 AND captured_at <= $2
        ORDER BY captured_at DESC
        LIMIT 1`
	return s.scanReading(s.getDB().QueryRowContext(ctx, query, mac, before))
}

// LatestReadingInWindow gets the device's most recent reading within
// [start, end), if any.
func (s *PostgresStore) LatestReadingInWindow(ctx context.Context, mac models.MACAddr, start, end time.Time) (*models.TelemetryReading, error) {
	query := telemetrySelect + `
        WHERE device_mac = $1 AND captured_at >= $2 AND captured_at < $3
        ORDER BY captured_at DESC
        LIMIT 1`
	return s.scanReading(s.getDB().QueryRowContext(ctx, query, mac, start, end))
}

const telemetrySelect = `
        SELECT id, created_at, device_mac, wake_id, captured_at,
               temperature, humidity, pressure, gas_resistance
        FROM telemetry_readings`

func (s *PostgresStore) scanReading(row *sql.Row) (*models.TelemetryReading, error) {
	reading := &models.TelemetryReading{}
	err := row.Scan(
		&reading.ID, &reading.CreatedAt, &reading.DeviceMAC, &reading.WakeID,
		&reading.CapturedAt, &reading.Temperature, &reading.Humidity,
		&reading.Pressure, &reading.GasResistance,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return reading, nil
}
