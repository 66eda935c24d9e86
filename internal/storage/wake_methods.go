package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Wake Payload Methods ==========

// CreateWakePayload creates a new wake payload. The unique
// (device_mac, occurrence_key) index makes duplicate creation for the
// same occurrence fail with ErrDuplicateKey; callers then load the
// existing row and reconcile in place.
func (s *PostgresStore) CreateWakePayload(ctx context.Context, wake *models.WakePayload) error {
	if wake.ID == uuid.Nil {
		wake.ID = uuid.New()
	}
	now := time.Now()
	wake.CreatedAt = now
	wake.UpdatedAt = now

	query := `
        INSERT INTO wake_payloads (
            id, created_at, updated_at, device_mac, session_id,
            occurrence_key, captured_at, status, overage, retry_count,
            resent_received_at, image_id, temperature, humidity,
            pressure, gas_resistance
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		wake.ID, wake.CreatedAt, wake.UpdatedAt, wake.DeviceMAC,
		wake.SessionID, wake.OccurrenceKey, wake.CapturedAt, wake.Status,
		wake.Overage, wake.RetryCount, wake.ResentReceivedAt, wake.ImageID,
		wake.Temperature, wake.Humidity, wake.Pressure, wake.GasResistance,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetWakePayload gets a wake payload by ID
func (s *PostgresStore) GetWakePayload(ctx context.Context, id uuid.UUID) (*models.WakePayload, error) {
	query := wakeSelect + ` WHERE id = $1`
	return s.scanWake(s.getDB().QueryRowContext(ctx, query, id))
}

// GetWakeByOccurrence gets the wake for one device occurrence
func (s *PostgresStore) GetWakeByOccurrence(ctx context.Context, mac models.MACAddr, key string) (*models.WakePayload, error) {
	query := wakeSelect + ` WHERE device_mac = $1 AND occurrence_key = $2`
	return s.scanWake(s.getDB().QueryRowContext(ctx, query, mac, key))
}

// GetActiveWake gets the device's most recent non-terminal wake
func (s *PostgresStore) GetActiveWake(ctx context.Context, mac models.MACAddr) (*models.WakePayload, error) {
	query := wakeSelect + `
        WHERE device_mac = $1 AND status IN ('pending', 'receiving')
        ORDER BY captured_at DESC
        LIMIT 1`
	return s.scanWake(s.getDB().QueryRowContext(ctx, query, mac))
}

// UpdateWakePayload updates a wake payload
func (s *PostgresStore) UpdateWakePayload(ctx context.Context, wake *models.WakePayload) error {
	wake.UpdatedAt = time.Now()

	query := `
        UPDATE wake_payloads SET
            updated_at = $2, session_id = $3, captured_at = $4, status = $5,
            overage = $6, retry_count = $7, resent_received_at = $8,
            image_id = $9, temperature = $10, humidity = $11,
            pressure = $12, gas_resistance = $13
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		wake.ID, wake.UpdatedAt, wake.SessionID, wake.CapturedAt,
		wake.Status, wake.Overage, wake.RetryCount, wake.ResentReceivedAt,
		wake.ImageID, wake.Temperature, wake.Humidity, wake.Pressure,
		wake.GasResistance,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// TransitionWake moves a wake to a new status only if it currently
// holds one of the from statuses. The returned bool reports whether
// this call performed the transition; exactly one caller wins when
// several race, which is what keeps session counters exact.
func (s *PostgresStore) TransitionWake(ctx context.Context, id uuid.UUID, to models.WakeStatus, from ...models.WakeStatus) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}

	query := `
        UPDATE wake_payloads SET status = $2, updated_at = now()
        WHERE id = $1 AND status = ANY($3)`

	result, err := s.getDB().ExecContext(ctx, query, id, to, pq.Array(states))
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// ListSessionWakes lists all wakes attributed to a session
func (s *PostgresStore) ListSessionWakes(ctx context.Context, sessionID uuid.UUID) ([]*models.WakePayload, error) {
	query := wakeSelect + ` WHERE session_id = $1 ORDER BY captured_at`

	rows, err := s.getDB().QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWakes(rows)
}

// ListStalledWakes lists non-terminal wakes last touched before the
// cutoff; the retry sweep uses this to find transfers that went quiet.
func (s *PostgresStore) ListStalledWakes(ctx context.Context, before time.Time) ([]*models.WakePayload, error) {
	query := wakeSelect + `
        WHERE status IN ('pending', 'receiving') AND updated_at < $1
        ORDER BY updated_at`

	rows, err := s.getDB().QueryContext(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWakes(rows)
}

const wakeSelect = `
        SELECT id, created_at, updated_at, device_mac, session_id,
               occurrence_key, captured_at, status, overage, retry_count,
               resent_received_at, image_id, temperature, humidity,
               pressure, gas_resistance
        FROM wake_payloads`

func (s *PostgresStore) scanWake(row *sql.Row) (*models.WakePayload, error) {
	wake := &models.WakePayload{}
	err := row.Scan(
		&wake.ID, &wake.CreatedAt, &wake.UpdatedAt, &wake.DeviceMAC,
		&wake.SessionID, &wake.OccurrenceKey, &wake.CapturedAt, &wake.Status,
		&wake.Overage, &wake.RetryCount, &wake.ResentReceivedAt, &wake.ImageID,
		&wake.Temperature, &wake.Humidity, &wake.Pressure, &wake.GasResistance,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return wake, nil
}

func (s *PostgresStore) scanWakes(rows *sql.Rows) ([]*models.WakePayload, error) {
	var wakes []*models.WakePayload
	for rows.Next() {
		wake := &models.WakePayload{}
		err := rows.Scan(
			&wake.ID, &wake.CreatedAt, &wake.UpdatedAt, &wake.DeviceMAC,
			&wake.SessionID, &wake.OccurrenceKey, &wake.CapturedAt, &wake.Status,
			&wake.Overage, &wake.RetryCount, &wake.ResentReceivedAt, &wake.ImageID,
			&wake.Temperature, &wake.Humidity, &wake.Pressure, &wake.GasResistance,
		)
		if err != nil {
			return nil, err
		}
		wakes = append(wakes, wake)
	}

	return wakes, rows.Err()
}
