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

// ========== Image Methods ==========

// CreateImage creates a new image record
func (s *PostgresStore) CreateImage(ctx context.Context, image *models.Image) error {
	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	now := time.Now()
	image.CreatedAt = now
	image.UpdatedAt = now

	query := `
        INSERT INTO images (
            id, created_at, updated_at, device_mac, name, captured_at,
            size_bytes, total_chunks, received_chunks, status,
            storage_url, resent_received_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		image.ID, image.CreatedAt, image.UpdatedAt, image.DeviceMAC,
		image.Name, image.CapturedAt, image.SizeBytes, image.TotalChunks,
		image.Received, image.Status, image.StorageURL, image.ResentReceivedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetImage gets an image by ID
func (s *PostgresStore) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	query := imageSelect + ` WHERE id = $1`
	return s.scanImage(s.getDB().QueryRowContext(ctx, query, id))
}

// GetImageByName gets an image by device and name
func (s *PostgresStore) GetImageByName(ctx context.Context, mac models.MACAddr, name string) (*models.Image, error) {
	query := imageSelect + ` WHERE device_mac = $1 AND name = $2`
	return s.scanImage(s.getDB().QueryRowContext(ctx, query, mac, name))
}

// UpdateImage updates an image record
func (s *PostgresStore) UpdateImage(ctx context.Context, image *models.Image) error {
	image.UpdatedAt = time.Now()

	query := `
        UPDATE images SET
            updated_at = $2, captured_at = $3, size_bytes = $4,
            total_chunks = $5, received_chunks = $6, status = $7,
            storage_url = $8, resent_received_at = $9
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		image.ID, image.UpdatedAt, image.CapturedAt, image.SizeBytes,
		image.TotalChunks, image.Received, image.Status, image.StorageURL,
		image.ResentReceivedAt,
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

// TransitionImage moves an image to a new status only if it currently
// holds one of the from statuses; the bool reports whether this call
// won the transition.
func (s *PostgresStore) TransitionImage(ctx context.Context, id uuid.UUID, to models.ImageStatus, from ...models.ImageStatus) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}

	query := `
        UPDATE images SET status = $2, updated_at = now()
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

// ListStalledImages lists receiving images last touched before the cutoff
func (s *PostgresStore) ListStalledImages(ctx context.Context, before time.Time) ([]*models.Image, error) {
	query := imageSelect + `
        WHERE status = 'receiving' AND updated_at < $1
        ORDER BY updated_at`

	rows, err := s.getDB().QueryContext(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*models.Image
	for rows.Next() {
		image := &models.Image{}
		err := rows.Scan(
			&image.ID, &image.CreatedAt, &image.UpdatedAt, &image.DeviceMAC,
			&image.Name, &image.CapturedAt, &image.SizeBytes, &image.TotalChunks,
			&image.Received, &image.Status, &image.StorageURL, &image.ResentReceivedAt,
		)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}

	return images, rows.Err()
}

// GetOldestIncompleteImage gets the device's oldest image that never
// completed; pending-image recovery asks the device to resend it.
func (s *PostgresStore) GetOldestIncompleteImage(ctx context.Context, mac models.MACAddr) (*models.Image, error) {
	query := imageSelect + `
        WHERE device_mac = $1 AND status != 'complete'
        ORDER BY captured_at
        LIMIT 1`
	return s.scanImage(s.getDB().QueryRowContext(ctx, query, mac))
}

const imageSelect = `
        SELECT id, created_at, updated_at, device_mac, name, captured_at,
               size_bytes, total_chunks, received_chunks, status,
               storage_url, resent_received_at
        FROM images`

func (s *PostgresStore) scanImage(row *sql.Row) (*models.Image, error) {
	image := &models.Image{}
	err := row.Scan(
		&image.ID, &image.CreatedAt, &image.UpdatedAt, &image.DeviceMAC,
		&image.Name, &image.CapturedAt, &image.SizeBytes, &image.TotalChunks,
		&image.Received, &image.Status, &image.StorageURL, &image.ResentReceivedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return image, nil
}
