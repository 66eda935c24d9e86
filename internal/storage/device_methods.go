package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            mac, created_at, updated_at, site_id, name, description,
            is_disabled, wake_schedule, pending_images
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.MAC, device.CreatedAt, device.UpdatedAt, device.SiteID,
		device.Name, device.Description, device.IsDisabled,
		device.WakeSchedule, device.PendingImages,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by MAC
func (s *PostgresStore) GetDevice(ctx context.Context, mac models.MACAddr) (*models.Device, error) {
	query := `
        SELECT mac, created_at, updated_at, site_id, name, description,
               is_disabled, wake_schedule, last_seen_at, last_wake_at, pending_images
        FROM devices
        WHERE mac = $1`

	device := &models.Device{}
	err := s.getDB().QueryRowContext(ctx, query, mac).Scan(
		&device.MAC, &device.CreatedAt, &device.UpdatedAt, &device.SiteID,
		&device.Name, &device.Description, &device.IsDisabled,
		&device.WakeSchedule, &device.LastSeenAt, &device.LastWakeAt,
		&device.PendingImages,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, site_id = $3, name = $4, description = $5,
            is_disabled = $6, wake_schedule = $7, last_seen_at = $8,
            last_wake_at = $9, pending_images = $10
        WHERE mac = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.MAC, device.UpdatedAt, device.SiteID, device.Name,
		device.Description, device.IsDisabled, device.WakeSchedule,
		device.LastSeenAt, device.LastWakeAt, device.PendingImages,
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

// ListDevices lists devices, optionally filtered by site
func (s *PostgresStore) ListDevices(ctx context.Context, siteID *uuid.UUID, limit, offset int) ([]*models.Device, int64, error) {
	countQuery := `SELECT COUNT(*) FROM devices WHERE ($1::uuid IS NULL OR site_id = $1)`

	var total int64
	if err := s.getDB().QueryRowContext(ctx, countQuery, siteID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
        SELECT mac, created_at, updated_at, site_id, name, description,
               is_disabled, wake_schedule, last_seen_at, last_wake_at, pending_images
        FROM devices
        WHERE ($1::uuid IS NULL OR site_id = $1)
        ORDER BY mac
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, siteID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.MAC, &device.CreatedAt, &device.UpdatedAt, &device.SiteID,
			&device.Name, &device.Description, &device.IsDisabled,
			&device.WakeSchedule, &device.LastSeenAt, &device.LastWakeAt,
			&device.PendingImages,
		)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, total, rows.Err()
}

// ListSiteDevices lists all enabled devices assigned to a site
func (s *PostgresStore) ListSiteDevices(ctx context.Context, siteID uuid.UUID) ([]*models.Device, error) {
	query := `
        SELECT mac, created_at, updated_at, site_id, name, description,
               is_disabled, wake_schedule, last_seen_at, last_wake_at, pending_images
        FROM devices
        WHERE site_id = $1 AND is_disabled = false
        ORDER BY mac`

	rows, err := s.getDB().QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.MAC, &device.CreatedAt, &device.UpdatedAt, &device.SiteID,
			&device.Name, &device.Description, &device.IsDisabled,
			&device.WakeSchedule, &device.LastSeenAt, &device.LastWakeAt,
			&device.PendingImages,
		)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// ResolveLineage resolves a device's site, program, company and the
// currently-open session for the site's local calendar day. Unmapped
// devices resolve with a nil site; mapped sites with no open session
// today resolve with a nil session.
func (s *PostgresStore) ResolveLineage(ctx context.Context, mac models.MACAddr) (*models.Lineage, error) {
	device, err := s.GetDevice(ctx, mac)
	if err != nil {
		return nil, err
	}

	lineage := &models.Lineage{Device: device}
	if device.SiteID == nil {
		return lineage, nil
	}

	query := `
        SELECT st.id, st.created_at, st.updated_at, st.program_id, st.name,
               st.location, st.timezone, st.wake_schedule,
               p.id, p.created_at, p.updated_at, p.company_id, p.name, p.description,
               c.id, c.created_at, c.updated_at, c.name, c.description
        FROM sites st
        JOIN programs p ON p.id = st.program_id
        JOIN companies c ON c.id = p.company_id
        WHERE st.id = $1`

	site := &models.Site{}
	program := &models.Program{}
	company := &models.Company{}

	err = s.getDB().QueryRowContext(ctx, query, device.SiteID).Scan(
		&site.ID, &site.CreatedAt, &site.UpdatedAt, &site.ProgramID,
		&site.Name, &site.Location, &site.Timezone, &site.WakeSchedule,
		&program.ID, &program.CreatedAt, &program.UpdatedAt,
		&program.CompanyID, &program.Name, &program.Description,
		&company.ID, &company.CreatedAt, &company.UpdatedAt,
		&company.Name, &company.Description,
	)

	if err == sql.ErrNoRows {
		// Site was removed from under the device; treat as unmapped
		return lineage, nil
	}
	if err != nil {
		return nil, err
	}

	lineage.Site = site
	lineage.Program = program
	lineage.Company = company

	// Today's open session, in the site's local calendar
	sessionQuery := `
        SELECT id, created_at, updated_at, site_id, session_date, status,
               expected_wakes, completed_count, failed_count, overage_count,
               opened_at, locked_at
        FROM daily_sessions
        WHERE site_id = $1
          AND session_date = to_char(now() AT TIME ZONE $2, 'YYYY-MM-DD')
          AND status = 'open'`

	session := &models.DailySession{}
	err = s.getDB().QueryRowContext(ctx, sessionQuery, site.ID, site.Timezone).Scan(
		&session.ID, &session.CreatedAt, &session.UpdatedAt, &session.SiteID,
		&session.SessionDate, &session.Status, &session.ExpectedWakes,
		&session.CompletedCount, &session.FailedCount, &session.OverageCount,
		&session.OpenedAt, &session.LockedAt,
	)

	if err == sql.ErrNoRows {
		return lineage, nil
	}
	if err != nil {
		return nil, err
	}

	lineage.ActiveSession = session
	return lineage, nil
}
