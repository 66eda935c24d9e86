package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Event Log Methods ==========

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()

	query := `
        INSERT INTO event_logs (
            id, created_at, site_id, session_id, device_mac,
            type, level, description, details
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.SiteID, event.SessionID,
		event.DeviceMAC, event.Type, event.Level, event.Description,
		event.Details,
	)

	return err
}

// ListEventLogs lists event logs with filters, newest first
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	addFilter := func(clause string, value interface{}) {
		where += fmt.Sprintf(" AND %s = $%d", clause, argNum)
		args = append(args, value)
		argNum++
	}

	if filters.SiteID != nil {
		addFilter("site_id", *filters.SiteID)
	}
	if filters.SessionID != nil {
		addFilter("session_id", *filters.SessionID)
	}
	if filters.DeviceMAC != nil {
		addFilter("device_mac", *filters.DeviceMAC)
	}
	if filters.Type != nil {
		addFilter("type", *filters.Type)
	}
	if filters.Level != nil {
		addFilter("level", *filters.Level)
	}
	if filters.StartTime != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filters.StartTime)
		argNum++
	}
	if filters.EndTime != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argNum)
		args = append(args, *filters.EndTime)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM event_logs " + where

	var total int64
	if err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
        SELECT id, created_at, site_id, session_id, device_mac,
               type, level, description, details
        FROM event_logs
        %s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.SiteID, &event.SessionID,
			&event.DeviceMAC, &event.Type, &event.Level, &event.Description,
			&event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, total, rows.Err()
}
