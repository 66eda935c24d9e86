package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Daily Session Methods ==========

// CreateDailySession creates a new daily session
func (s *PostgresStore) CreateDailySession(ctx context.Context, session *models.DailySession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	query := `
        INSERT INTO daily_sessions (
            id, created_at, updated_at, site_id, session_date, status,
            expected_wakes, completed_count, failed_count, overage_count,
            opened_at, locked_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		session.ID, session.CreatedAt, session.UpdatedAt, session.SiteID,
		session.SessionDate, session.Status, session.ExpectedWakes,
		session.CompletedCount, session.FailedCount, session.OverageCount,
		session.OpenedAt, session.LockedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDailySession gets a session by ID
func (s *PostgresStore) GetDailySession(ctx context.Context, id uuid.UUID) (*models.DailySession, error) {
	query := sessionSelect + ` WHERE id = $1`
	return s.scanSession(s.getDB().QueryRowContext(ctx, query, id))
}

// GetSessionByDate gets the session for a site on a local calendar day
func (s *PostgresStore) GetSessionByDate(ctx context.Context, siteID uuid.UUID, date string) (*models.DailySession, error) {
	query := sessionSelect + ` WHERE site_id = $1 AND session_date = $2`
	return s.scanSession(s.getDB().QueryRowContext(ctx, query, siteID, date))
}

// ListSessions lists sessions for a site, newest first
func (s *PostgresStore) ListSessions(ctx context.Context, siteID uuid.UUID, limit, offset int) ([]*models.DailySession, int64, error) {
	countQuery := `SELECT COUNT(*) FROM daily_sessions WHERE site_id = $1`

	var total int64
	if err := s.getDB().QueryRowContext(ctx, countQuery, siteID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := sessionSelect + `
        WHERE site_id = $1
        ORDER BY session_date DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, siteID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions, err := s.scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}

	return sessions, total, nil
}

// ListOpenSessions lists every session still open, across all sites
func (s *PostgresStore) ListOpenSessions(ctx context.Context) ([]*models.DailySession, error) {
	query := sessionSelect + ` WHERE status = 'open' ORDER BY opened_at`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanSessions(rows)
}

// UpdateSessionExpected updates the expected wake count after a
// mid-day schedule change.
func (s *PostgresStore) UpdateSessionExpected(ctx context.Context, id uuid.UUID, expected int) error {
	query := `
        UPDATE daily_sessions SET expected_wakes = $2, updated_at = now()
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, id, expected)
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

// LockSession transitions a session from open to locked. Returns
// false when the session was already locked, so concurrent sweeps
// cannot double-emit lock events.
func (s *PostgresStore) LockSession(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
        UPDATE daily_sessions SET status = 'locked', locked_at = $2, updated_at = now()
        WHERE id = $1 AND status = 'open'`

	result, err := s.getDB().ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// IncrementSessionCounter atomically increments a session counter.
// Locked sessions still accept increments: late outcomes of wakes
// that arrived before the boundary count toward their day.
func (s *PostgresStore) IncrementSessionCounter(ctx context.Context, id uuid.UUID, counter models.SessionCounter) error {
	switch counter {
	case models.CounterCompleted, models.CounterFailed, models.CounterOverage:
	default:
		return fmt.Errorf("%w: unknown counter %q", ErrInvalidData, counter)
	}

	query := fmt.Sprintf(`
        UPDATE daily_sessions SET %s = %s + 1, updated_at = now()
        WHERE id = $1`, counter, counter)

	result, err := s.getDB().ExecContext(ctx, query, id)
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

// AttachSessionWakes adopts session-less wakes of the site's devices
// captured within the window into the session. Wakes land session-less
// when they arrive before the opener has run; the opener calls this to
// reconcile them. Adopted wakes that already reached a terminal state
// missed their counter increment (it only fires when the wake carries
// a session), so the same statement folds their outcomes and overage
// flags into the session counters. Returns the number of wakes adopted.
func (s *PostgresStore) AttachSessionWakes(ctx context.Context, sessionID, siteID uuid.UUID, start, end time.Time) (int64, error) {
	query := `
        WITH adopted AS (
            UPDATE wake_payloads SET session_id = $1, updated_at = now()
            WHERE session_id IS NULL
              AND captured_at >= $3 AND captured_at < $4
              AND device_mac IN (SELECT mac FROM devices WHERE site_id = $2)
            RETURNING status, overage
        ), reconciled AS (
            UPDATE daily_sessions SET
                completed_count = completed_count + (SELECT COUNT(*) FROM adopted WHERE status = 'complete'),
                failed_count    = failed_count    + (SELECT COUNT(*) FROM adopted WHERE status = 'failed'),
                overage_count   = overage_count   + (SELECT COUNT(*) FROM adopted WHERE overage),
                updated_at = now()
            WHERE id = $1
        )
        SELECT COUNT(*) FROM adopted`

	var adopted int64
	if err := s.getDB().QueryRowContext(ctx, query, sessionID, siteID, start, end).Scan(&adopted); err != nil {
		return 0, err
	}

	return adopted, nil
}

const sessionSelect = `
        SELECT id, created_at, updated_at, site_id, session_date, status,
               expected_wakes, completed_count, failed_count, overage_count,
               opened_at, locked_at
        FROM daily_sessions`

func (s *PostgresStore) scanSession(row *sql.Row) (*models.DailySession, error) {
	session := &models.DailySession{}
	err := row.Scan(
		&session.ID, &session.CreatedAt, &session.UpdatedAt, &session.SiteID,
		&session.SessionDate, &session.Status, &session.ExpectedWakes,
		&session.CompletedCount, &session.FailedCount, &session.OverageCount,
		&session.OpenedAt, &session.LockedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}

func (s *PostgresStore) scanSessions(rows *sql.Rows) ([]*models.DailySession, error) {
	var sessions []*models.DailySession
	for rows.Next() {
		session := &models.DailySession{}
		err := rows.Scan(
			&session.ID, &session.CreatedAt, &session.UpdatedAt, &session.SiteID,
			&session.SessionDate, &session.Status, &session.ExpectedWakes,
			&session.CompletedCount, &session.FailedCount, &session.OverageCount,
			&session.OpenedAt, &session.LockedAt,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}
