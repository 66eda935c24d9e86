package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Session Snapshot Methods ==========

// CreateSessionSnapshot inserts a snapshot for one (session, round).
// The unique index on that pair makes insertion idempotent; the bool
// reports whether this call created the row. Snapshots are immutable,
// so a loser never overwrites the winner's data.
func (s *PostgresStore) CreateSessionSnapshot(ctx context.Context, snapshot *models.SessionSnapshot) (bool, error) {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	snapshot.CreatedAt = time.Now()

	query := `
        INSERT INTO session_snapshots (
            id, created_at, session_id, wake_round, round_start, round_end, data
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7
        )
        ON CONFLICT (session_id, wake_round) DO NOTHING`

	result, err := s.getDB().ExecContext(ctx, query,
		snapshot.ID, snapshot.CreatedAt, snapshot.SessionID,
		snapshot.WakeRound, snapshot.RoundStart, snapshot.RoundEnd,
		snapshot.Data,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// GetSnapshot gets the snapshot for one session round
func (s *PostgresStore) GetSnapshot(ctx context.Context, sessionID uuid.UUID, round int) (*models.SessionSnapshot, error) {
	query := snapshotSelect + ` WHERE session_id = $1 AND wake_round = $2`

	snapshot := &models.SessionSnapshot{}
	err := s.getDB().QueryRowContext(ctx, query, sessionID, round).Scan(
		&snapshot.ID, &snapshot.CreatedAt, &snapshot.SessionID,
		&snapshot.WakeRound, &snapshot.RoundStart, &snapshot.RoundEnd,
		&snapshot.Data,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// ListSessionSnapshots lists a session's snapshots in round order
func (s *PostgresStore) ListSessionSnapshots(ctx context.Context, sessionID uuid.UUID) ([]*models.SessionSnapshot, error) {
	query := snapshotSelect + ` WHERE session_id = $1 ORDER BY wake_round`

	rows, err := s.getDB().QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*models.SessionSnapshot
	for rows.Next() {
		snapshot := &models.SessionSnapshot{}
		err := rows.Scan(
			&snapshot.ID, &snapshot.CreatedAt, &snapshot.SessionID,
			&snapshot.WakeRound, &snapshot.RoundStart, &snapshot.RoundEnd,
			&snapshot.Data,
		)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}

	return snapshots, rows.Err()
}

const snapshotSelect = `
        SELECT id, created_at, session_id, wake_round, round_start,
               round_end, data
        FROM session_snapshots`
