package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// ========== Company / Program / Site Methods ==========

// CreateCompany creates a new company
func (s *PostgresStore) CreateCompany(ctx context.Context, company *models.Company) error {
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}
	now := time.Now()
	company.CreatedAt = now
	company.UpdatedAt = now

	query := `
        INSERT INTO companies (id, created_at, updated_at, name, description)
        VALUES ($1, $2, $3, $4, $5)`

	_, err := s.getDB().ExecContext(ctx, query,
		company.ID, company.CreatedAt, company.UpdatedAt,
		company.Name, company.Description,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// CreateProgram creates a new program
func (s *PostgresStore) CreateProgram(ctx context.Context, program *models.Program) error {
	if program.ID == uuid.Nil {
		program.ID = uuid.New()
	}
	now := time.Now()
	program.CreatedAt = now
	program.UpdatedAt = now

	query := `
        INSERT INTO programs (id, created_at, updated_at, company_id, name, description)
        VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		program.ID, program.CreatedAt, program.UpdatedAt,
		program.CompanyID, program.Name, program.Description,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// CreateSite creates a new site
func (s *PostgresStore) CreateSite(ctx context.Context, site *models.Site) error {
	if site.ID == uuid.Nil {
		site.ID = uuid.New()
	}
	now := time.Now()
	site.CreatedAt = now
	site.UpdatedAt = now

	query := `
        INSERT INTO sites (
            id, created_at, updated_at, program_id, name, location,
            timezone, wake_schedule
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		site.ID, site.CreatedAt, site.UpdatedAt, site.ProgramID,
		site.Name, site.Location, site.Timezone, site.WakeSchedule,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetSite gets a site by ID
func (s *PostgresStore) GetSite(ctx context.Context, id uuid.UUID) (*models.Site, error) {
	query := `
        SELECT id, created_at, updated_at, program_id, name, location,
               timezone, wake_schedule
        FROM sites
        WHERE id = $1`

	site := &models.Site{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&site.ID, &site.CreatedAt, &site.UpdatedAt, &site.ProgramID,
		&site.Name, &site.Location, &site.Timezone, &site.WakeSchedule,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return site, nil
}

// UpdateSite updates a site
func (s *PostgresStore) UpdateSite(ctx context.Context, site *models.Site) error {
	site.UpdatedAt = time.Now()

	query := `
        UPDATE sites SET
            updated_at = $2, program_id = $3, name = $4, location = $5,
            timezone = $6, wake_schedule = $7
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		site.ID, site.UpdatedAt, site.ProgramID, site.Name,
		site.Location, site.Timezone, site.WakeSchedule,
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

// ListSites lists all sites
func (s *PostgresStore) ListSites(ctx context.Context) ([]*models.Site, error) {
	query := `
        SELECT id, created_at, updated_at, program_id, name, location,
               timezone, wake_schedule
        FROM sites
        ORDER BY name`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*models.Site
	for rows.Next() {
		site := &models.Site{}
		err := rows.Scan(
			&site.ID, &site.CreatedAt, &site.UpdatedAt, &site.ProgramID,
			&site.Name, &site.Location, &site.Timezone, &site.WakeSchedule,
		)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}

	return sites, rows.Err()
}
