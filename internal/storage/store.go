package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Company / program / site methods
	CreateCompany(ctx context.Context, company *models.Company) error
	CreateProgram(ctx context.Context, program *models.Program) error
	CreateSite(ctx context.Context, site *models.Site) error
	GetSite(ctx context.Context, id uuid.UUID) (*models.Site, error)
	UpdateSite(ctx context.Context, site *models.Site) error
	ListSites(ctx context.Context) ([]*models.Site, error)

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, mac models.MACAddr) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	ListDevices(ctx context.Context, siteID *uuid.UUID, limit, offset int) ([]*models.Device, int64, error)
	ListSiteDevices(ctx context.Context, siteID uuid.UUID) ([]*models.Device, error)
	ResolveLineage(ctx context.Context, mac models.MACAddr) (*models.Lineage, error)

	// Daily session methods
	CreateDailySession(ctx context.Context, session *models.DailySession) error
	GetDailySession(ctx context.Context, id uuid.UUID) (*models.DailySession, error)
	GetSessionByDate(ctx context.Context, siteID uuid.UUID, date string) (*models.DailySession, error)
	ListSessions(ctx context.Context, siteID uuid.UUID, limit, offset int) ([]*models.DailySession, int64, error)
	ListOpenSessions(ctx context.Context) ([]*models.DailySession, error)
	UpdateSessionExpected(ctx context.Context, id uuid.UUID, expected int) error
	LockSession(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	IncrementSessionCounter(ctx context.Context, id uuid.UUID, counter models.SessionCounter) error
	AttachSessionWakes(ctx context.Context, sessionID, siteID uuid.UUID, start, end time.Time) (int64, error)

	// Wake payload methods
	CreateWakePayload(ctx context.Context, wake *models.WakePayload) error
	GetWakePayload(ctx context.Context, id uuid.UUID) (*models.WakePayload, error)
	GetWakeByOccurrence(ctx context.Context, mac models.MACAddr, key string) (*models.WakePayload, error)
	GetActiveWake(ctx context.Context, mac models.MACAddr) (*models.WakePayload, error)
	UpdateWakePayload(ctx context.Context, wake *models.WakePayload) error
	TransitionWake(ctx context.Context, id uuid.UUID, to models.WakeStatus, from ...models.WakeStatus) (bool, error)
	ListSessionWakes(ctx context.Context, sessionID uuid.UUID) ([]*models.WakePayload, error)
	ListStalledWakes(ctx context.Context, before time.Time) ([]*models.WakePayload, error)

	// Image methods
	CreateImage(ctx context.Context, image *models.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	GetImageByName(ctx context.Context, mac models.MACAddr, name string) (*models.Image, error)
	UpdateImage(ctx context.Context, image *models.Image) error
	TransitionImage(ctx context.Context, id uuid.UUID, to models.ImageStatus, from ...models.ImageStatus) (bool, error)
	ListStalledImages(ctx context.Context, before time.Time) ([]*models.Image, error)
	GetOldestIncompleteImage(ctx context.Context, mac models.MACAddr) (*models.Image, error)

	// Telemetry methods
	CreateTelemetryReading(ctx context.Context, reading *models.TelemetryReading) error
	ListTelemetry(ctx context.Context, mac models.MACAddr, limit, offset int) ([]*models.TelemetryReading, int64, error)
	LatestReadingBefore(ctx context.Context, mac models.MACAddr, before time.Time) (*models.TelemetryReading, error)
	LatestReadingInWindow(ctx context.Context, mac models.MACAddr, start, end time.Time) (*models.TelemetryReading, error)

	// Snapshot methods
	CreateSessionSnapshot(ctx context.Context, snapshot *models.SessionSnapshot) (bool, error)
	GetSnapshot(ctx context.Context, sessionID uuid.UUID, round int) (*models.SessionSnapshot, error)
	ListSessionSnapshots(ctx context.Context, sessionID uuid.UUID) ([]*models.SessionSnapshot, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	SiteID    *uuid.UUID
	SessionID *uuid.UUID
	DeviceMAC *models.MACAddr
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
