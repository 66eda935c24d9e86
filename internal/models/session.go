package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a daily session
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionLocked SessionStatus = "locked"
)

// DailySession aggregates all wake occurrences for one site on one
// calendar day (in the site's local timezone). Exactly one session
// exists per (site, date); sessions are locked at the day boundary
// and never deleted.
type DailySession struct {
	BaseModel
	SiteID      uuid.UUID     `json:"siteId" db:"site_id"`
	SessionDate string        `json:"sessionDate" db:"session_date"` // YYYY-MM-DD, site-local
	Status      SessionStatus `json:"status" db:"status"`

	// ExpectedWakes is derived from the schedule at open time and
	// recomputed on mid-day schedule changes.
	ExpectedWakes  int `json:"expectedWakes" db:"expected_wakes"`
	CompletedCount int `json:"completedCount" db:"completed_count"`
	FailedCount    int `json:"failedCount" db:"failed_count"`
	OverageCount   int `json:"overageCount" db:"overage_count"`

	OpenedAt time.Time  `json:"openedAt" db:"opened_at"`
	LockedAt *time.Time `json:"lockedAt,omitempty" db:"locked_at"`
}

// SessionCounter names a session counter column for atomic increments
type SessionCounter string

const (
	CounterCompleted SessionCounter = "completed_count"
	CounterFailed    SessionCounter = "failed_count"
	CounterOverage   SessionCounter = "overage_count"
)
