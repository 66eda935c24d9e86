package models

import (
	"time"

	"github.com/google/uuid"
)

// Device represents a battery-powered field sensor. Devices are
// identified by hardware MAC and are never deleted, only unassigned
// from their site.
type Device struct {
	MAC       MACAddr   `json:"mac" db:"mac"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	SiteID      *uuid.UUID `json:"siteId,omitempty" db:"site_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	IsDisabled  bool       `json:"isDisabled" db:"is_disabled"`

	// WakeSchedule overrides the site schedule when set
	WakeSchedule *string `json:"wakeSchedule,omitempty" db:"wake_schedule"`

	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	LastWakeAt *time.Time `json:"lastWakeAt,omitempty" db:"last_wake_at"`

	// PendingImages is the count the device last reported in its
	// status message (images held on SD card awaiting upload).
	PendingImages int `json:"pendingImages" db:"pending_images"`
}
