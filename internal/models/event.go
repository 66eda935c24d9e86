package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	SiteID    *uuid.UUID `json:"siteId,omitempty" db:"site_id"`
	SessionID *uuid.UUID `json:"sessionId,omitempty" db:"session_id"`
	DeviceMAC *MACAddr   `json:"deviceMac,omitempty" db:"device_mac"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Device events
	EventTypeDeviceStatus  EventType = "DEVICE_STATUS"
	EventTypeWakeComplete  EventType = "WAKE_COMPLETE"
	EventTypeWakeFailed    EventType = "WAKE_FAILED"
	EventTypeImageComplete EventType = "IMAGE_COMPLETE"
	EventTypeImageFailed   EventType = "IMAGE_FAILED"
	EventTypeChunkTimeout  EventType = "CHUNK_TIMEOUT"
	EventTypeRetry         EventType = "RETRY"
	EventTypeUnknownMsg    EventType = "UNKNOWN_MESSAGE"
	EventTypeUnmapped      EventType = "DEVICE_UNMAPPED"

	// Session events
	EventTypeSessionOpened EventType = "SESSION_OPENED"
	EventTypeSessionLocked EventType = "SESSION_LOCKED"
	EventTypeSnapshot      EventType = "SNAPSHOT"

	// System events
	EventTypeAPICall EventType = "API_CALL"
	EventTypeStorage EventType = "STORAGE"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
