package models

import (
	"time"

	"github.com/google/uuid"
)

// WakeStatus represents the state of a wake occurrence
type WakeStatus string

const (
	WakePending   WakeStatus = "pending"
	WakeReceiving WakeStatus = "receiving"
	WakeComplete  WakeStatus = "complete"
	WakeFailed    WakeStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s WakeStatus) Terminal() bool {
	return s == WakeComplete || s == WakeFailed
}

// WakePayload is the authoritative record of one wake occurrence of
// one device. A wake completes the moment the device is confirmed to
// have transmitted; completion never waits for an attached image to
// finish assembling. Retries update the same row, never a new one.
type WakePayload struct {
	BaseModel
	DeviceMAC MACAddr    `json:"deviceMac" db:"device_mac"`
	SessionID *uuid.UUID `json:"sessionId,omitempty" db:"session_id"`

	// OccurrenceKey deduplicates retries of the same wake: the image
	// name when the wake carries an image, otherwise the capture
	// timestamp.
	OccurrenceKey string `json:"occurrenceKey" db:"occurrence_key"`

	CapturedAt time.Time  `json:"capturedAt" db:"captured_at"`
	Status     WakeStatus `json:"status" db:"status"`

	// Overage marks a wake the schedule did not predict. It is set at
	// creation and never affects the complete/failed outcome.
	Overage bool `json:"overage" db:"overage"`

	RetryCount int `json:"retryCount" db:"retry_count"`

	// ResentReceivedAt records when a retry actually landed;
	// CapturedAt stays the authoritative original time.
	ResentReceivedAt *time.Time `json:"resentReceivedAt,omitempty" db:"resent_received_at"`

	ImageID *uuid.UUID `json:"imageId,omitempty" db:"image_id"`

	// Inline telemetry from the metadata message, if any
	Temperature   *float64 `json:"temperature,omitempty" db:"temperature"`
	Humidity      *float64 `json:"humidity,omitempty" db:"humidity"`
	Pressure      *float64 `json:"pressure,omitempty" db:"pressure"`
	GasResistance *float64 `json:"gasResistance,omitempty" db:"gas_resistance"`
}
