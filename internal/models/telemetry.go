package models

import (
	"time"

	"github.com/google/uuid"
)

// TelemetryReading is one set of environmental values from a device.
// WakeID is nil for context-free readings from unmapped devices.
type TelemetryReading struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	DeviceMAC MACAddr    `json:"deviceMac" db:"device_mac"`
	WakeID    *uuid.UUID `json:"wakeId,omitempty" db:"wake_id"`

	CapturedAt time.Time `json:"capturedAt" db:"captured_at"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`

	Temperature   *float64 `json:"temperature,omitempty" db:"temperature"`
	Humidity      *float64 `json:"humidity,omitempty" db:"humidity"`
	Pressure      *float64 `json:"pressure,omitempty" db:"pressure"`
	GasResistance *float64 `json:"gasResistance,omitempty" db:"gas_resistance"`
}

// HasReading reports whether at least one environmental value is set
func (t *TelemetryReading) HasReading() bool {
	return t.Temperature != nil || t.Humidity != nil || t.Pressure != nil || t.GasResistance != nil
}
