package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Freshness tags a snapshot value as observed this round or carried
// forward from an earlier one.
type Freshness string

const (
	FreshnessCurrent        Freshness = "current"
	FreshnessCarriedForward Freshness = "carried_forward"
)

// DeviceState is one device's entry in a session snapshot
type DeviceState struct {
	DeviceMAC MACAddr   `json:"deviceMac"`
	Freshness Freshness `json:"freshness"`

	// AgeSeconds is the elapsed time since the value's origin; zero
	// for current data, non-negative always.
	AgeSeconds float64 `json:"ageSeconds"`

	ObservedAt time.Time `json:"observedAt"`

	Temperature   *float64 `json:"temperature,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	GasResistance *float64 `json:"gasResistance,omitempty"`

	WakeStatus WakeStatus `json:"wakeStatus,omitempty"`
	ImageURL   string     `json:"imageUrl,omitempty"`
}

// SnapshotAggregates are round-level metrics computed only from
// devices with current-round data, so stale values cannot flatten
// trends.
type SnapshotAggregates struct {
	CurrentDevices int `json:"currentDevices"`

	AvgTemperature *float64 `json:"avgTemperature,omitempty"`
	MinTemperature *float64 `json:"minTemperature,omitempty"`
	MaxTemperature *float64 `json:"maxTemperature,omitempty"`
	AvgHumidity    *float64 `json:"avgHumidity,omitempty"`
	MinHumidity    *float64 `json:"minHumidity,omitempty"`
	MaxHumidity    *float64 `json:"maxHumidity,omitempty"`

	// Velocity is the change of the round average versus the
	// previous round, per hour.
	TemperatureVelocity *float64 `json:"temperatureVelocity,omitempty"`
	HumidityVelocity    *float64 `json:"humidityVelocity,omitempty"`
}

// SnapshotData is the JSON document stored in a session snapshot row
type SnapshotData struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	Devices     []DeviceState      `json:"devices"`
	Aggregates  SnapshotAggregates `json:"aggregates"`
}

// Value implements driver.Valuer
func (d SnapshotData) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner
func (d *SnapshotData) Scan(value interface{}) error {
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, d)
	case string:
		return json.Unmarshal([]byte(data), d)
	default:
		return fmt.Errorf("cannot scan %T into SnapshotData", value)
	}
}

// SessionSnapshot is an immutable point-in-time rollup of every
// device's state at a site, one row per (session, wake round).
type SessionSnapshot struct {
	ID        uuid.UUID `json:"id" db:"id"`
	SessionID uuid.UUID `json:"sessionId" db:"session_id"`
	WakeRound int       `json:"wakeRound" db:"wake_round"`

	RoundStart time.Time `json:"roundStart" db:"round_start"`
	RoundEnd   time.Time `json:"roundEnd" db:"round_end"`

	Data SnapshotData `json:"data" db:"data"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
