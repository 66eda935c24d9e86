package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BaseModel contains common fields for all models
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
}

// MACAddr is a device hardware identifier, stored as uppercase hex
// without separators (e.g. "B8F862F9CFB8").
type MACAddr string

// ParseMAC normalizes a raw MAC string into a MACAddr
func ParseMAC(s string) (MACAddr, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(s)))
	if len(cleaned) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", s)
	}
	for _, r := range cleaned {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')) {
			return "", fmt.Errorf("invalid MAC address %q", s)
		}
	}
	return MACAddr(cleaned), nil
}

// String returns the normalized string form
func (m MACAddr) String() string {
	return string(m)
}

// Value implements driver.Valuer
func (m MACAddr) Value() (driver.Value, error) {
	return string(m), nil
}

// Scan implements sql.Scanner
func (m *MACAddr) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*m = MACAddr(v)
		return nil
	case []byte:
		*m = MACAddr(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MACAddr", value)
	}
}
