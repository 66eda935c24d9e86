package models

import (
	"time"
)

// User represents an operator account for the REST API
type User struct {
	BaseModel
	Email        string `json:"email" db:"email"`
	Username     string `json:"username" db:"username"`
	PasswordHash string `json:"-" db:"password_hash"`
	IsAdmin      bool   `json:"isAdmin" db:"is_admin"`
	IsActive     bool   `json:"isActive" db:"is_active"`

	LastLoginAt *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`

	Settings Variables `json:"settings,omitempty" db:"settings"`
}
