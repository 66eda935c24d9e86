package models

import (
	"github.com/google/uuid"
)

// Company represents a customer organization
type Company struct {
	BaseModel
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
}

// Program represents a monitoring program within a company
type Program struct {
	BaseModel
	CompanyID   uuid.UUID `json:"companyId" db:"company_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
}

// Site represents a physical installation where devices are deployed.
// The wake schedule is a cron expression evaluated in the site's
// local timezone.
type Site struct {
	BaseModel
	ProgramID    uuid.UUID `json:"programId" db:"program_id"`
	Name         string    `json:"name" db:"name"`
	Location     string    `json:"location" db:"location"`
	Timezone     string    `json:"timezone" db:"timezone"`
	WakeSchedule string    `json:"wakeSchedule" db:"wake_schedule"`
}

// Lineage is the resolved chain from a device up to its company,
// plus the currently-open daily session for the device's site.
// Site/Program/Company are nil for unassigned devices, and
// ActiveSession is nil when no session is open for "today" in the
// site's local calendar.
type Lineage struct {
	Device        *Device       `json:"device"`
	Site          *Site         `json:"site,omitempty"`
	Program       *Program      `json:"program,omitempty"`
	Company       *Company      `json:"company,omitempty"`
	ActiveSession *DailySession `json:"activeSession,omitempty"`
}

// Mapped reports whether the device is assigned to a site
func (l *Lineage) Mapped() bool {
	return l != nil && l.Site != nil
}
