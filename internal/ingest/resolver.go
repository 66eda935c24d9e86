package ingest

import (
	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/schedule"
)

// effectiveSchedule resolves the wake schedule governing a device: a
// per-device override when set, otherwise the site schedule, always
// evaluated in the site's timezone. Unmapped devices have none.
func effectiveSchedule(lineage *models.Lineage) (*schedule.Schedule, error) {
	if !lineage.Mapped() {
		return nil, nil
	}

	expr := lineage.Site.WakeSchedule
	if lineage.Device.WakeSchedule != nil && *lineage.Device.WakeSchedule != "" {
		expr = *lineage.Device.WakeSchedule
	}
	if expr == "" {
		return nil, nil
	}

	return schedule.Parse(expr, lineage.Site.Timezone)
}
