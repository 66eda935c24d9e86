package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/integration"
	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/schedule"
	"github.com/brainlytree/sensor-server/internal/storage"
)

// Generator produces one immutable snapshot per closed wake round:
// the last observed state of every device at the site, carried
// forward when a device missed the round, with aggregates computed
// from current-round data only.
type Generator struct {
	store    storage.Store
	events   integration.Publisher
	interval time.Duration

	now func() time.Time
}

// NewGenerator creates the snapshot generator. events may be nil.
func NewGenerator(store storage.Store, events integration.Publisher, interval time.Duration) *Generator {
	return &Generator{
		store:    store,
		events:   events,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on the configured cadence until the context ends
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", g.interval).Msg("Snapshot generator started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep generates the latest closed round's snapshot for every open
// session that doesn't have one yet.
func (g *Generator) Sweep(ctx context.Context) {
	sessions, err := g.store.ListOpenSessions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list open sessions")
		return
	}

	for _, session := range sessions {
		site, err := g.store.GetSite(ctx, session.SiteID)
		if err != nil {
			log.Error().Err(err).Str("session", session.ID.String()).Msg("Failed to load site")
			continue
		}
		if err := g.generateLatest(ctx, site, session); err != nil {
			log.Error().Err(err).Str("site", site.Name).Msg("Snapshot generation failed")
		}
	}
}

// FinalizeSession generates the day's last snapshot before the
// session locks; it satisfies the session lifecycle's Finalizer.
func (g *Generator) FinalizeSession(ctx context.Context, site *models.Site, session *models.DailySession) error {
	sched, err := schedule.Parse(site.WakeSchedule, site.Timezone)
	if err != nil {
		return fmt.Errorf("site schedule: %w", err)
	}

	rounds := sched.Rounds(session.OpenedAt)
	if len(rounds) == 0 {
		return nil
	}
	return g.GenerateRound(ctx, site, session, sched, rounds[len(rounds)-1])
}

// generateLatest snapshots the most recently closed round, if any
func (g *Generator) generateLatest(ctx context.Context, site *models.Site, session *models.DailySession) error {
	sched, err := schedule.Parse(site.WakeSchedule, site.Timezone)
	if err != nil {
		return fmt.Errorf("site schedule: %w", err)
	}

	round, ok := sched.LastClosedRound(g.now())
	if !ok {
		return nil
	}

	return g.GenerateRound(ctx, site, session, sched, round)
}

// GenerateRound builds and persists the snapshot for one round. It
// is idempotent: the first writer wins and the snapshot never
// changes afterward.
func (g *Generator) GenerateRound(ctx context.Context, site *models.Site, session *models.DailySession, sched *schedule.Schedule, round schedule.Round) error {
	if _, err := g.store.GetSnapshot(ctx, session.ID, round.Number); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check existing snapshot: %w", err)
	}

	devices, err := g.store.ListSiteDevices(ctx, site.ID)
	if err != nil {
		return fmt.Errorf("list site devices: %w", err)
	}

	wakes, err := g.store.ListSessionWakes(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list session wakes: %w", err)
	}
	wakeByDevice := make(map[models.MACAddr]*models.WakePayload)
	for _, w := range wakes {
		if !w.CapturedAt.Before(round.Start) && w.CapturedAt.Before(round.End) {
			wakeByDevice[w.DeviceMAC] = w
		}
	}

	generatedAt := g.now()
	data := models.SnapshotData{GeneratedAt: generatedAt}

	for _, device := range devices {
		state, ok, err := g.deviceState(ctx, device, wakeByDevice[device.MAC], round, generatedAt)
		if err != nil {
			log.Error().Err(err).Str("mac", device.MAC.String()).Msg("Failed to derive device state")
			continue
		}
		if !ok {
			// Never observed; there is nothing to carry forward
			continue
		}
		data.Devices = append(data.Devices, state)
	}

	data.Aggregates = g.aggregate(ctx, session, round, data.Devices)

	snapshot := &models.SessionSnapshot{
		SessionID:  session.ID,
		WakeRound:  round.Number,
		RoundStart: round.Start,
		RoundEnd:   round.End,
		Data:       data,
	}

	created, err := g.store.CreateSessionSnapshot(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if !created {
		return nil
	}

	g.logEvent(ctx, site, session, round, &data)

	if g.events != nil {
		if err := g.events.PublishSnapshot(site.ID, snapshot); err != nil {
			log.Error().Err(err).Str("site", site.Name).Msg("Failed to publish snapshot")
		}
	}

	log.Info().
		Str("site", site.Name).
		Int("round", round.Number).
		Int("devices", len(data.Devices)).
		Msg("Snapshot generated")
	return nil
}

// deviceState derives one device's snapshot entry. A reading inside
// the round is current; otherwise the last value before the round's
// end is carried forward with its age.
func (g *Generator) deviceState(ctx context.Context, device *models.Device, wake *models.WakePayload, round schedule.Round, generatedAt time.Time) (models.DeviceState, bool, error) {
	state := models.DeviceState{DeviceMAC: device.MAC}

	reading, err := g.store.LatestReadingInWindow(ctx, device.MAC, round.Start, round.End)
	if err == nil {
		state.Freshness = models.FreshnessCurrent
	} else if errors.Is(err, storage.ErrNotFound) {
		reading, err = g.store.LatestReadingBefore(ctx, device.MAC, round.End)
		if errors.Is(err, storage.ErrNotFound) {
			return state, false, nil
		}
		if err != nil {
			return state, false, err
		}
		state.Freshness = models.FreshnessCarriedForward
	} else {
		return state, false, err
	}

	state.ObservedAt = reading.CapturedAt
	state.Temperature = reading.Temperature
	state.Humidity = reading.Humidity
	state.Pressure = reading.Pressure
	state.GasResistance = reading.GasResistance

	// Device clocks drift ahead of the server; never report a
	// negative age.
	if age := generatedAt.Sub(reading.CapturedAt).Seconds(); age > 0 {
		state.AgeSeconds = age
	}

	if wake != nil {
		state.WakeStatus = wake.Status
		if wake.ImageID != nil {
			if image, err := g.store.GetImage(ctx, *wake.ImageID); err == nil && image.Status == models.ImageComplete {
				state.ImageURL = image.StorageURL
			}
		}
	}

	return state, true, nil
}

// aggregate computes round metrics from current-round devices only,
// so a fleet of stale values cannot flatten a real trend.
func (g *Generator) aggregate(ctx context.Context, session *models.DailySession, round schedule.Round, devices []models.DeviceState) models.SnapshotAggregates {
	var agg models.SnapshotAggregates

	var temps, hums []float64
	for _, d := range devices {
		if d.Freshness != models.FreshnessCurrent {
			continue
		}
		agg.CurrentDevices++
		if d.Temperature != nil {
			temps = append(temps, *d.Temperature)
		}
		if d.Humidity != nil {
			hums = append(hums, *d.Humidity)
		}
	}

	agg.AvgTemperature, agg.MinTemperature, agg.MaxTemperature = stats(temps)
	agg.AvgHumidity, agg.MinHumidity, agg.MaxHumidity = stats(hums)

	// Velocity compares this round's average against the previous
	// round's, normalized per hour.
	prev, err := g.store.GetSnapshot(ctx, session.ID, round.Number-1)
	if err != nil {
		return agg
	}

	hours := round.End.Sub(prev.RoundEnd).Hours()
	if hours <= 0 {
		return agg
	}

	agg.TemperatureVelocity = velocity(agg.AvgTemperature, prev.Data.Aggregates.AvgTemperature, hours)
	agg.HumidityVelocity = velocity(agg.AvgHumidity, prev.Data.Aggregates.AvgHumidity, hours)
	return agg
}

func stats(values []float64) (avg, min, max *float64) {
	if len(values) == 0 {
		return nil, nil, nil
	}

	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		sum += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	mean := sum / float64(len(values))
	return &mean, &lo, &hi
}

func velocity(current, previous *float64, hours float64) *float64 {
	if current == nil || previous == nil {
		return nil
	}
	v := (*current - *previous) / hours
	return &v
}

func (g *Generator) logEvent(ctx context.Context, site *models.Site, session *models.DailySession, round schedule.Round, data *models.SnapshotData) {
	event := &models.EventLog{
		SiteID:      &site.ID,
		SessionID:   &session.ID,
		Type:        models.EventTypeSnapshot,
		Level:       models.EventLevelInfo,
		Description: fmt.Sprintf("Snapshot for round %d (%d devices, %d current)", round.Number, len(data.Devices), data.Aggregates.CurrentDevices),
		Details: models.Variables{
			"round":          round.Number,
			"devices":        len(data.Devices),
			"currentDevices": data.Aggregates.CurrentDevices,
		},
	}
	if err := g.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to write snapshot event")
	}
}
