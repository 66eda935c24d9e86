package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/schedule"
	"github.com/brainlytree/sensor-server/internal/storage"
)

type fakeStore struct {
	storage.Store

	mu        sync.Mutex
	devices   []*models.Device
	readings  []*models.TelemetryReading
	wakes     []*models.WakePayload
	images    map[uuid.UUID]*models.Image
	snapshots map[int]*models.SessionSnapshot
	events    []*models.EventLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		images:    make(map[uuid.UUID]*models.Image),
		snapshots: make(map[int]*models.SessionSnapshot),
	}
}

func (f *fakeStore) ListSiteDevices(_ context.Context, _ uuid.UUID) ([]*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices, nil
}

func (f *fakeStore) ListSessionWakes(_ context.Context, _ uuid.UUID) ([]*models.WakePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes, nil
}

func (f *fakeStore) GetImage(_ context.Context, id uuid.UUID) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	image, ok := f.images[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return image, nil
}

func (f *fakeStore) LatestReadingInWindow(_ context.Context, mac models.MACAddr, start, end time.Time) (*models.TelemetryReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.TelemetryReading
	for _, r := range f.readings {
		if r.DeviceMAC != mac || r.CapturedAt.Before(start) || !r.CapturedAt.Before(end) {
			continue
		}
		if latest == nil || r.CapturedAt.After(latest.CapturedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (f *fakeStore) LatestReadingBefore(_ context.Context, mac models.MACAddr, before time.Time) (*models.TelemetryReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.TelemetryReading
	for _, r := range f.readings {
		if r.DeviceMAC != mac || r.CapturedAt.After(before) {
			continue
		}
		if latest == nil || r.CapturedAt.After(latest.CapturedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (f *fakeStore) GetSnapshot(_ context.Context, _ uuid.UUID, round int) (*models.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[round]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap, nil
}

func (f *fakeStore) CreateSessionSnapshot(_ context.Context, snapshot *models.SessionSnapshot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[snapshot.WakeRound]; ok {
		return false, nil
	}
	snapshot.ID = uuid.New()
	f.snapshots[snapshot.WakeRound] = snapshot
	return true, nil
}

func (f *fakeStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func floatp(v float64) *float64 { return &v }

type rig struct {
	store   *fakeStore
	gen     *Generator
	site    *models.Site
	session *models.DailySession
	sched   *schedule.Schedule
}

func newRig(t *testing.T) *rig {
	t.Helper()

	store := newFakeStore()
	site := &models.Site{
		BaseModel:    models.BaseModel{ID: uuid.New()},
		Name:         "orchard-7",
		Timezone:     "UTC",
		WakeSchedule: "0 */6 * * *",
	}
	session := &models.DailySession{
		BaseModel:   models.BaseModel{ID: uuid.New()},
		SiteID:      site.ID,
		SessionDate: "2024-06-15",
		Status:      models.SessionOpen,
		OpenedAt:    time.Date(2024, 6, 15, 0, 0, 30, 0, time.UTC),
	}

	sched, err := schedule.Parse(site.WakeSchedule, site.Timezone)
	if err != nil {
		t.Fatal(err)
	}

	gen := NewGenerator(store, nil, time.Minute)
	gen.now = func() time.Time { return time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC) }

	return &rig{store: store, gen: gen, site: site, session: session, sched: sched}
}

func (r *rig) addDevice(mac models.MACAddr) {
	r.store.devices = append(r.store.devices, &models.Device{MAC: mac, SiteID: &r.site.ID})
}

func (r *rig) addReading(mac models.MACAddr, at time.Time, temp, hum float64) {
	r.store.readings = append(r.store.readings, &models.TelemetryReading{
		ID:          uuid.New(),
		DeviceMAC:   mac,
		CapturedAt:  at,
		Temperature: floatp(temp),
		Humidity:    floatp(hum),
	})
}

// round 2 runs 06:00-12:00 on the test schedule
func (r *rig) round(n int) schedule.Round {
	rounds := r.sched.Rounds(r.session.OpenedAt)
	return rounds[n-1]
}

func TestSnapshotCarriesForward(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.addDevice("AAAAAAAAAAA1")
	rig.addDevice("AAAAAAAAAAA2")
	rig.addDevice("AAAAAAAAAAA3")

	// Device 1 reported this round; device 2 only in round 1;
	// device 3 never reported at all.
	rig.addReading("AAAAAAAAAAA1", time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC), 22.0, 60.0)
	rig.addReading("AAAAAAAAAAA2", time.Date(2024, 6, 15, 0, 3, 0, 0, time.UTC), 18.0, 70.0)

	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(2)); err != nil {
		t.Fatal(err)
	}

	snap := rig.store.snapshots[2]
	if snap == nil {
		t.Fatal("snapshot not persisted")
	}
	if len(snap.Data.Devices) != 2 {
		t.Fatalf("devices in snapshot = %d, want 2", len(snap.Data.Devices))
	}

	byMAC := make(map[models.MACAddr]models.DeviceState)
	for _, d := range snap.Data.Devices {
		byMAC[d.DeviceMAC] = d
	}

	current := byMAC["AAAAAAAAAAA1"]
	if current.Freshness != models.FreshnessCurrent {
		t.Errorf("device 1 freshness = %s, want current", current.Freshness)
	}

	carried := byMAC["AAAAAAAAAAA2"]
	if carried.Freshness != models.FreshnessCarriedForward {
		t.Errorf("device 2 freshness = %s, want carried_forward", carried.Freshness)
	}
	if carried.Temperature == nil || *carried.Temperature != 18.0 {
		t.Error("carried-forward value lost")
	}
	if carried.AgeSeconds <= 0 {
		t.Error("carried-forward age must be positive")
	}

	// Stale devices stay out of the aggregates
	agg := snap.Data.Aggregates
	if agg.CurrentDevices != 1 {
		t.Errorf("current devices = %d, want 1", agg.CurrentDevices)
	}
	if agg.AvgTemperature == nil || *agg.AvgTemperature != 22.0 {
		t.Errorf("avg temperature = %v, want 22.0 from current device only", agg.AvgTemperature)
	}
}

func TestSnapshotAgeNeverNegative(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.addDevice("AAAAAAAAAAA1")
	// Device clock runs a minute ahead of the server
	rig.addReading("AAAAAAAAAAA1", time.Date(2024, 6, 15, 11, 59, 0, 0, time.UTC), 20.0, 50.0)
	rig.gen.now = func() time.Time { return time.Date(2024, 6, 15, 11, 58, 0, 0, time.UTC) }

	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(2)); err != nil {
		t.Fatal(err)
	}

	snap := rig.store.snapshots[2]
	if snap.Data.Devices[0].AgeSeconds < 0 {
		t.Errorf("age = %f, must be non-negative", snap.Data.Devices[0].AgeSeconds)
	}
}

func TestSnapshotVelocity(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.addDevice("AAAAAAAAAAA1")
	rig.addReading("AAAAAAAAAAA1", time.Date(2024, 6, 15, 0, 2, 0, 0, time.UTC), 18.0, 60.0)
	rig.addReading("AAAAAAAAAAA1", time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC), 21.0, 60.0)

	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(1)); err != nil {
		t.Fatal(err)
	}
	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(2)); err != nil {
		t.Fatal(err)
	}

	agg := rig.store.snapshots[2].Data.Aggregates
	if agg.TemperatureVelocity == nil {
		t.Fatal("velocity not computed with a previous round present")
	}
	// +3 degrees across the 6h between round ends
	if got := *agg.TemperatureVelocity; got < 0.49 || got > 0.51 {
		t.Errorf("temperature velocity = %f, want 0.5/h", got)
	}

	// Round 1 has no predecessor
	if rig.store.snapshots[1].Data.Aggregates.TemperatureVelocity != nil {
		t.Error("first round must have no velocity")
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.addDevice("AAAAAAAAAAA1")
	rig.addReading("AAAAAAAAAAA1", time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC), 22.0, 60.0)

	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(2)); err != nil {
		t.Fatal(err)
	}
	first := rig.store.snapshots[2]

	// A second generation changes nothing
	rig.addReading("AAAAAAAAAAA1", time.Date(2024, 6, 15, 6, 30, 0, 0, time.UTC), 99.0, 10.0)
	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(2)); err != nil {
		t.Fatal(err)
	}

	if rig.store.snapshots[2] != first {
		t.Error("snapshot replaced on regeneration")
	}
	if len(rig.store.events) != 1 {
		t.Errorf("snapshot events = %d, want 1", len(rig.store.events))
	}
}

func TestSnapshotIncludesWakeAndImage(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	mac := models.MACAddr("AAAAAAAAAAA1")
	rig.addDevice(mac)
	rig.addReading(mac, time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC), 22.0, 60.0)

	imageID := uuid.New()
	rig.store.images[imageID] = &models.Image{
		BaseModel:  models.BaseModel{ID: imageID},
		DeviceMAC:  mac,
		Name:       "img_007.jpg",
		Status:     models.ImageComplete,
		StorageURL: "mem://AAAAAAAAAAA1/img_007.jpg",
	}
	rig.store.wakes = append(rig.store.wakes, &models.WakePayload{
		BaseModel:  models.BaseModel{ID: uuid.New()},
		DeviceMAC:  mac,
		CapturedAt: time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC),
		Status:     models.WakeComplete,
		ImageID:    &imageID,
	})

	if err := rig.gen.GenerateRound(ctx, rig.site, rig.session, rig.sched, rig.round(2)); err != nil {
		t.Fatal(err)
	}

	state := rig.store.snapshots[2].Data.Devices[0]
	if state.WakeStatus != models.WakeComplete {
		t.Errorf("wake status = %s, want complete", state.WakeStatus)
	}
	if state.ImageURL != "mem://AAAAAAAAAAA1/img_007.jpg" {
		t.Errorf("image URL = %q", state.ImageURL)
	}
}
