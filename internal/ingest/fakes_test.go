package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/storage"
)

// memStore is an in-memory storage.Store covering what the ingest
// path touches. Unimplemented methods panic via the embedded nil
// interface, which is the failure we want in a test.
type memStore struct {
	storage.Store

	mu       sync.Mutex
	devices  map[models.MACAddr]*models.Device
	wakes    map[uuid.UUID]*models.WakePayload
	images   map[uuid.UUID]*models.Image
	readings []*models.TelemetryReading
	events   []*models.EventLog
	counters map[models.SessionCounter]int

	site    *models.Site
	session *models.DailySession

	// clock stamps UpdatedAt so staleness tests control time
	clock func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[models.MACAddr]*models.Device),
		wakes:    make(map[uuid.UUID]*models.WakePayload),
		images:   make(map[uuid.UUID]*models.Image),
		counters: make(map[models.SessionCounter]int),
		clock:    time.Now,
	}
}

func (m *memStore) ResolveLineage(_ context.Context, mac models.MACAddr) (*models.Lineage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[mac]
	if !ok {
		return nil, storage.ErrNotFound
	}

	lineage := &models.Lineage{Device: device}
	if device.SiteID != nil && m.site != nil {
		lineage.Site = m.site
		if m.session != nil && m.session.Status == models.SessionOpen {
			lineage.ActiveSession = m.session
		}
	}
	return lineage, nil
}

func (m *memStore) CreateDevice(_ context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[device.MAC]; ok {
		return storage.ErrDuplicateKey
	}
	m.devices[device.MAC] = device
	return nil
}

func (m *memStore) UpdateDevice(_ context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.MAC] = device
	return nil
}

func (m *memStore) GetOldestIncompleteImage(_ context.Context, mac models.MACAddr) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.Image
	for _, img := range m.images {
		if img.DeviceMAC != mac || img.Status == models.ImageComplete {
			continue
		}
		if oldest == nil || img.CapturedAt.Before(oldest.CapturedAt) {
			oldest = img
		}
	}
	if oldest == nil {
		return nil, storage.ErrNotFound
	}
	return oldest, nil
}

func (m *memStore) CreateWakePayload(_ context.Context, wake *models.WakePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wakes {
		if w.DeviceMAC == wake.DeviceMAC && w.OccurrenceKey == wake.OccurrenceKey {
			return storage.ErrDuplicateKey
		}
	}

	wake.ID = uuid.New()
	wake.CreatedAt = m.clock()
	wake.UpdatedAt = wake.CreatedAt
	m.wakes[wake.ID] = wake
	return nil
}

func (m *memStore) GetWakePayload(_ context.Context, id uuid.UUID) (*models.WakePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wake, ok := m.wakes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return wake, nil
}

func (m *memStore) GetWakeByOccurrence(_ context.Context, mac models.MACAddr, key string) (*models.WakePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wakes {
		if w.DeviceMAC == mac && w.OccurrenceKey == key {
			return w, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) GetActiveWake(_ context.Context, mac models.MACAddr) (*models.WakePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.WakePayload
	for _, w := range m.wakes {
		if w.DeviceMAC != mac || w.Status.Terminal() {
			continue
		}
		if latest == nil || w.CapturedAt.After(latest.CapturedAt) {
			latest = w
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (m *memStore) UpdateWakePayload(_ context.Context, wake *models.WakePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wakes[wake.ID]; !ok {
		return storage.ErrNotFound
	}
	wake.UpdatedAt = m.clock()
	m.wakes[wake.ID] = wake
	return nil
}

func (m *memStore) TransitionWake(_ context.Context, id uuid.UUID, to models.WakeStatus, from ...models.WakeStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wake, ok := m.wakes[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if wake.Status == f {
			wake.Status = to
			wake.UpdatedAt = m.clock()
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListStalledWakes(_ context.Context, before time.Time) ([]*models.WakePayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WakePayload
	for _, w := range m.wakes {
		if !w.Status.Terminal() && w.UpdatedAt.Before(before) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) CreateImage(_ context.Context, image *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, img := range m.images {
		if img.DeviceMAC == image.DeviceMAC && img.Name == image.Name {
			return storage.ErrDuplicateKey
		}
	}

	image.ID = uuid.New()
	image.CreatedAt = m.clock()
	image.UpdatedAt = image.CreatedAt
	m.images[image.ID] = image
	return nil
}

func (m *memStore) GetImage(_ context.Context, id uuid.UUID) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	image, ok := m.images[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return image, nil
}

func (m *memStore) GetImageByName(_ context.Context, mac models.MACAddr, name string) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.DeviceMAC == mac && img.Name == name {
			return img, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) UpdateImage(_ context.Context, image *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[image.ID]; !ok {
		return storage.ErrNotFound
	}
	image.UpdatedAt = m.clock()
	m.images[image.ID] = image
	return nil
}

func (m *memStore) TransitionImage(_ context.Context, id uuid.UUID, to models.ImageStatus, from ...models.ImageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	image, ok := m.images[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if image.Status == f {
			image.Status = to
			image.UpdatedAt = m.clock()
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListStalledImages(_ context.Context, before time.Time) ([]*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Image
	for _, img := range m.images {
		if img.Status == models.ImageReceiving && img.UpdatedAt.Before(before) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (m *memStore) CreateTelemetryReading(_ context.Context, reading *models.TelemetryReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reading.ID = uuid.New()
	m.readings = append(m.readings, reading)
	return nil
}

func (m *memStore) IncrementSessionCounter(_ context.Context, _ uuid.UUID, counter models.SessionCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter]++
	return nil
}

func (m *memStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uuid.New()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) counter(c models.SessionCounter) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[c]
}

func (m *memStore) eventCount(typ models.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, e := range m.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// fakePublisher records everything published toward devices
type fakePublisher struct {
	mu       sync.Mutex
	acks     []interface{}
	commands []*models.DeviceCommand
}

func (f *fakePublisher) PublishAck(_ models.MACAddr, ack interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack)
	return nil
}

func (f *fakePublisher) PublishCommand(_ models.MACAddr, cmd *models.DeviceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakePublisher) lastAck() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acks) == 0 {
		return nil
	}
	return f.acks[len(f.acks)-1]
}

func (f *fakePublisher) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

// fakeObjects records stored objects in memory
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return "mem://" + key, nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}
