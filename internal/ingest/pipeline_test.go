package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/models"
)

const testMAC = models.MACAddr("B8F862F9CFB8")

type testRig struct {
	store    *memStore
	pub      *fakePublisher
	objects  *fakeObjects
	buffers  *BufferRegistry
	pipeline *Pipeline
	retry    *RetryCoordinator
	now      time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := newMemStore()
	siteID := uuid.New()
	store.site = &models.Site{
		BaseModel:    models.BaseModel{ID: siteID},
		Name:         "orchard-7",
		Timezone:     "UTC",
		WakeSchedule: "0 */6 * * *",
	}
	store.session = &models.DailySession{
		BaseModel:   models.BaseModel{ID: uuid.New()},
		SiteID:      siteID,
		SessionDate: "2024-06-15",
		Status:      models.SessionOpen,
	}
	store.devices[testMAC] = &models.Device{MAC: testMAC, SiteID: &siteID}

	cfg := config.IngestConfig{
		ChunkStaleness:   2 * time.Minute,
		SweepInterval:    30 * time.Second,
		MaxRetries:       3,
		OverageTolerance: 15 * time.Minute,
	}

	pub := &fakePublisher{}
	objects := newFakeObjects()
	buffers := NewBufferRegistry()

	rig := &testRig{
		store:   store,
		pub:     pub,
		objects: objects,
		buffers: buffers,
		// Two minutes past a scheduled 06:00 occurrence
		now: time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC),
	}

	rig.pipeline = NewPipeline(store, pub, nil, objects, buffers, cfg)
	rig.pipeline.now = func() time.Time { return rig.now }
	rig.retry = NewRetryCoordinator(store, pub, rig.pipeline, buffers, cfg)
	rig.retry.now = rig.pipeline.now
	store.clock = rig.pipeline.now

	return rig
}

func (r *testRig) sendMetadata(name string, totalChunks int) {
	payload := fmt.Sprintf(
		`{"device_id":"%s","capture_timestamp":"%s","image_name":"%s","image_size":5120,"max_chunk_size":1024,"total_chunks_count":%d,"temperature":21.4,"humidity":61.2}`,
		testMAC, r.now.Format(time.RFC3339), name, totalChunks)
	r.pipeline.HandleData(testMAC, []byte(payload))
}

func (r *testRig) sendChunk(name string, id int, data []byte) {
	payload := fmt.Sprintf(
		`{"device_id":"%s","image_name":"%s","chunk_id":%d,"max_chunk_size":1024,"payload":"%s"}`,
		testMAC, name, id, base64.StdEncoding.EncodeToString(data))
	r.pipeline.HandleData(testMAC, []byte(payload))
}

// The canonical transfer: metadata then five chunks with one dropped.
// The wake completes on metadata; the stall sweep requests exactly
// the missing chunk; the resend reconciles into the same rows.
func TestChunkedTransferWithDrop(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.sendMetadata("img_007.jpg", 5)

	wake, err := rig.store.GetWakeByOccurrence(ctx, testMAC, "img_007.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if wake.Status != models.WakeComplete {
		t.Fatalf("wake status after metadata = %s, want complete", wake.Status)
	}
	if wake.Overage {
		t.Error("on-schedule wake flagged as overage")
	}
	if got := rig.store.counter(models.CounterCompleted); got != 1 {
		t.Fatalf("completed counter = %d, want 1", got)
	}

	// Chunk 2 is dropped in flight
	for _, id := range []int{0, 1, 3, 4} {
		rig.sendChunk("img_007.jpg", id, []byte{byte(id)})
	}

	image, err := rig.store.GetImageByName(ctx, testMAC, "img_007.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if image.Status != models.ImageReceiving {
		t.Fatalf("image status = %s, want receiving", image.Status)
	}
	if image.Received != 4 {
		t.Errorf("received chunks = %d, want 4", image.Received)
	}
	if rig.pub.ackCount() != 0 {
		t.Fatalf("ack published before transfer finished: %v", rig.pub.lastAck())
	}

	// Transfer goes quiet past the staleness cutoff
	rig.now = rig.now.Add(5 * time.Minute)
	rig.retry.Sweep(ctx)

	ack, ok := rig.pub.lastAck().(*models.MissingChunksAck)
	if !ok {
		t.Fatalf("sweep published %T, want missing chunks request", rig.pub.lastAck())
	}
	if len(ack.MissingChunks) != 1 || ack.MissingChunks[0] != 2 {
		t.Fatalf("missing chunks = %v, want [2]", ack.MissingChunks)
	}

	wake, _ = rig.store.GetWakeByOccurrence(ctx, testMAC, "img_007.jpg")
	if wake.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", wake.RetryCount)
	}

	// The resend lands
	rig.sendChunk("img_007.jpg", 2, []byte{2})

	image, _ = rig.store.GetImageByName(ctx, testMAC, "img_007.jpg")
	if image.Status != models.ImageComplete {
		t.Fatalf("image status after resend = %s, want complete", image.Status)
	}
	if image.StorageURL == "" {
		t.Error("completed image has no storage URL")
	}
	if image.ResentReceivedAt == nil {
		t.Error("retried image missing resent timestamp")
	}
	if !image.CapturedAt.Equal(time.Date(2024, 6, 15, 6, 2, 0, 0, time.UTC)) {
		t.Error("capture time changed across retry")
	}

	data, err := rig.objects.Get(ctx, fmt.Sprintf("%s/img_007.jpg", testMAC))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 5 {
		t.Errorf("assembled %d bytes, want 5", len(data))
	}
	for i, b := range data {
		if b != byte(i) {
			t.Fatalf("byte %d = %d, fragments out of order", i, b)
		}
	}

	comp, ok := rig.pub.lastAck().(*models.CompletionAck)
	if !ok {
		t.Fatalf("final ack is %T, want completion ack", rig.pub.lastAck())
	}
	if comp.AckOK.ImageName != "img_007.jpg" {
		t.Errorf("ack image = %q", comp.AckOK.ImageName)
	}
	if comp.AckOK.NextWakeTime == "" {
		t.Error("completion ack missing next wake time")
	}

	// Exactly one completion despite metadata, chunks and retry racing
	if got := rig.store.counter(models.CounterCompleted); got != 1 {
		t.Errorf("completed counter = %d, want 1", got)
	}
}

func TestChunkFirstTransfer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Metadata was lost; chunks arrive against an unknown total
	rig.sendChunk("img_009.jpg", 0, []byte("ab"))
	rig.sendChunk("img_009.jpg", 1, []byte("cd"))

	wake, err := rig.store.GetWakeByOccurrence(ctx, testMAC, "img_009.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if wake.Status != models.WakeReceiving {
		t.Fatalf("chunk-first wake status = %s, want receiving", wake.Status)
	}

	image, _ := rig.store.GetImageByName(ctx, testMAC, "img_009.jpg")
	if image.Status != models.ImageReceiving || image.TotalChunks != 0 {
		t.Fatalf("placeholder image: status=%s total=%d", image.Status, image.TotalChunks)
	}

	// Metadata finally arrives and the buffer already holds everything
	rig.sendMetadata("img_009.jpg", 2)

	wake, _ = rig.store.GetWakeByOccurrence(ctx, testMAC, "img_009.jpg")
	if wake.Status != models.WakeComplete {
		t.Errorf("wake status = %s, want complete", wake.Status)
	}
	image, _ = rig.store.GetImageByName(ctx, testMAC, "img_009.jpg")
	if image.Status != models.ImageComplete {
		t.Errorf("image status = %s, want complete", image.Status)
	}
	if image.TotalChunks != 2 {
		t.Errorf("total chunks = %d, want 2", image.TotalChunks)
	}
}

func TestTelemetryOnlyWake(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	payload := fmt.Sprintf(
		`{"device_id":"%s","capture_timestamp":"%s","temperature":18.9,"humidity":72.5,"pressure":1001.3,"gas_resistance":54012}`,
		testMAC, rig.now.Format(time.RFC3339))
	rig.pipeline.HandleData(testMAC, []byte(payload))

	key := rig.now.UTC().Format(time.RFC3339)
	wake, err := rig.store.GetWakeByOccurrence(ctx, testMAC, key)
	if err != nil {
		t.Fatal(err)
	}
	if wake.Status != models.WakeComplete {
		t.Fatalf("telemetry wake status = %s, want complete", wake.Status)
	}
	if wake.Temperature == nil || *wake.Temperature != 18.9 {
		t.Error("inline temperature not recorded on wake")
	}
	if len(rig.store.readings) != 1 {
		t.Fatalf("telemetry readings = %d, want 1", len(rig.store.readings))
	}
	if rig.store.readings[0].WakeID == nil || *rig.store.readings[0].WakeID != wake.ID {
		t.Error("reading not linked to its wake")
	}

	if _, ok := rig.pub.lastAck().(*models.CompletionAck); !ok {
		t.Errorf("telemetry wake ack is %T, want completion ack", rig.pub.lastAck())
	}
}

func TestOverageWake(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// 03:00 is hours away from any scheduled occurrence
	rig.now = time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC)
	rig.sendMetadata("img_unsched.jpg", 0)

	wake, err := rig.store.GetWakeByOccurrence(ctx, testMAC, "img_unsched.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if !wake.Overage {
		t.Error("off-schedule wake not flagged as overage")
	}
	if wake.Status != models.WakeComplete {
		t.Errorf("overage wake status = %s; overage must not affect outcome", wake.Status)
	}
	if got := rig.store.counter(models.CounterOverage); got != 1 {
		t.Errorf("overage counter = %d, want 1", got)
	}
	if got := rig.store.counter(models.CounterCompleted); got != 1 {
		t.Errorf("completed counter = %d, want 1", got)
	}
}

func TestCaptureErrorFailsWake(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	payload := fmt.Sprintf(
		`{"device_id":"%s","capture_timestamp":"%s","image_name":"img_err.jpg","error":2,"temperature":20.0}`,
		testMAC, rig.now.Format(time.RFC3339))
	rig.pipeline.HandleData(testMAC, []byte(payload))

	wake, err := rig.store.GetWakeByOccurrence(ctx, testMAC, "img_err.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if wake.Status != models.WakeFailed {
		t.Fatalf("wake status = %s, want failed", wake.Status)
	}
	if got := rig.store.counter(models.CounterFailed); got != 1 {
		t.Errorf("failed counter = %d, want 1", got)
	}
	// The reading still counts even though the capture failed
	if len(rig.store.readings) != 1 {
		t.Errorf("telemetry readings = %d, want 1", len(rig.store.readings))
	}
}

func TestStatusSettlesActiveWake(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A chunk-first wake stuck in receiving
	rig.sendChunk("img_hello.jpg", 0, []byte("x"))

	wake, _ := rig.store.GetWakeByOccurrence(ctx, testMAC, "img_hello.jpg")
	if wake.Status != models.WakeReceiving {
		t.Fatalf("precondition: wake status = %s", wake.Status)
	}

	status := fmt.Sprintf(`{"device_id":"%s","status":"alive","pendingImg":0}`, testMAC)
	rig.pipeline.HandleStatus(testMAC, []byte(status))

	wake, _ = rig.store.GetWakeByOccurrence(ctx, testMAC, "img_hello.jpg")
	if wake.Status != models.WakeComplete {
		t.Errorf("wake status after hello = %s, want complete", wake.Status)
	}
}

func TestStatusPendingImageRecovery(t *testing.T) {
	rig := newTestRig(t)

	incomplete := &models.Image{
		DeviceMAC:  testMAC,
		Name:       "img_stranded.jpg",
		CapturedAt: rig.now.Add(-24 * time.Hour),
		Status:     models.ImageFailed,
	}
	if err := rig.store.CreateImage(context.Background(), incomplete); err != nil {
		t.Fatal(err)
	}

	status := fmt.Sprintf(`{"device_id":"%s","status":"alive","pendingImg":2}`, testMAC)
	rig.pipeline.HandleStatus(testMAC, []byte(status))

	if len(rig.pub.commands) != 1 {
		t.Fatalf("commands published = %d, want 1", len(rig.pub.commands))
	}
	if rig.pub.commands[0].SendImage != "img_stranded.jpg" {
		t.Errorf("send_image = %q, want img_stranded.jpg", rig.pub.commands[0].SendImage)
	}

	device := rig.store.devices[testMAC]
	if device.PendingImages != 2 {
		t.Errorf("device pending images = %d, want 2", device.PendingImages)
	}
}

func TestUnknownDeviceAutoRegisters(t *testing.T) {
	rig := newTestRig(t)

	newMAC := models.MACAddr("A0B1C2D3E4F5")
	payload := fmt.Sprintf(
		`{"device_id":"%s","capture_timestamp":"%s","temperature":16.1}`,
		newMAC, rig.now.Format(time.RFC3339))
	rig.pipeline.HandleData(newMAC, []byte(payload))

	device, ok := rig.store.devices[newMAC]
	if !ok {
		t.Fatal("unknown device was not auto-registered")
	}
	if device.SiteID != nil {
		t.Error("auto-registered device should be unmapped")
	}

	// Unmapped wakes carry no session and touch no counters
	wake, err := rig.store.GetWakeByOccurrence(context.Background(), newMAC, rig.now.UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatal(err)
	}
	if wake.SessionID != nil {
		t.Error("unmapped wake has a session")
	}
	if got := rig.store.counter(models.CounterCompleted); got != 0 {
		t.Errorf("completed counter = %d, want 0", got)
	}
}

// A device with no site gets its telemetry kept but its image
// transfer refused: there is no session or snapshot for the image to
// land in.
func TestUnmappedDeviceImageRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	newMAC := models.MACAddr("A0B1C2D3E4F5")
	meta := fmt.Sprintf(
		`{"device_id":"%s","capture_timestamp":"%s","image_name":"img_stray.jpg","image_size":2048,"total_chunks_count":2,"temperature":19.5}`,
		newMAC, rig.now.Format(time.RFC3339))
	rig.pipeline.HandleData(newMAC, []byte(meta))

	chunk := fmt.Sprintf(
		`{"device_id":"%s","image_name":"img_stray.jpg","chunk_id":0,"payload":"%s"}`,
		newMAC, base64.StdEncoding.EncodeToString([]byte("ab")))
	rig.pipeline.HandleData(newMAC, []byte(chunk))

	if _, err := rig.store.GetImageByName(ctx, newMAC, "img_stray.jpg"); err == nil {
		t.Error("image record created for an unmapped device")
	}
	if rig.buffers.Len() != 0 {
		t.Errorf("in-flight buffers = %d, want 0", rig.buffers.Len())
	}
	if got := rig.store.eventCount(models.EventTypeUnmapped); got != 2 {
		t.Errorf("unmapped rejections = %d, want 2", got)
	}

	// The telemetry side of the metadata still lands
	if len(rig.store.readings) != 1 {
		t.Errorf("telemetry readings = %d, want 1", len(rig.store.readings))
	}
	wake, err := rig.store.GetWakeByOccurrence(ctx, newMAC, "img_stray.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if wake.Status != models.WakeComplete {
		t.Errorf("wake status = %s, want complete", wake.Status)
	}
	if wake.SessionID != nil {
		t.Error("unmapped wake has a session")
	}
}

// Status-shaped messages arriving on the data topic are handled as
// status, not dropped as unclassifiable.
func TestStatusOnDataTopicHandled(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.sendChunk("img_misroute.jpg", 0, []byte("x"))

	wake, _ := rig.store.GetWakeByOccurrence(ctx, testMAC, "img_misroute.jpg")
	if wake.Status != models.WakeReceiving {
		t.Fatalf("precondition: wake status = %s", wake.Status)
	}

	status := fmt.Sprintf(`{"device_id":"%s","status":"alive","pendingImg":0}`, testMAC)
	rig.pipeline.HandleData(testMAC, []byte(status))

	wake, _ = rig.store.GetWakeByOccurrence(ctx, testMAC, "img_misroute.jpg")
	if wake.Status != models.WakeComplete {
		t.Errorf("wake status after misrouted hello = %s, want complete", wake.Status)
	}
	if got := rig.store.eventCount(models.EventTypeUnknownMsg); got != 0 {
		t.Errorf("unknown-message events = %d, want 0", got)
	}
	if got := rig.store.eventCount(models.EventTypeDeviceStatus); got != 1 {
		t.Errorf("status events = %d, want 1", got)
	}
}

func TestUnknownMessageLogged(t *testing.T) {
	rig := newTestRig(t)

	payload := fmt.Sprintf(`{"device_id":"%s","mystery":true}`, testMAC)
	rig.pipeline.HandleData(testMAC, []byte(payload))

	if got := rig.store.eventCount(models.EventTypeUnknownMsg); got != 1 {
		t.Errorf("unknown-message events = %d, want 1", got)
	}
}
