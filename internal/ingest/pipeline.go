package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/integration"
	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/objectstore"
	"github.com/brainlytree/sensor-server/internal/storage"
	"github.com/brainlytree/sensor-server/internal/transport"
)

// Pipeline turns raw device messages into wake payloads, images and
// telemetry. Messages for one device are serialized; each wake
// occurrence owns exactly one row, and retries reconcile into it.
//
// Wake completion is decoupled from image completion: a wake finishes
// the moment the device's metadata (or a bare telemetry reading)
// confirms the transmission, while the image transfer keeps going on
// its own state machine.
type Pipeline struct {
	store   storage.Store
	pub     transport.Publisher
	acker   *Acker
	events  integration.Publisher
	objects objectstore.Store
	buffers *BufferRegistry
	cfg     config.IngestConfig

	locks *keyedMutex
	now   func() time.Time
}

// NewPipeline creates the ingest pipeline. events may be nil when no
// downstream bus is configured.
func NewPipeline(store storage.Store, pub transport.Publisher, events integration.Publisher, objects objectstore.Store, buffers *BufferRegistry, cfg config.IngestConfig) *Pipeline {
	return &Pipeline{
		store:   store,
		pub:     pub,
		acker:   NewAcker(pub),
		events:  events,
		objects: objects,
		buffers: buffers,
		cfg:     cfg,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// HandleStatus processes a message from device/{mac}/status.
// Status messages never create wakes: they refresh device presence,
// settle a straggling chunk-first wake, and drive pending-image
// recovery.
func (p *Pipeline) HandleStatus(mac models.MACAddr, payload []byte) {
	var msg models.DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn().Err(err).Str("mac", mac.String()).Msg("Unparseable status message")
		return
	}

	unlock := p.locks.Lock(mac)
	defer unlock()

	ctx := context.Background()
	lineage, err := p.ensureDevice(ctx, mac)
	if err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to resolve device")
		return
	}

	p.processStatus(ctx, lineage, mac, &msg)
}

// processStatus applies a status message: presence refresh, settling a
// straggling wake, pending-image recovery. Called with the device lock
// held.
func (p *Pipeline) processStatus(ctx context.Context, lineage *models.Lineage, mac models.MACAddr, msg *models.DeviceMessage) {
	now := p.now()
	device := lineage.Device
	device.LastSeenAt = &now
	if msg.PendingImages != nil {
		device.PendingImages = *msg.PendingImages
	}
	if err := p.store.UpdateDevice(ctx, device); err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to update device")
	}

	p.logEvent(ctx, lineage, nil, models.EventTypeDeviceStatus, models.EventLevelDebug,
		fmt.Sprintf("Device %s reported %s", mac, msg.Status),
		models.Variables{"status": msg.Status, "pendingImages": device.PendingImages})

	// A live hello settles any wake still waiting on confirmation
	if wake, err := p.store.GetActiveWake(ctx, mac); err == nil {
		p.completeWake(ctx, lineage, wake)
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to load active wake")
	}

	if msg.PendingImages != nil && *msg.PendingImages > 0 {
		p.recoverPendingImage(ctx, lineage)
	}
}

// HandleData processes a message from ESP32CAM/{mac}/data
func (p *Pipeline) HandleData(mac models.MACAddr, payload []byte) {
	var msg models.DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn().Err(err).Str("mac", mac.String()).Msg("Unparseable data message")
		return
	}

	unlock := p.locks.Lock(mac)
	defer unlock()

	ctx := context.Background()
	lineage, err := p.ensureDevice(ctx, mac)
	if err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to resolve device")
		return
	}

	kind := Classify(&msg)
	log.Debug().Str("mac", mac.String()).Stringer("kind", kind).Msg("Data message")

	switch kind {
	case KindMetadata:
		err = p.handleMetadata(ctx, lineage, &msg)
	case KindChunk:
		err = p.handleChunk(ctx, lineage, &msg)
	case KindTelemetry:
		err = p.handleTelemetry(ctx, lineage, &msg)
	case KindStatus:
		// Some firmware revisions publish status on the data topic
		log.Warn().Str("mac", mac.String()).Msg("Status message on data topic")
		p.processStatus(ctx, lineage, mac, &msg)
		return
	default:
		p.logEvent(ctx, lineage, nil, models.EventTypeUnknownMsg, models.EventLevelWarning,
			fmt.Sprintf("Unclassifiable message from %s", mac), nil)
		return
	}

	if err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Stringer("kind", kind).Msg("Message handling failed")
	}
}

// handleMetadata processes an image metadata message. The wake
// reaches a terminal state here no matter what the image does next.
func (p *Pipeline) handleMetadata(ctx context.Context, lineage *models.Lineage, msg *models.DeviceMessage) error {
	now := p.now()
	capturedAt := msg.CapturedAt(now)

	key := msg.ImageName
	if key == "" {
		key = capturedAt.UTC().Format(time.RFC3339)
	}

	wake, _, err := p.findOrCreateWake(ctx, lineage, key, capturedAt)
	if err != nil {
		return err
	}

	if msg.HasReading() {
		if err := p.recordTelemetry(ctx, wake, msg, capturedAt); err != nil {
			log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to record telemetry")
		}
	}

	var image *models.Image
	if msg.ImageName != "" && msg.TotalChunks != nil && *msg.TotalChunks > 0 {
		if !lineage.Mapped() {
			p.rejectUnmapped(ctx, lineage, msg.ImageName)
		} else {
			image, err = p.attachImage(ctx, lineage, wake, msg, capturedAt)
			if err != nil {
				return err
			}
		}
	}

	if msg.ErrorCode != 0 {
		p.failWake(ctx, lineage, wake, fmt.Sprintf("device reported capture error %d", msg.ErrorCode))
		return nil
	}

	p.completeWake(ctx, lineage, wake)

	// A wake with no image owes the device its completion ack now;
	// with an image the ack waits for the last fragment.
	if image == nil {
		if err := p.acker.AckComplete(wake.DeviceMAC, "", lineage, now); err != nil {
			log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to publish completion ack")
		}
	}

	return nil
}

// attachImage creates or updates the image record for a metadata
// message and settles the buffer total. Chunk-first transfers may
// already hold every fragment, in which case the image finishes here.
func (p *Pipeline) attachImage(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload, msg *models.DeviceMessage, capturedAt time.Time) (*models.Image, error) {
	mac := wake.DeviceMAC
	total := *msg.TotalChunks

	image, err := p.store.GetImageByName(ctx, mac, msg.ImageName)
	if errors.Is(err, storage.ErrNotFound) {
		image = &models.Image{
			DeviceMAC:   mac,
			Name:        msg.ImageName,
			CapturedAt:  capturedAt,
			SizeBytes:   msg.ImageSize,
			TotalChunks: total,
			Status:      models.ImageReceiving,
		}
		if err := p.store.CreateImage(ctx, image); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("create image: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	} else if image.Status == models.ImageReceiving {
		// Chunk-first placeholder: fill in the totals metadata carries
		image.TotalChunks = total
		image.SizeBytes = msg.ImageSize
		if err := p.store.UpdateImage(ctx, image); err != nil {
			return nil, fmt.Errorf("update image: %w", err)
		}
	}

	if wake.ImageID == nil {
		wake.ImageID = &image.ID
		if err := p.store.UpdateWakePayload(ctx, wake); err != nil {
			log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to link image to wake")
		}
	}

	buffer := p.buffers.GetOrCreate(mac, image.Name)
	buffer.SetTotal(total)
	if buffer.Complete() {
		p.finalizeImage(ctx, lineage, wake, image, buffer)
	}

	return image, nil
}

// handleChunk processes one image fragment
func (p *Pipeline) handleChunk(ctx context.Context, lineage *models.Lineage, msg *models.DeviceMessage) error {
	if msg.ImageName == "" {
		p.logEvent(ctx, lineage, nil, models.EventTypeUnknownMsg, models.EventLevelWarning,
			"Chunk without image name", nil)
		return nil
	}

	if !lineage.Mapped() {
		p.rejectUnmapped(ctx, lineage, msg.ImageName)
		return nil
	}

	now := p.now()
	mac := lineage.Device.MAC

	wake, _, err := p.findOrCreateWake(ctx, lineage, msg.ImageName, now)
	if err != nil {
		return err
	}

	// Fragments flowing moves a pending wake to receiving; a wake
	// already complete stays complete while its image catches up.
	if applied, err := p.store.TransitionWake(ctx, wake.ID, models.WakeReceiving, models.WakePending); err != nil {
		return fmt.Errorf("transition wake: %w", err)
	} else if applied {
		wake.Status = models.WakeReceiving
	}

	image, err := p.store.GetImageByName(ctx, mac, msg.ImageName)
	if errors.Is(err, storage.ErrNotFound) {
		// Chunk-first: a placeholder holds progress until metadata lands
		image = &models.Image{
			DeviceMAC:  mac,
			Name:       msg.ImageName,
			CapturedAt: now,
			Status:     models.ImageReceiving,
		}
		if err := p.store.CreateImage(ctx, image); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("create image: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get image: %w", err)
	}

	if image.Status == models.ImageComplete {
		// Redelivery after completion; the assembled object is final
		return nil
	}

	if wake.ImageID == nil {
		wake.ImageID = &image.ID
		if err := p.store.UpdateWakePayload(ctx, wake); err != nil {
			log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to link image to wake")
		}
	}

	buffer := p.buffers.GetOrCreate(mac, image.Name)
	added, received := buffer.AddFragment(*msg.ChunkID, msg.Payload)
	if added {
		image.Received = received
		if image.Status == models.ImageFailed {
			// A resend revived a failed transfer; reconcile in place
			if applied, err := p.store.TransitionImage(ctx, image.ID, models.ImageReceiving, models.ImageFailed); err == nil && applied {
				image.Status = models.ImageReceiving
			}
		}
		if err := p.store.UpdateImage(ctx, image); err != nil {
			return fmt.Errorf("update image progress: %w", err)
		}
	}

	if buffer.Complete() {
		p.finalizeImage(ctx, lineage, wake, image, buffer)
	}

	return nil
}

// finalizeImage assembles a fully received transfer, persists the
// bytes and acknowledges completion to the device. The guarded image
// transition makes the side effects run exactly once.
func (p *Pipeline) finalizeImage(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload, image *models.Image, buffer *ChunkBuffer) {
	mac := image.DeviceMAC

	data, err := buffer.Assemble()
	if err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Str("image", image.Name).Msg("Assembly failed")
		return
	}

	applied, err := p.store.TransitionImage(ctx, image.ID, models.ImageComplete, models.ImageReceiving, models.ImageFailed)
	if err != nil {
		log.Error().Err(err).Str("image", image.Name).Msg("Failed to transition image")
		return
	}
	if !applied {
		return
	}

	now := p.now()
	key := fmt.Sprintf("%s/%s", mac, image.Name)
	url, err := p.objects.Put(ctx, key, data)
	if err != nil {
		log.Error().Err(err).Str("image", image.Name).Msg("Failed to store assembled image")
		p.logEvent(ctx, lineage, wake, models.EventTypeStorage, models.EventLevelError,
			fmt.Sprintf("Failed to store image %s", image.Name), nil)
	} else {
		image.StorageURL = url
	}

	image.Status = models.ImageComplete
	image.Received = buffer.Received()
	if wake.RetryCount > 0 {
		image.ResentReceivedAt = &now
	}
	if err := p.store.UpdateImage(ctx, image); err != nil {
		log.Error().Err(err).Str("image", image.Name).Msg("Failed to update completed image")
	}

	p.buffers.Remove(mac, image.Name)

	p.logEvent(ctx, lineage, wake, models.EventTypeImageComplete, models.EventLevelInfo,
		fmt.Sprintf("Image %s assembled (%d chunks, %d bytes)", image.Name, image.Received, len(data)),
		models.Variables{"image": image.Name, "sizeBytes": len(data)})

	// The wake may have completed on metadata long ago; the guard
	// makes this a no-op then.
	p.completeWake(ctx, lineage, wake)

	if err := p.acker.AckComplete(mac, image.Name, lineage, now); err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to publish completion ack")
	}
}

// rejectUnmapped refuses image work for a device with no site. The
// transfer would have no session or snapshot to land in, so the device
// gets a clear signal instead of a silently orphaned upload. Telemetry
// from the same device is still recorded by the callers.
func (p *Pipeline) rejectUnmapped(ctx context.Context, lineage *models.Lineage, imageName string) {
	mac := lineage.Device.MAC
	log.Warn().Str("mac", mac.String()).Str("image", imageName).Msg("Device unmapped, image transfer rejected")
	p.logEvent(ctx, lineage, nil, models.EventTypeUnmapped, models.EventLevelWarning,
		fmt.Sprintf("Device %s is not mapped to a site, image transfer rejected", mac),
		models.Variables{"image": imageName})
}

// handleTelemetry processes a data message carrying only readings
func (p *Pipeline) handleTelemetry(ctx context.Context, lineage *models.Lineage, msg *models.DeviceMessage) error {
	now := p.now()
	capturedAt := msg.CapturedAt(now)
	key := capturedAt.UTC().Format(time.RFC3339)

	wake, _, err := p.findOrCreateWake(ctx, lineage, key, capturedAt)
	if err != nil {
		return err
	}

	if err := p.recordTelemetry(ctx, wake, msg, capturedAt); err != nil {
		return err
	}

	p.completeWake(ctx, lineage, wake)

	if err := p.acker.AckComplete(wake.DeviceMAC, "", lineage, now); err != nil {
		log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to publish completion ack")
	}
	return nil
}

// findOrCreateWake locates the wake row owning an occurrence,
// creating it on first sight. A duplicate key means a retry of a
// known occurrence: the original row is reconciled in place with its
// capture time intact.
func (p *Pipeline) findOrCreateWake(ctx context.Context, lineage *models.Lineage, key string, capturedAt time.Time) (*models.WakePayload, bool, error) {
	wake := &models.WakePayload{
		DeviceMAC:     lineage.Device.MAC,
		OccurrenceKey: key,
		CapturedAt:    capturedAt,
		Status:        models.WakePending,
	}

	if lineage.ActiveSession != nil {
		wake.SessionID = &lineage.ActiveSession.ID
	}

	if sched, err := effectiveSchedule(lineage); err != nil {
		log.Warn().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Bad wake schedule, skipping overage check")
	} else if sched != nil {
		wake.Overage = !sched.IsExpected(capturedAt, p.cfg.OverageTolerance)
	}

	err := p.store.CreateWakePayload(ctx, wake)
	if errors.Is(err, storage.ErrDuplicateKey) {
		existing, err := p.store.GetWakeByOccurrence(ctx, lineage.Device.MAC, key)
		if err != nil {
			return nil, false, fmt.Errorf("load existing wake: %w", err)
		}

		// Later messages of the same occurrence land here. Only a
		// requested resend stamps the resent time; the capture time
		// stays authoritative either way.
		if existing.RetryCount > 0 && existing.ResentReceivedAt == nil {
			now := p.now()
			existing.ResentReceivedAt = &now
			if err := p.store.UpdateWakePayload(ctx, existing); err != nil {
				return nil, false, fmt.Errorf("reconcile wake: %w", err)
			}
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create wake: %w", err)
	}

	// Overage counts at creation; the occurrence is created once
	if wake.Overage && wake.SessionID != nil {
		if err := p.store.IncrementSessionCounter(ctx, *wake.SessionID, models.CounterOverage); err != nil {
			log.Error().Err(err).Msg("Failed to increment overage counter")
		}
	}

	device := lineage.Device
	device.LastWakeAt = &capturedAt
	if err := p.store.UpdateDevice(ctx, device); err != nil {
		log.Error().Err(err).Str("mac", device.MAC.String()).Msg("Failed to stamp last wake")
	}

	return wake, true, nil
}

// completeWake moves a wake to complete. The guarded transition makes
// counters and events fire exactly once however many paths race here.
func (p *Pipeline) completeWake(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload) {
	applied, err := p.store.TransitionWake(ctx, wake.ID, models.WakeComplete, models.WakePending, models.WakeReceiving)
	if err != nil {
		log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to complete wake")
		return
	}
	if !applied {
		return
	}

	wake.Status = models.WakeComplete
	if wake.SessionID != nil {
		if err := p.store.IncrementSessionCounter(ctx, *wake.SessionID, models.CounterCompleted); err != nil {
			log.Error().Err(err).Msg("Failed to increment completed counter")
		}
	}

	p.logEvent(ctx, lineage, wake, models.EventTypeWakeComplete, models.EventLevelInfo,
		fmt.Sprintf("Wake %s completed", wake.OccurrenceKey),
		models.Variables{"occurrence": wake.OccurrenceKey, "overage": wake.Overage})

	p.publishOutcome(lineage, wake)
}

// failWake moves a wake to failed with the same exactly-once guard
func (p *Pipeline) failWake(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload, reason string) {
	applied, err := p.store.TransitionWake(ctx, wake.ID, models.WakeFailed, models.WakePending, models.WakeReceiving)
	if err != nil {
		log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to fail wake")
		return
	}
	if !applied {
		return
	}

	wake.Status = models.WakeFailed
	if wake.SessionID != nil {
		if err := p.store.IncrementSessionCounter(ctx, *wake.SessionID, models.CounterFailed); err != nil {
			log.Error().Err(err).Msg("Failed to increment failed counter")
		}
	}

	p.logEvent(ctx, lineage, wake, models.EventTypeWakeFailed, models.EventLevelWarning,
		fmt.Sprintf("Wake %s failed: %s", wake.OccurrenceKey, reason),
		models.Variables{"occurrence": wake.OccurrenceKey, "reason": reason})

	p.publishOutcome(lineage, wake)
}

func (p *Pipeline) publishOutcome(lineage *models.Lineage, wake *models.WakePayload) {
	if p.events == nil || !lineage.Mapped() {
		return
	}
	if err := p.events.PublishWakeOutcome(lineage.Site.ID, wake); err != nil {
		log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to publish wake outcome")
	}
}

// recordTelemetry copies readings onto the wake and appends to the
// telemetry history.
func (p *Pipeline) recordTelemetry(ctx context.Context, wake *models.WakePayload, msg *models.DeviceMessage, capturedAt time.Time) error {
	wake.Temperature = msg.Temperature
	wake.Humidity = msg.Humidity
	wake.Pressure = msg.Pressure
	wake.GasResistance = msg.GasResistance
	if err := p.store.UpdateWakePayload(ctx, wake); err != nil {
		return fmt.Errorf("update wake readings: %w", err)
	}

	reading := &models.TelemetryReading{
		DeviceMAC:     wake.DeviceMAC,
		WakeID:        &wake.ID,
		CapturedAt:    capturedAt,
		Temperature:   msg.Temperature,
		Humidity:      msg.Humidity,
		Pressure:      msg.Pressure,
		GasResistance: msg.GasResistance,
	}
	if err := p.store.CreateTelemetryReading(ctx, reading); err != nil {
		return fmt.Errorf("create telemetry reading: %w", err)
	}
	return nil
}

// recoverPendingImage asks a device reporting stranded images to send
// its oldest incomplete one.
func (p *Pipeline) recoverPendingImage(ctx context.Context, lineage *models.Lineage) {
	mac := lineage.Device.MAC

	image, err := p.store.GetOldestIncompleteImage(ctx, mac)
	if errors.Is(err, storage.ErrNotFound) {
		// Device holds images the server never heard of; a blank
		// send_image lets the device pick.
		image = &models.Image{}
	} else if err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to look up incomplete image")
		return
	}

	cmd := &models.DeviceCommand{SendImage: image.Name}
	if err := p.pub.PublishCommand(mac, cmd); err != nil {
		log.Error().Err(err).Str("mac", mac.String()).Msg("Failed to request pending image")
		return
	}

	p.logEvent(ctx, lineage, nil, models.EventTypeRetry, models.EventLevelInfo,
		fmt.Sprintf("Requested pending image from %s", mac),
		models.Variables{"image": image.Name})
}

// ensureDevice resolves the device's lineage, auto-registering
// unknown devices unmapped so their data is never dropped.
func (p *Pipeline) ensureDevice(ctx context.Context, mac models.MACAddr) (*models.Lineage, error) {
	lineage, err := p.store.ResolveLineage(ctx, mac)
	if err == nil {
		if lineage.Device.IsDisabled {
			return nil, fmt.Errorf("device %s is disabled", mac)
		}
		return lineage, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	device := &models.Device{MAC: mac, Name: mac.String()}
	if err := p.store.CreateDevice(ctx, device); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return nil, fmt.Errorf("auto-register device: %w", err)
	}

	log.Info().Str("mac", mac.String()).Msg("Auto-registered unmapped device")
	return p.store.ResolveLineage(ctx, mac)
}

func (p *Pipeline) logEvent(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload, typ models.EventType, level models.EventLevel, desc string, details models.Variables) {
	event := &models.EventLog{
		Type:        typ,
		Level:       level,
		Description: desc,
		Details:     details,
	}
	if lineage != nil {
		mac := lineage.Device.MAC
		event.DeviceMAC = &mac
		if lineage.Site != nil {
			event.SiteID = &lineage.Site.ID
		}
	}
	if wake != nil {
		event.SessionID = wake.SessionID
	}

	if err := p.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("Failed to write event log")
	}
}
