package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/storage"
	"github.com/brainlytree/sensor-server/internal/transport"
)

// Retry errors surfaced to the API
var (
	ErrRetryExhausted = errors.New("retry budget exhausted")
	ErrNothingToRetry = errors.New("nothing to retry")
)

// RetryAction describes what a retry attempt did
type RetryAction struct {
	Action  string `json:"action"` // "missing_chunks" or "full_resend"
	Image   string `json:"image,omitempty"`
	Missing []int  `json:"missingChunks,omitempty"`
	Attempt int    `json:"attempt"`
}

// RetryCoordinator watches for stalled transfers and drives resends.
// A transfer with some fragments gets a targeted missing-chunk
// request; one with nothing buffered gets a full resend command.
// Attempts are bounded, after which the wake and image fail for the
// day.
type RetryCoordinator struct {
	store    storage.Store
	pub      transport.Publisher
	acker    *Acker
	pipeline *Pipeline
	buffers  *BufferRegistry
	cfg      config.IngestConfig

	now func() time.Time
}

// NewRetryCoordinator creates the retry coordinator
func NewRetryCoordinator(store storage.Store, pub transport.Publisher, pipeline *Pipeline, buffers *BufferRegistry, cfg config.IngestConfig) *RetryCoordinator {
	return &RetryCoordinator{
		store:    store,
		pub:      pub,
		acker:    NewAcker(pub),
		pipeline: pipeline,
		buffers:  buffers,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run sweeps on the configured cadence until the context ends
func (c *RetryCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", c.cfg.SweepInterval).Msg("Retry coordinator started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep finds stalled transfers and acts on each
func (c *RetryCoordinator) Sweep(ctx context.Context) {
	now := c.now()
	cutoff := now.Add(-c.cfg.ChunkStaleness)

	images, err := c.store.ListStalledImages(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stalled images")
	} else {
		for _, image := range images {
			c.sweepImage(ctx, image)
		}
	}

	wakes, err := c.store.ListStalledWakes(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stalled wakes")
	} else {
		for _, wake := range wakes {
			c.sweepWake(ctx, wake)
		}
	}

	// Buffers linger one extra staleness period past their transfer
	// so a late resend can still reuse the fragments already held.
	if dropped := c.buffers.Sweep(now.Add(-2 * c.cfg.ChunkStaleness)); dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("Swept idle chunk buffers")
	}
}

// sweepImage handles one transfer that went quiet mid-flight
func (c *RetryCoordinator) sweepImage(ctx context.Context, image *models.Image) {
	lineage, err := c.store.ResolveLineage(ctx, image.DeviceMAC)
	if err != nil {
		log.Error().Err(err).Str("mac", image.DeviceMAC.String()).Msg("Failed to resolve device for stalled image")
		return
	}

	wake, err := c.store.GetWakeByOccurrence(ctx, image.DeviceMAC, image.Name)
	if errors.Is(err, storage.ErrNotFound) {
		wake = nil
	} else if err != nil {
		log.Error().Err(err).Str("image", image.Name).Msg("Failed to load wake for stalled image")
		return
	}

	attempts := 0
	if wake != nil {
		attempts = wake.RetryCount
	}

	if attempts >= c.cfg.MaxRetries {
		c.giveUp(ctx, lineage, wake, image)
		return
	}

	if _, err := c.requestResend(ctx, lineage, wake, image); err != nil {
		log.Error().Err(err).Str("image", image.Name).Msg("Resend request failed")
	}
}

// sweepWake fails a wake that stalled with no transfer to chase: the
// device went quiet before confirming and there is nothing to resend.
func (c *RetryCoordinator) sweepWake(ctx context.Context, wake *models.WakePayload) {
	if wake.ImageID != nil {
		// Covered by the image sweep
		return
	}

	lineage, err := c.store.ResolveLineage(ctx, wake.DeviceMAC)
	if err != nil {
		log.Error().Err(err).Str("mac", wake.DeviceMAC.String()).Msg("Failed to resolve device for stalled wake")
		return
	}

	c.pipeline.failWake(ctx, lineage, wake, "no confirmation before staleness cutoff")
}

// giveUp fails the image and, unless it already completed, its wake
func (c *RetryCoordinator) giveUp(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload, image *models.Image) {
	applied, err := c.store.TransitionImage(ctx, image.ID, models.ImageFailed, models.ImageReceiving)
	if err != nil {
		log.Error().Err(err).Str("image", image.Name).Msg("Failed to fail image")
		return
	}
	if !applied {
		return
	}

	c.pipeline.logEvent(ctx, lineage, wake, models.EventTypeImageFailed, models.EventLevelError,
		fmt.Sprintf("Image %s failed after %d retries", image.Name, c.cfg.MaxRetries),
		models.Variables{"image": image.Name, "received": image.Received, "total": image.TotalChunks})

	c.buffers.Remove(image.DeviceMAC, image.Name)

	// Completion is decoupled: a wake confirmed by metadata stays
	// complete even when its image never assembles.
	if wake != nil {
		c.pipeline.failWake(ctx, lineage, wake, "image transfer exhausted retries")
	}
}

// requestResend asks for the missing fragments, or the whole image
// when nothing useful is buffered, and spends one retry attempt.
func (c *RetryCoordinator) requestResend(ctx context.Context, lineage *models.Lineage, wake *models.WakePayload, image *models.Image) (*RetryAction, error) {
	mac := image.DeviceMAC
	action := &RetryAction{Image: image.Name}

	buffer, ok := c.buffers.Get(mac, image.Name)
	if ok && buffer.Received() > 0 && image.TotalChunks > 0 {
		missing := buffer.MissingIndices()
		if len(missing) == 0 {
			// Everything arrived between the stall query and now;
			// leave it to the pipeline's completion path.
			return nil, nil
		}
		if err := c.acker.RequestMissing(mac, image.Name, missing); err != nil {
			return nil, err
		}
		action.Action = "missing_chunks"
		action.Missing = missing
	} else {
		cmd := &models.DeviceCommand{SendImage: image.Name}
		if err := c.pub.PublishCommand(mac, cmd); err != nil {
			return nil, err
		}
		action.Action = "full_resend"
	}

	if wake != nil {
		wake.RetryCount++
		action.Attempt = wake.RetryCount
		if err := c.store.UpdateWakePayload(ctx, wake); err != nil {
			return nil, fmt.Errorf("record retry attempt: %w", err)
		}
	}

	c.pipeline.logEvent(ctx, lineage, wake, models.EventTypeChunkTimeout, models.EventLevelWarning,
		fmt.Sprintf("Transfer %s stalled, requested %s", image.Name, action.Action),
		models.Variables{"image": image.Name, "action": action.Action, "attempt": action.Attempt})

	return action, nil
}

// RetryWake serves a manual retry request from the API. The wake's
// record is reconciled in place: capture time stays authoritative and
// the retry count carries across attempts.
func (c *RetryCoordinator) RetryWake(ctx context.Context, id uuid.UUID) (*RetryAction, error) {
	wake, err := c.store.GetWakePayload(ctx, id)
	if err != nil {
		return nil, err
	}

	if wake.RetryCount >= c.cfg.MaxRetries {
		return nil, ErrRetryExhausted
	}
	if wake.ImageID == nil {
		return nil, ErrNothingToRetry
	}

	image, err := c.store.GetImage(ctx, *wake.ImageID)
	if err != nil {
		return nil, err
	}
	if image.Status == models.ImageComplete {
		return nil, ErrNothingToRetry
	}

	lineage, err := c.store.ResolveLineage(ctx, wake.DeviceMAC)
	if err != nil {
		return nil, err
	}

	// A failed transfer being retried goes back to receiving so the
	// pipeline accepts its fragments again.
	if image.Status == models.ImageFailed {
		if _, err := c.store.TransitionImage(ctx, image.ID, models.ImageReceiving, models.ImageFailed); err != nil {
			return nil, err
		}
	}

	action, err := c.requestResend(ctx, lineage, wake, image)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, ErrNothingToRetry
	}

	c.pipeline.logEvent(ctx, lineage, wake, models.EventTypeRetry, models.EventLevelInfo,
		fmt.Sprintf("Manual retry of wake %s", wake.OccurrenceKey),
		models.Variables{"occurrence": wake.OccurrenceKey, "attempt": action.Attempt})

	return action, nil
}
