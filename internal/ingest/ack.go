package ingest

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/transport"
)

// defaultWakeInterval is the next-wake fallback for devices without a
// resolvable schedule, so an unmapped device still sleeps instead of
// polling.
const defaultWakeInterval = time.Hour

// Acker emits the single acknowledgment a device waits for before
// sleeping: either a missing-chunk request or a completion ack with
// the next wake time, never both for the same transfer state.
type Acker struct {
	pub transport.Publisher
}

// NewAcker creates an acknowledgment emitter
func NewAcker(pub transport.Publisher) *Acker {
	return &Acker{pub: pub}
}

// RequestMissing asks the device to resend specific fragments
func (a *Acker) RequestMissing(mac models.MACAddr, imageName string, missing []int) error {
	ack := &models.MissingChunksAck{
		ImageName:     imageName,
		MissingChunks: missing,
	}

	if err := a.pub.PublishAck(mac, ack); err != nil {
		return err
	}

	log.Info().
		Str("mac", mac.String()).
		Str("image", imageName).
		Ints("missing", missing).
		Msg("Requested missing chunks")
	return nil
}

// AckComplete confirms a finished transfer and tells the device when
// to wake next. The next wake time comes from the device's effective
// schedule; without one the device gets a fixed interval.
func (a *Acker) AckComplete(mac models.MACAddr, imageName string, lineage *models.Lineage, now time.Time) error {
	next := now.Add(defaultWakeInterval)

	sched, err := effectiveSchedule(lineage)
	if err != nil {
		log.Warn().Err(err).Str("mac", mac.String()).Msg("Bad wake schedule, using fallback interval")
	} else if sched != nil {
		next = sched.Next(now)
	}

	ack := &models.CompletionAck{
		AckOK: models.CompletionAckBody{
			ImageName:    imageName,
			NextWakeTime: next.Format(time.RFC3339),
		},
	}

	if err := a.pub.PublishAck(mac, ack); err != nil {
		return err
	}

	log.Info().
		Str("mac", mac.String()).
		Str("image", imageName).
		Time("nextWake", next).
		Msg("Completion acknowledged")
	return nil
}
