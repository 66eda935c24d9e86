package integration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/models"
)

// Publisher forwards pipeline outcomes to downstream consumers
type Publisher interface {
	PublishWakeOutcome(siteID uuid.UUID, wake *models.WakePayload) error
	PublishSnapshot(siteID uuid.UUID, snapshot *models.SessionSnapshot) error
}

// Forwarder publishes wake outcomes and snapshots on NATS so
// dashboards and alerting consume them without polling the database.
type Forwarder struct {
	nc *nats.Conn
}

// Connect dials NATS and returns a forwarder
func Connect(cfg config.NATSConfig) (*Forwarder, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Forwarder{nc: nc}, nil
}

// WakeEvent is the published form of a wake outcome
type WakeEvent struct {
	SiteID     uuid.UUID         `json:"siteId"`
	WakeID     uuid.UUID         `json:"wakeId"`
	DeviceMAC  models.MACAddr    `json:"deviceMac"`
	SessionID  *uuid.UUID        `json:"sessionId,omitempty"`
	Status     models.WakeStatus `json:"status"`
	Overage    bool              `json:"overage"`
	CapturedAt time.Time         `json:"capturedAt"`
	Timestamp  time.Time         `json:"timestamp"`
}

// PublishWakeOutcome publishes a terminal wake transition on
// site.{siteID}.wake.{complete|failed}.
func (f *Forwarder) PublishWakeOutcome(siteID uuid.UUID, wake *models.WakePayload) error {
	event := WakeEvent{
		SiteID:     siteID,
		WakeID:     wake.ID,
		DeviceMAC:  wake.DeviceMAC,
		SessionID:  wake.SessionID,
		Status:     wake.Status,
		Overage:    wake.Overage,
		CapturedAt: wake.CapturedAt,
		Timestamp:  time.Now(),
	}

	subject := fmt.Sprintf("site.%s.wake.%s", siteID, wake.Status)
	return f.publish(subject, event)
}

// PublishSnapshot publishes a freshly generated snapshot on
// site.{siteID}.snapshot.
func (f *Forwarder) PublishSnapshot(siteID uuid.UUID, snapshot *models.SessionSnapshot) error {
	subject := fmt.Sprintf("site.%s.snapshot", siteID)
	return f.publish(subject, snapshot)
}

func (f *Forwarder) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := f.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Msg("Event published")
	return nil
}

// Close drains and closes the connection
func (f *Forwarder) Close() {
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
	}
}
