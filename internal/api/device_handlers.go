package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/ingest"
	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/storage"
)

// ========== Device handlers ==========

// HandleListDevices lists devices, optionally filtered by site
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var siteID *uuid.UUID
	if v := r.URL.Query().Get("site_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid site_id")
			return
		}
		siteID = &id
	}

	limit, offset := pagination(r)

	devices, total, err := s.store.ListDevices(ctx, siteID, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleGetDevice gets a device with its resolved lineage
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device MAC")
		return
	}

	lineage, err := s.store.ResolveLineage(ctx, mac)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, lineage)
}

// HandleUpdateDevice updates a device's assignment and settings
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device MAC")
		return
	}

	var req struct {
		Name         string     `json:"name"`
		Description  string     `json:"description"`
		SiteID       *uuid.UUID `json:"site_id"`
		IsDisabled   bool       `json:"is_disabled"`
		WakeSchedule *string    `json:"wake_schedule"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.store.GetDevice(ctx, mac)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Name != "" {
		device.Name = req.Name
	}
	device.Description = req.Description
	device.SiteID = req.SiteID
	device.IsDisabled = req.IsDisabled
	device.WakeSchedule = req.WakeSchedule

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleCaptureImage sends a capture command to the device. The
// command sits on the broker until the device's next wake.
func (s *RESTServer) HandleCaptureImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device MAC")
		return
	}

	if s.publisher == nil {
		s.respondError(w, http.StatusServiceUnavailable, "broker connection not available")
		return
	}

	device, err := s.store.GetDevice(ctx, mac)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if device.IsDisabled {
		s.respondError(w, http.StatusConflict, "device is disabled")
		return
	}

	cmd := &models.DeviceCommand{CaptureImage: true}
	if err := s.publisher.PublishCommand(mac, cmd); err != nil {
		s.respondError(w, http.StatusBadGateway, "failed to publish command")
		return
	}

	log.Info().Str("mac", mac.String()).Msg("Capture command queued")

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"mac":      mac,
	})
}

// HandleListTelemetry lists a device's telemetry history
func (s *RESTServer) HandleListTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device MAC")
		return
	}

	limit, offset := pagination(r)

	readings, total, err := s.store.ListTelemetry(ctx, mac, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"readings": readings,
		"total":    total,
	})
}

// ========== Wake handlers ==========

// HandleGetWake gets a wake payload
func (s *RESTServer) HandleGetWake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wake id")
		return
	}

	wake, err := s.store.GetWakePayload(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "wake not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, wake)
}

// HandleRetryWake triggers a manual resend for a wake's image transfer
func (s *RESTServer) HandleRetryWake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wake id")
		return
	}

	if s.retry == nil {
		s.respondError(w, http.StatusServiceUnavailable, "retry coordinator not available")
		return
	}

	action, err := s.retry.RetryWake(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "wake not found")
		case errors.Is(err, ingest.ErrRetryExhausted):
			s.respondError(w, http.StatusConflict, "retry budget exhausted")
		case errors.Is(err, ingest.ErrNothingToRetry):
			s.respondError(w, http.StatusConflict, "nothing to retry")
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, action)
}
