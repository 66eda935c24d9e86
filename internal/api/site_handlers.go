package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/schedule"
	"github.com/brainlytree/sensor-server/internal/storage"
)

// ========== Site handlers ==========

// HandleListSites lists sites
func (s *RESTServer) HandleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sites": sites,
		"total": len(sites),
	})
}

// HandleCreateSite creates a site
func (s *RESTServer) HandleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgramID    uuid.UUID `json:"program_id" validate:"required"`
		Name         string    `json:"name" validate:"required,min=3,max=100"`
		Location     string    `json:"location"`
		Timezone     string    `json:"timezone" validate:"required"`
		WakeSchedule string    `json:"wake_schedule" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reject schedules the sweepers would choke on later
	if _, err := schedule.Parse(req.WakeSchedule, req.Timezone); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	site := &models.Site{
		ProgramID:    req.ProgramID,
		Name:         req.Name,
		Location:     req.Location,
		Timezone:     req.Timezone,
		WakeSchedule: req.WakeSchedule,
	}

	if err := s.store.CreateSite(r.Context(), site); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			s.respondError(w, http.StatusConflict, "site already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, site)
}

// HandleGetSite gets a site
func (s *RESTServer) HandleGetSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid site id")
		return
	}

	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "site not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, site)
}

// HandleUpdateSite updates a site. A schedule change takes effect on
// the next lifecycle sweep, which recomputes the open session's
// expected wake count.
func (s *RESTServer) HandleUpdateSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid site id")
		return
	}

	var req struct {
		Name         string `json:"name" validate:"required,min=3,max=100"`
		Location     string `json:"location"`
		Timezone     string `json:"timezone" validate:"required"`
		WakeSchedule string `json:"wake_schedule" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := schedule.Parse(req.WakeSchedule, req.Timezone); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "site not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	site.Name = req.Name
	site.Location = req.Location
	site.Timezone = req.Timezone
	site.WakeSchedule = req.WakeSchedule

	if err := s.store.UpdateSite(ctx, site); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, site)
}

// HandleGetSiteState returns the latest snapshot of today's session:
// the last observed state of every device at the site.
func (s *RESTServer) HandleGetSiteState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid site id")
		return
	}

	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "site not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sched, err := schedule.Parse(site.WakeSchedule, site.Timezone)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := s.store.GetSessionByDate(ctx, site.ID, sched.LocalDate(time.Now()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "no session open today")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snapshots, err := s.store.ListSessionSnapshots(ctx, session.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(snapshots) == 0 {
		s.respondError(w, http.StatusNotFound, "no snapshot generated yet")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":  session,
		"snapshot": snapshots[len(snapshots)-1],
	})
}

// HandleListSiteSessions lists a site's sessions with their counters
func (s *RESTServer) HandleListSiteSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid site id")
		return
	}

	limit, offset := pagination(r)

	sessions, total, err := s.store.ListSessions(ctx, id, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

// ========== Session handlers ==========

// HandleGetSession gets a daily session
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.store.GetDailySession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, session)
}

// HandleListSessionSnapshots lists a session's snapshots in round order
func (s *RESTServer) HandleListSessionSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if _, err := s.store.GetDailySession(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snapshots, err := s.store.ListSessionSnapshots(ctx, id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"total":     len(snapshots),
	})
}

// HandleListSessionWakes lists a session's wake payloads
func (s *RESTServer) HandleListSessionWakes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	wakes, err := s.store.ListSessionWakes(ctx, id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"wakes": wakes,
		"total": len(wakes),
	})
}
