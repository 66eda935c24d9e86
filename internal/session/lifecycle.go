package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/schedule"
	"github.com/brainlytree/sensor-server/internal/storage"
)

// Finalizer runs once per session right before it locks, so the
// day's last snapshot exists before the session becomes immutable.
type Finalizer interface {
	FinalizeSession(ctx context.Context, site *models.Site, session *models.DailySession) error
}

// Lifecycle opens and locks daily sessions at each site's local
// midnight. Every site is handled independently: one site's bad
// schedule or timezone never blocks the others.
type Lifecycle struct {
	store     storage.Store
	finalizer Finalizer
	interval  time.Duration

	now func() time.Time
}

// NewLifecycle creates the session lifecycle sweeper. finalizer may
// be nil.
func NewLifecycle(store storage.Store, finalizer Finalizer, interval time.Duration) *Lifecycle {
	return &Lifecycle{
		store:     store,
		finalizer: finalizer,
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps on the configured cadence until the context ends
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Msg("Session lifecycle started")

	// One immediate sweep so a restart doesn't wait a full interval
	l.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep opens today's sessions and locks those past their day
func (l *Lifecycle) Sweep(ctx context.Context) {
	sites, err := l.store.ListSites(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sites")
		return
	}

	for _, site := range sites {
		if err := l.sweepSite(ctx, site); err != nil {
			log.Error().Err(err).Str("site", site.Name).Msg("Site session sweep failed")
		}
	}

	l.lockElapsed(ctx)
}

// sweepSite ensures today's session exists and tracks the schedule
func (l *Lifecycle) sweepSite(ctx context.Context, site *models.Site) error {
	sched, err := schedule.Parse(site.WakeSchedule, site.Timezone)
	if err != nil {
		return fmt.Errorf("site schedule: %w", err)
	}

	now := l.now()
	today := sched.LocalDate(now)

	session, err := l.store.GetSessionByDate(ctx, site.ID, today)
	if errors.Is(err, storage.ErrNotFound) {
		return l.openSession(ctx, site, sched, today, now)
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	// A mid-day schedule change re-derives the expectation for the
	// rest of the day; history already recorded is untouched.
	if session.Status == models.SessionOpen {
		expected := sched.ExpectedWakes(now)
		if session.ExpectedWakes != expected {
			if err := l.store.UpdateSessionExpected(ctx, session.ID, expected); err != nil {
				return fmt.Errorf("update expected wakes: %w", err)
			}
			log.Info().
				Str("site", site.Name).
				Int("expected", expected).
				Msg("Recomputed expected wakes after schedule change")
		}
	}

	return nil
}

// openSession creates today's session and adopts any wakes that
// arrived before the opener ran.
func (l *Lifecycle) openSession(ctx context.Context, site *models.Site, sched *schedule.Schedule, today string, now time.Time) error {
	session := &models.DailySession{
		SiteID:        site.ID,
		SessionDate:   today,
		Status:        models.SessionOpen,
		ExpectedWakes: sched.ExpectedWakes(now),
		OpenedAt:      now,
	}

	err := l.store.CreateDailySession(ctx, session)
	if errors.Is(err, storage.ErrDuplicateKey) {
		// Another instance opened it between our get and create
		return nil
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	start, end := sched.DayBounds(now)
	adopted, err := l.store.AttachSessionWakes(ctx, session.ID, site.ID, start, end)
	if err != nil {
		log.Error().Err(err).Str("site", site.Name).Msg("Failed to adopt early wakes")
	}

	l.logEvent(ctx, site, session, models.EventTypeSessionOpened,
		fmt.Sprintf("Session %s opened (%d wakes expected)", today, session.ExpectedWakes),
		models.Variables{"date": today, "expectedWakes": session.ExpectedWakes, "adoptedWakes": adopted})

	log.Info().
		Str("site", site.Name).
		Str("date", today).
		Int("expected", session.ExpectedWakes).
		Int64("adopted", adopted).
		Msg("Session opened")
	return nil
}

// lockElapsed locks every open session whose site-local day has ended
func (l *Lifecycle) lockElapsed(ctx context.Context) {
	sessions, err := l.store.ListOpenSessions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list open sessions")
		return
	}

	now := l.now()
	for _, session := range sessions {
		site, err := l.store.GetSite(ctx, session.SiteID)
		if err != nil {
			log.Error().Err(err).Str("session", session.ID.String()).Msg("Failed to load session site")
			continue
		}

		sched, err := schedule.Parse(site.WakeSchedule, site.Timezone)
		if err != nil {
			log.Error().Err(err).Str("site", site.Name).Msg("Bad schedule on lock sweep")
			continue
		}

		if sched.LocalDate(now) == session.SessionDate {
			continue
		}

		if l.finalizer != nil {
			if err := l.finalizer.FinalizeSession(ctx, site, session); err != nil {
				log.Error().Err(err).Str("site", site.Name).Msg("Session finalize failed")
			}
		}

		locked, err := l.store.LockSession(ctx, session.ID, now)
		if err != nil {
			log.Error().Err(err).Str("session", session.ID.String()).Msg("Failed to lock session")
			continue
		}
		if !locked {
			continue
		}

		l.logEvent(ctx, site, session, models.EventTypeSessionLocked,
			fmt.Sprintf("Session %s locked", session.SessionDate),
			models.Variables{
				"date":      session.SessionDate,
				"completed": session.CompletedCount,
				"failed":    session.FailedCount,
				"overage":   session.OverageCount,
			})

		log.Info().
			Str("site", site.Name).
			Str("date", session.SessionDate).
			Msg("Session locked")
	}
}

func (l *Lifecycle) logEvent(ctx context.Context, site *models.Site, session *models.DailySession, typ models.EventType, desc string, details models.Variables) {
	event := &models.EventLog{
		SiteID:      &site.ID,
		SessionID:   &session.ID,
		Type:        typ,
		Level:       models.EventLevelInfo,
		Description: desc,
		Details:     details,
	}
	if err := l.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("Failed to write event log")
	}
}
