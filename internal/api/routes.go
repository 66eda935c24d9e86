package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		// Users
		r.Route("/users", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.HandleCreateUser)
			r.Get("/me", s.HandleGetCurrentUser)
		})

		// Sites
		r.Route("/sites", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListSites)
			r.Post("/", s.HandleCreateSite)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetSite)
				r.Put("/", s.HandleUpdateSite)
				r.Get("/state", s.HandleGetSiteState)
				r.Get("/sessions", s.HandleListSiteSessions)
			})
		})

		// Sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetSession)
				r.Get("/snapshots", s.HandleListSessionSnapshots)
				r.Get("/wakes", s.HandleListSessionWakes)
			})
		})

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListDevices)
			r.Route("/{mac}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Put("/", s.HandleUpdateDevice)
				r.Post("/capture", s.HandleCaptureImage)
				r.Get("/telemetry", s.HandleListTelemetry)
			})
		})

		// Wakes
		r.Route("/wakes", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/{id}", s.HandleGetWake)
			r.Post("/{id}/retry", s.HandleRetryWake)
		})

		// Events
		r.Route("/events", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListEvents)
		})
	})
}
