package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/booking"
	"github.com/hackgods/clinic-reservations/internal/metrics"
)

type RouterConfig struct {
	Reception *booking.ReceptionDesk
	Providers *booking.ProviderDesk
	Checks    []DependencyCheck
	Log       *zap.Logger
	Metrics   *metrics.Collector // optional
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	h := &handlers{reception: cfg.Reception, providers: cfg.Providers, log: log}

	r.Group(func(r chi.Router) {
		r.Use(CallerMiddleware)

		// Reception desk
		r.Get("/providers/{id}/slots", h.listFreeSlots)
		r.Get("/patients/lookup", h.lookupPatient)
		r.Post("/reservations", h.createReservation)
		r.Get("/reservations", h.listUpcoming)
		r.Get("/reservations/{id}", h.getReservation)
		r.Put("/reservations/{id}", h.modifyReservation)
		r.Post("/reservations/{id}/cancel", h.cancelReservation)

		// Provider desk
		r.Get("/agenda/today", h.todayAgenda)
		r.Post("/slots", h.addSlot)
		r.Put("/slots/{id}", h.rescheduleSlot)
		r.Delete("/slots/{id}", h.withdrawSlot)
		r.Get("/notifications", h.listNotifications)
		r.Post("/notifications/{id}/read", h.markNotificationRead)
	})

	return r
}
