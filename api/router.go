package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.limiter.middleware)

		r.Get("/formats", h.ListFormats)
		r.Get("/formats/categories", h.FormatCategories)
		r.Get("/formats/by-category", h.FormatsByCategory)
		r.Get("/conversions/supported", h.SupportedConversions)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs", h.SubmitJob)
			r.Get("/jobs/{id}", h.GetJob)
			r.Get("/jobs/{id}/download", h.DownloadResult)
			r.Post("/jobs/{id}/cancel", h.CancelJob)
			r.Post("/jobs/{id}/retry", h.RetryJob)

			r.Get("/batches", h.ListBatches)
			r.Post("/batches", h.SubmitBatch)
			r.Get("/batches/{id}", h.GetBatch)
			r.Post("/batches/{id}/cancel", h.CancelBatch)

			r.Get("/history", h.History)
			r.Get("/quota", h.GetQuota)
		})
	})

	return r
}
