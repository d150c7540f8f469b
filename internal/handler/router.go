package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	custommiddleware "github.com/mmeshcher/creditledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса кредитов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   h.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: len(h.opts.AllowedOrigins) > 0,
	}).Handler)
	r.Use(custommiddleware.GzipMiddleware)

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/payment", h.PaymentWebhook)
		r.Post("/jobs/{id}/callback", h.JobCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/jobs", h.SubmitJob)
			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/{id}", h.GetJob)
			r.Post("/jobs/{id}/cancel", h.CancelJob)

			r.Get("/credits", h.GetCredits)
			r.Get("/credits/transactions", h.GetTransactions)
			r.Get("/payments/history", h.PaymentHistory)
			r.Post("/checkout", h.Checkout)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminKey(h.opts.AdminKey))

			r.Get("/unmatched", h.ListUnmatched)
			r.Post("/unmatched/{id}/resolve", h.ResolveUnmatched)
			r.Post("/unmatched/{id}/ignore", h.IgnoreUnmatched)
			r.Post("/aliases", h.AddAlias)
			r.Post("/users/{id}/adjust", h.AdjustUser)
			r.Get("/health", h.AdminHealth)
			r.Get("/inconsistencies", h.AdminInconsistencies)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found", Code: "NOT_FOUND"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	return r
}
