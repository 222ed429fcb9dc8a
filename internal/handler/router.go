package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/enrollhub-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса зачислений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/webhook", func(r chi.Router) {
		r.Post("/kit/{kitTag}", h.KitWebhook)
		r.Post("/stripe", h.StripeWebhook)
		r.Post("/form/{slug}", h.FormWebhook)

		// статический маршрут стипендий должен идти раньше {slug}
		r.Post("/typeform/scholarship", h.TypeformScholarship)
		r.Post("/typeform/{slug}", h.TypeformWebhook)
		r.Post("/typeform/{slug}/completion", h.TypeformCompletion)
	})

	r.Route("/api/scholarship-applications", func(r chi.Router) {
		r.Post("/{id}/decide", h.DecideScholarship)
		r.Post("/{id}/delivered", h.MarkScholarshipDelivered)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
