package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/blomoto/blomoto-billing/internal/invoices"
	"github.com/blomoto/blomoto-billing/internal/payments"
	"github.com/blomoto/blomoto-billing/internal/quotes"
	"github.com/blomoto/blomoto-billing/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	QuoteHandler   *quotes.Handler
	InvoiceHandler *invoices.Handler
	PaymentHandler *payments.Handler
	JobHandler     *jobs.Handler
}

// NewRouter constructs the chi.Router for the billing API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		params.QuoteHandler.MountRoutes(r)
		params.InvoiceHandler.MountRoutes(r)
		params.PaymentHandler.MountRoutes(r)
	})

	// Provider callbacks bypass the versioned API prefix.
	r.Group(func(r chi.Router) {
		r.Use(WebhookRateLimit())
		params.PaymentHandler.MountWebhookRoutes(r)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
