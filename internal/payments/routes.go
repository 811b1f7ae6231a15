package payments

import (
	"github.com/go-chi/chi/v5"
)

func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/create-intent", h.CreateIntent)
		r.Get("/intents/{id}", h.Show)
		r.Post("/intents/{id}/cancel", h.Cancel)
		r.Post("/confirm", h.ConfirmCard)
	})
}

// MountWebhookRoutes mounts the provider callback endpoint. It lives outside
// the authenticated API surface so providers can reach it directly.
func (h *Handler) MountWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/fedapay", h.CheckoutWebhook)
}
