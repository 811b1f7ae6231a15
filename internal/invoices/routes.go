package invoices

import (
	"github.com/go-chi/chi/v5"
)

func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.CreateDirect)
		r.Post("/from-quote/{quoteID}", h.CreateFromQuote)
		r.Get("/{id}", h.Show)
		r.Get("/{id}/settlements", h.Settlements)
		r.Post("/{id}/send", h.Send)
		r.Post("/{id}/cancel", h.Cancel)
	})
}
