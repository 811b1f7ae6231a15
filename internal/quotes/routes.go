package quotes

import (
	"github.com/go-chi/chi/v5"
)

func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/quotes", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Show)
		r.Post("/{id}/send", h.Send)
		r.Put("/{id}/accept", h.Accept)
		r.Put("/{id}/reject", h.Reject)
	})
}
