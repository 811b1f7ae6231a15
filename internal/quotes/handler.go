package quotes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/blomoto/blomoto-billing/internal/linker"
	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/platform/httpx"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// Handler exposes the quote REST endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateQuoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	q, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.respondError(w, "create quote", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, q)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.quoteID(w, r)
	if !ok {
		return
	}
	q, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	req := ListQuotesRequest{
		Limit:  httpx.QueryInt(r, "limit", 50),
		Offset: httpx.QueryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("garage_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "garage_id is not a valid id")
			return
		}
		req.GarageID = &id
	}
	if v := r.URL.Query().Get("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "client_id is not a valid id")
			return
		}
		req.ClientID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := Status(v)
		req.Status = &status
	}
	out, total, err := h.service.List(r.Context(), req)
	if err != nil {
		h.respondError(w, "list quotes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"quotes":     out,
		"pagination": shared.NewPagination(req.Limit, req.Offset, total),
	})
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := h.quoteID(w, r)
	if !ok {
		return
	}
	var channels DeliveryChannels
	if err := httpx.DecodeJSON(r, &channels); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	q, err := h.service.Send(r.Context(), id, channels)
	if err != nil {
		h.respondError(w, "send quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

type decisionRequest struct {
	ClientID uuid.UUID `json:"client_id" validate:"required"`
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Accept, "accept quote")
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Reject, "reject quote")
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, clientID uuid.UUID) (*Quote, error), opName string) {
	id, ok := h.quoteID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	q, err := op(r.Context(), id, req.ClientID)
	if err != nil {
		h.respondError(w, opName, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) quoteID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "quote id is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrExpired):
		httpx.Problem(w, http.StatusGone, "Quote Expired", "This quote has expired")
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, linker.ErrQuoteAlreadyPending):
		httpx.Problem(w, http.StatusConflict, "Quote Already Pending", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "quote belongs to another client")
	case errors.Is(err, money.ErrEmptyLines),
		errors.Is(err, money.ErrInvalidQuantity),
		errors.Is(err, money.ErrNegativePrice),
		errors.Is(err, money.ErrInvalidTaxRate),
		errors.Is(err, ErrValidUntilPast):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
