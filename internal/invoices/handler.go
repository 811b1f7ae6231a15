package invoices

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/blomoto/blomoto-billing/internal/linker"
	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/platform/httpx"
	"github.com/blomoto/blomoto-billing/internal/quotes"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// Handler exposes the invoice REST endpoints.
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

func (h *Handler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	inv, err := h.service.CreateDirect(r.Context(), req)
	if err != nil {
		h.respondError(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) CreateFromQuote(w http.ResponseWriter, r *http.Request) {
	quoteID, err := uuid.Parse(chi.URLParam(r, "quoteID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "quote id is not a valid uuid")
		return
	}
	var req FromQuoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	inv, err := h.service.CreateFromQuote(r.Context(), quoteID, req.DueDate)
	if err != nil {
		h.respondError(w, "create invoice from quote", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	req := ListInvoicesRequest{
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
		h.respondError(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoices":   out,
		"pagination": shared.NewPagination(req.Limit, req.Offset, total),
	})
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var channels quotes.DeliveryChannels
	if err := httpx.DecodeJSON(r, &channels); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	inv, err := h.service.Send(r.Context(), id, channels)
	if err != nil {
		h.respondError(w, "send invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.respondError(w, "cancel invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) Settlements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	out, err := h.service.Settlements(r.Context(), id)
	if err != nil {
		h.respondError(w, "list settlements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"settlements": out})
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, linker.ErrAlreadyConverted):
		httpx.Problem(w, http.StatusConflict, "Already Converted", "An invoice already exists for this quote")
	case errors.Is(err, linker.ErrAppointmentInvoiced):
		httpx.Problem(w, http.StatusConflict, "Already Invoiced", err.Error())
	case errors.Is(err, ErrQuoteNotAccepted),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrCancelSettled):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, ErrOverpaymentRejected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Overpayment Rejected", err.Error())
	case errors.Is(err, ErrFrozen):
		httpx.Problem(w, http.StatusLocked, "Invoice Frozen", err.Error())
	case errors.Is(err, money.ErrEmptyLines),
		errors.Is(err, money.ErrInvalidQuantity),
		errors.Is(err, money.ErrNegativePrice),
		errors.Is(err, money.ErrInvalidTaxRate),
		errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
