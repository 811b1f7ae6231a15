package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/invoices"
	"github.com/blomoto/blomoto-billing/internal/platform/httpx"
)

// Handler exposes the payment REST endpoints.
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

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice_id is not a valid uuid")
		return
	}
	in := CreateIntentInput{
		InvoiceID: invoiceID,
		Provider:  Provider(req.Provider),
		Customer: Customer{
			Name:  req.CustomerName,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "amount is not a valid number")
			return
		}
		in.Amount = amount
	}
	resp, err := h.service.CreateIntent(r.Context(), in)
	if err != nil {
		h.respondError(w, "create payment intent", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) ConfirmCard(w http.ResponseWriter, r *http.Request) {
	var req ConfirmCardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice_id is not a valid uuid")
		return
	}
	inv, err := h.service.ConfirmCard(r.Context(), req.PaymentIntentID, invoiceID)
	if err != nil {
		h.respondError(w, "confirm card payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

// CheckoutWebhook takes provider callbacks for the mobile-money rail. The
// provider retries on non-2xx, so transient failures return 500 and
// everything conclusively handled returns 200.
func (h *Handler) CheckoutWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "could not read webhook payload")
		return
	}
	signature := r.Header.Get("X-Fedapay-Signature")
	if err := h.service.HandleCheckoutWebhook(r.Context(), payload, signature); err != nil {
		switch {
		case errors.Is(err, ErrProviderVerificationFailed):
			httpx.Problem(w, http.StatusBadRequest, "Verification Failed", err.Error())
		case errors.Is(err, ErrIntentNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		default:
			h.logger.Error("checkout webhook failed", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	intent, err := h.service.GetIntent(r.Context(), id)
	if err != nil {
		h.respondError(w, "get payment intent", err)
		return
	}
	httpx.JSON(w, http.StatusOK, intent)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	intent, err := h.service.CancelIntent(r.Context(), id)
	if err != nil {
		h.respondError(w, "cancel payment intent", err)
		return
	}
	httpx.JSON(w, http.StatusOK, intent)
}

func (h *Handler) intentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "intent id is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrIntentNotFound), errors.Is(err, invoices.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrPaymentInFlight):
		httpx.Problem(w, http.StatusConflict, "Payment In Flight", err.Error())
	case errors.Is(err, ErrIntentFinalized):
		httpx.Problem(w, http.StatusConflict, "Intent Finalized", err.Error())
	case errors.Is(err, ErrIntentMismatch):
		httpx.Problem(w, http.StatusConflict, "Intent Mismatch", err.Error())
	case errors.Is(err, ErrInvoiceNotPayable), errors.Is(err, invoices.ErrOverpaymentRejected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Payable", err.Error())
	case errors.Is(err, invoices.ErrFrozen):
		httpx.Problem(w, http.StatusLocked, "Invoice Frozen", err.Error())
	case errors.Is(err, ErrProviderVerificationFailed):
		httpx.Problem(w, http.StatusBadGateway, "Provider Verification Failed", err.Error())
	case errors.Is(err, ErrUnknownProvider):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unknown Provider", err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
