package invoices

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/quotes"
)

type CreateInvoiceRequest struct {
	GarageID      uuid.UUID                   `json:"garage_id" validate:"required"`
	ClientID      uuid.UUID                   `json:"client_id" validate:"required"`
	AppointmentID *uuid.UUID                  `json:"appointment_id,omitempty"`
	Items         []quotes.CreateQuoteLineReq `json:"items" validate:"required,min=1,dive"`
	TaxRate       decimal.Decimal             `json:"tax_rate"`
	Notes         *string                     `json:"notes,omitempty"`
	DueDate       time.Time                   `json:"due_date" validate:"required"`
}

type FromQuoteRequest struct {
	DueDate time.Time `json:"due_date" validate:"required"`
}

// ApplySettlementInput is the single mutation path for crediting an invoice.
// IdempotencyKey makes replays of the same settlement event a no-op.
type ApplySettlementInput struct {
	InvoiceID      uuid.UUID
	Amount         decimal.Decimal
	Method         string
	Provider       string
	IdempotencyKey string
}

type ListInvoicesRequest struct {
	GarageID      *uuid.UUID `json:"garage_id,omitempty"`
	ClientID      *uuid.UUID `json:"client_id,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Status        *Status    `json:"status,omitempty"`
	Limit         int        `json:"limit" validate:"gte=0,lte=200"`
	Offset        int        `json:"offset" validate:"gte=0"`
}
