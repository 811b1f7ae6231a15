package quotes

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateQuoteRequest struct {
	GarageID      uuid.UUID            `json:"garage_id" validate:"required"`
	ClientID      uuid.UUID            `json:"client_id" validate:"required"`
	AppointmentID *uuid.UUID           `json:"appointment_id,omitempty"`
	Items         []CreateQuoteLineReq `json:"items" validate:"required,min=1,dive"`
	TaxRate       decimal.Decimal      `json:"tax_rate"`
	Notes         *string              `json:"notes,omitempty"`
	ValidUntil    *time.Time           `json:"valid_until,omitempty"`
}

type CreateQuoteLineReq struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// DeliveryChannels selects how a sent quote is delivered to the client.
type DeliveryChannels struct {
	Chat  bool `json:"chat"`
	Email bool `json:"email"`
}

type ListQuotesRequest struct {
	GarageID      *uuid.UUID `json:"garage_id,omitempty"`
	ClientID      *uuid.UUID `json:"client_id,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Status        *Status    `json:"status,omitempty"`
	Limit         int        `json:"limit" validate:"gte=0,lte=200"`
	Offset        int        `json:"offset" validate:"gte=0"`
}
