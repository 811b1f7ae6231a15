package invoices

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/money"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

// Invoice tracks the amount owed and paid against accepted or direct work. Line
// items are a snapshot: an invoice derived from a quote copies the quote's
// items and totals verbatim and never follows the quote afterwards.
type Invoice struct {
	ID            uuid.UUID       `json:"id"`
	Number        string          `json:"number"`
	GarageID      uuid.UUID       `json:"garage_id"`
	ClientID      uuid.UUID       `json:"client_id"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	QuoteID       *uuid.UUID      `json:"quote_id,omitempty"`
	Items         []money.Line    `json:"items"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Status        Status          `json:"status"`
	DueDate       time.Time       `json:"due_date"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaymentMethod *string         `json:"payment_method,omitempty"`
	Notes         *string         `json:"notes,omitempty"`
	SentViaChat   bool            `json:"sent_via_chat"`
	SentViaEmail  bool            `json:"sent_via_email"`
	// NeedsReview freezes the invoice from automatic settlement after a
	// data-integrity fault (observed paid amount above total) until a human
	// reconciles it.
	NeedsReview bool      `json:"needs_review"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Balance returns the amount still owed.
func (inv *Invoice) Balance() decimal.Decimal {
	return inv.Total.Sub(inv.PaidAmount)
}

// EffectiveStatus derives the observable status at a point in time: a sent
// invoice past its due date with an open balance reads as overdue.
func (inv *Invoice) EffectiveStatus(now time.Time) Status {
	if inv.Status == StatusSent && now.After(inv.DueDate) && inv.PaidAmount.LessThan(inv.Total) {
		return StatusOverdue
	}
	return inv.Status
}

// Settlement is one provider-confirmed payment application, kept as a ledger row.
type Settlement struct {
	ID             uuid.UUID       `json:"id"`
	InvoiceID      uuid.UUID       `json:"invoice_id"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	Provider       string          `json:"provider,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}
