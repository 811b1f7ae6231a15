package quotes

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/money"
)

// Status enumerates quote lifecycle states.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Quote is a priced proposal of work awaiting client acceptance. Line items are
// mutable only while the quote is a draft; once sent, only the status moves.
type Quote struct {
	ID            uuid.UUID       `json:"id"`
	Number        string          `json:"number"`
	GarageID      uuid.UUID       `json:"garage_id"`
	ClientID      uuid.UUID       `json:"client_id"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	Items         []money.Line    `json:"items"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	Status        Status          `json:"status"`
	Notes         *string         `json:"notes,omitempty"`
	ValidUntil    time.Time       `json:"valid_until"`
	SentViaChat   bool            `json:"sent_via_chat"`
	SentViaEmail  bool            `json:"sent_via_email"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EffectiveStatus derives the observable status at a point in time. A draft or
// sent quote past its validity window reads as expired even before the stored
// status catches up; terminal states are never re-derived.
func (q *Quote) EffectiveStatus(now time.Time) Status {
	if q.Status.Terminal() {
		return q.Status
	}
	if now.After(q.ValidUntil) {
		return StatusExpired
	}
	return q.Status
}
