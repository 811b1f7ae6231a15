package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider identifies a payment rail.
type Provider string

const (
	ProviderCard        Provider = "card"
	ProviderMobileMoney Provider = "mobile_money"
)

// IntentStatus enumerates payment intent states.
type IntentStatus string

const (
	IntentCreated   IntentStatus = "created"
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentCancelled IntentStatus = "cancelled"
)

// InFlight reports whether the intent still blocks new attempts on its invoice.
func (s IntentStatus) InFlight() bool {
	return s == IntentCreated || s == IntentPending
}

// Intent records one attempted payment transaction through a given provider.
// At most one intent per invoice may be in flight at a time.
type Intent struct {
	ID          uuid.UUID       `json:"id"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	Provider    Provider        `json:"provider"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ProviderRef string          `json:"provider_reference,omitempty"`
	Status      IntentStatus    `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Customer carries the payer details some providers require at checkout.
type Customer struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}
