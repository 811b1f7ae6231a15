package payments

// CreateIntentRequest opens a payment attempt on an invoice.
type CreateIntentRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required,uuid4"`
	Provider  string `json:"provider" validate:"required,oneof=card mobile_money"`
	// Amount is optional; empty means the full open balance.
	Amount        string `json:"amount" validate:"omitempty"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone string `json:"customer_phone"`
}

// ConfirmCardRequest finalizes a card payment after client-side confirmation.
type ConfirmCardRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
	InvoiceID       string `json:"invoice_id" validate:"required,uuid4"`
}
