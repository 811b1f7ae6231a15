package invoices

import "errors"

// Domain errors for invoices.
var (
	// ErrNotFound indicates the requested invoice was not found.
	ErrNotFound = errors.New("invoice not found")

	// Status transition errors.
	ErrInvalidTransition = errors.New("invoice status does not allow this operation")
	ErrCancelSettled     = errors.New("cannot cancel an invoice with recorded payments")
	ErrQuoteNotAccepted  = errors.New("quote must be accepted before invoicing")

	// Settlement errors.
	ErrOverpaymentRejected = errors.New("settlement exceeds the remaining balance")
	ErrInvalidAmount       = errors.New("settlement amount must be positive")
	// ErrFrozen indicates the invoice is locked pending manual reconciliation
	// after an integrity fault; no automatic settlement may touch it.
	ErrFrozen = errors.New("invoice frozen pending manual reconciliation")
)
