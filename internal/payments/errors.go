package payments

import "errors"

// Domain errors for payments.
var (
	// ErrIntentNotFound indicates the referenced payment intent was not found.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrPaymentInFlight indicates another intent is already pending for the
	// invoice; the caller must wait for resolution or cancel it first.
	ErrPaymentInFlight = errors.New("another payment attempt is in flight for this invoice")
	// ErrProviderVerificationFailed indicates the provider-side confirmation
	// could not be obtained or did not match; no credit was applied.
	ErrProviderVerificationFailed = errors.New("payment provider verification failed")
	// ErrUnknownProvider indicates an unsupported payment rail.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrIntentMismatch indicates the intent does not belong to the invoice
	// named in the confirmation request.
	ErrIntentMismatch = errors.New("payment intent does not match invoice")
	// ErrInvoiceNotPayable indicates the invoice cannot take payments in its
	// current state.
	ErrInvoiceNotPayable = errors.New("invoice is not payable")
	// ErrIntentFinalized indicates the intent already reached a terminal
	// status and cannot be cancelled.
	ErrIntentFinalized = errors.New("payment intent is already finalized")
)
