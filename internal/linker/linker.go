// Package linker enforces the appointment → quote → invoice cardinality rules:
// an appointment carries at most one non-terminal quote and at most one
// invoice, and a quote converts to at most one invoice. It is an invariant
// checker invoked by the quote and invoice services, not a standalone service.
package linker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrQuoteAlreadyPending indicates the appointment already has a draft or
	// sent quote; a terminal (rejected/expired) quote does not block new ones.
	ErrQuoteAlreadyPending = errors.New("appointment already has a pending quote")
	// ErrAlreadyConverted indicates an invoice already references the quote.
	ErrAlreadyConverted = errors.New("quote already converted to an invoice")
	// ErrAppointmentInvoiced indicates the appointment already has an invoice.
	ErrAppointmentInvoiced = errors.New("appointment already has an invoice")
)

// QuoteLookup reports quote existence facts.
type QuoteLookup interface {
	HasActiveForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error)
}

// InvoiceLookup reports invoice existence facts.
type InvoiceLookup interface {
	ExistsForQuote(ctx context.Context, quoteID uuid.UUID) (bool, error)
	ExistsForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error)
}

// Linker checks cross-entity cardinality before document creation.
type Linker struct {
	quotes   QuoteLookup
	invoices InvoiceLookup
}

// New constructs a Linker.
func New(quotes QuoteLookup, invoices InvoiceLookup) *Linker {
	return &Linker{quotes: quotes, invoices: invoices}
}

// EnsureQuoteSlot verifies the appointment can take a new quote. A nil
// appointment means the quote is unattached and always admissible.
func (l *Linker) EnsureQuoteSlot(ctx context.Context, appointmentID *uuid.UUID) error {
	if appointmentID == nil {
		return nil
	}
	pending, err := l.quotes.HasActiveForAppointment(ctx, *appointmentID)
	if err != nil {
		return fmt.Errorf("linker: check pending quote: %w", err)
	}
	if pending {
		return ErrQuoteAlreadyPending
	}
	return nil
}

// EnsureInvoiceSlot verifies neither the quote nor the appointment is already
// invoiced. Either reference may be nil.
func (l *Linker) EnsureInvoiceSlot(ctx context.Context, quoteID, appointmentID *uuid.UUID) error {
	if quoteID != nil {
		converted, err := l.invoices.ExistsForQuote(ctx, *quoteID)
		if err != nil {
			return fmt.Errorf("linker: check converted quote: %w", err)
		}
		if converted {
			return ErrAlreadyConverted
		}
	}
	if appointmentID != nil {
		invoiced, err := l.invoices.ExistsForAppointment(ctx, *appointmentID)
		if err != nil {
			return fmt.Errorf("linker: check invoiced appointment: %w", err)
		}
		if invoiced {
			return ErrAppointmentInvoiced
		}
	}
	return nil
}
