package linker

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type lookupStub struct {
	pendingQuote   bool
	quoteConverted bool
	invoiced       bool
}

func (s lookupStub) HasActiveForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	return s.pendingQuote, nil
}

func (s lookupStub) ExistsForQuote(ctx context.Context, quoteID uuid.UUID) (bool, error) {
	return s.quoteConverted, nil
}

func (s lookupStub) ExistsForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	return s.invoiced, nil
}

func TestEnsureQuoteSlot(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	l := New(lookupStub{}, lookupStub{})
	require.NoError(t, l.EnsureQuoteSlot(ctx, nil))
	require.NoError(t, l.EnsureQuoteSlot(ctx, &id))

	l = New(lookupStub{pendingQuote: true}, lookupStub{})
	require.ErrorIs(t, l.EnsureQuoteSlot(ctx, &id), ErrQuoteAlreadyPending)
	// Unattached quotes are never blocked.
	require.NoError(t, l.EnsureQuoteSlot(ctx, nil))
}

func TestEnsureInvoiceSlot(t *testing.T) {
	ctx := context.Background()
	quoteID := uuid.New()
	appointmentID := uuid.New()

	l := New(lookupStub{}, lookupStub{})
	require.NoError(t, l.EnsureInvoiceSlot(ctx, nil, nil))
	require.NoError(t, l.EnsureInvoiceSlot(ctx, &quoteID, &appointmentID))

	l = New(lookupStub{}, lookupStub{quoteConverted: true})
	require.ErrorIs(t, l.EnsureInvoiceSlot(ctx, &quoteID, nil), ErrAlreadyConverted)

	l = New(lookupStub{}, lookupStub{invoiced: true})
	require.ErrorIs(t, l.EnsureInvoiceSlot(ctx, nil, &appointmentID), ErrAppointmentInvoiced)
}
