package invoices

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/blomoto/blomoto-billing/internal/linker"
	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/quotes"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// memoryRepo serializes WithTx bodies on one mutex, standing in for the row
// lock, and restores a snapshot when the body fails, standing in for rollback.
type memoryRepo struct {
	txMu        sync.Mutex
	mu          sync.Mutex
	invoices    map[uuid.UUID]*Invoice
	settlements []Settlement
	keys        map[string]bool
	counter     int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		keys:     make(map[string]bool),
	}
}

func (r *memoryRepo) snapshot() (map[uuid.UUID]*Invoice, []Settlement, map[string]bool) {
	invs := make(map[uuid.UUID]*Invoice, len(r.invoices))
	for id, inv := range r.invoices {
		clone := *inv
		invs[id] = &clone
	}
	keys := make(map[string]bool, len(r.keys))
	for k, v := range r.keys {
		keys[k] = v
	}
	return invs, append([]Settlement(nil), r.settlements...), keys
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	invs, setts, keys := r.snapshot()
	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		r.invoices, r.settlements, r.keys = invs, setts, keys
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) Create(ctx context.Context, inv Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv.QuoteID != nil {
		for _, existing := range r.invoices {
			if existing.QuoteID != nil && *existing.QuoteID == *inv.QuoteID {
				return linker.ErrAlreadyConverted
			}
		}
	}
	// Mirrors the partial unique index: cancelled invoices do not hold the slot.
	if inv.AppointmentID != nil {
		for _, existing := range r.invoices {
			if existing.AppointmentID != nil && *existing.AppointmentID == *inv.AppointmentID &&
				existing.Status != StatusCancelled {
				return linker.ErrAppointmentInvoiced
			}
		}
	}
	clone := inv
	r.invoices[inv.ID] = &clone
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *inv
	return &clone, nil
}

func (r *memoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.Get(ctx, id)
}

func (r *memoryRepo) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		out = append(out, *inv)
	}
	return out, len(out), nil
}

func (r *memoryRepo) GenerateNumber(ctx context.Context, at time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return fmt.Sprintf("FAC-%d-%04d", at.Year(), r.counter), nil
}

func (r *memoryRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return false, ErrNotFound
	}
	if inv.Status != from {
		return false, nil
	}
	inv.Status = to
	return true, nil
}

func (r *memoryRepo) MarkDelivery(ctx context.Context, id uuid.UUID, chat, email bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.SentViaChat = inv.SentViaChat || chat
	inv.SentViaEmail = inv.SentViaEmail || email
	return nil
}

func (r *memoryRepo) ConsumeIdempotencyKey(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	r.keys[key] = true
	return nil
}

func (r *memoryRepo) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[rec.InvoiceID]
	if !ok {
		return ErrNotFound
	}
	inv.PaidAmount = rec.NewPaidAmount
	inv.Status = rec.NewStatus
	inv.PaidAt = rec.PaidAt
	inv.PaymentMethod = &rec.Method
	r.settlements = append(r.settlements, Settlement{
		ID:             uuid.New(),
		InvoiceID:      rec.InvoiceID,
		Amount:         rec.Amount,
		Method:         rec.Method,
		Provider:       rec.Provider,
		IdempotencyKey: rec.IdempotencyKey,
	})
	return nil
}

func (r *memoryRepo) ListSettlements(ctx context.Context, invoiceID uuid.UUID) ([]Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Settlement
	for _, s := range r.settlements {
		if s.InvoiceID == invoiceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkNeedsReview(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.NeedsReview = true
	return nil
}

func (r *memoryRepo) ExistsForQuote(ctx context.Context, quoteID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.QuoteID != nil && *inv.QuoteID == quoteID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ExistsForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.AppointmentID != nil && *inv.AppointmentID == appointmentID && inv.Status != StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) MarkOverdueStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, inv := range r.invoices {
		if inv.Status == StatusSent && now.After(inv.DueDate) && inv.PaidAmount.LessThan(inv.Total) {
			inv.Status = StatusOverdue
			n++
		}
	}
	return n, nil
}

type quoteSourceStub struct {
	mu     sync.Mutex
	quotes map[uuid.UUID]*quotes.Quote
}

func (s *quoteSourceStub) Get(ctx context.Context, id uuid.UUID) (*quotes.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, quotes.ErrNotFound
	}
	clone := *q
	return &clone, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acceptedQuote() *quotes.Quote {
	return &quotes.Quote{
		ID:       uuid.New(),
		Number:   "DEV-2026-0001",
		GarageID: uuid.New(),
		ClientID: uuid.New(),
		Items: []money.Line{
			{Description: "Vidange moteur", Quantity: 1, UnitPrice: decimal.NewFromInt(15000)},
		},
		TaxRate:    decimal.NewFromInt(18),
		Subtotal:   decimal.NewFromInt(15000),
		Tax:        decimal.NewFromInt(2700),
		Total:      decimal.NewFromInt(17700),
		Status:     quotes.StatusAccepted,
		ValidUntil: time.Now().Add(24 * time.Hour),
	}
}

func newTestService(t *testing.T, qs *quoteSourceStub) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	if qs == nil {
		qs = &quoteSourceStub{quotes: make(map[uuid.UUID]*quotes.Quote)}
	}
	return NewService(repo, qs, nil, nil, testLogger()), repo
}

func sentInvoice(t *testing.T, svc *Service, repo *memoryRepo, total int64) *Invoice {
	t.Helper()
	inv, err := svc.CreateDirect(context.Background(), CreateInvoiceRequest{
		GarageID: uuid.New(),
		ClientID: uuid.New(),
		Items: []quotes.CreateQuoteLineReq{
			{Description: "Reparation", Quantity: 1, UnitPrice: decimal.NewFromInt(total)},
		},
		DueDate: time.Now().Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)
	inv, err = svc.Send(context.Background(), inv.ID, quotes.DeliveryChannels{})
	require.NoError(t, err)
	return inv
}

func TestCreateFromQuoteCopiesSnapshot(t *testing.T) {
	q := acceptedQuote()
	qs := &quoteSourceStub{quotes: map[uuid.UUID]*quotes.Quote{q.ID: q}}
	svc, _ := newTestService(t, qs)

	inv, err := svc.CreateFromQuote(context.Background(), q.ID, time.Now().Add(7*24*time.Hour))
	require.NoError(t, err)
	// The client already accepted the quote, so the invoice is born payable.
	require.Equal(t, StatusSent, inv.Status)
	require.Equal(t, q.ID, *inv.QuoteID)
	require.True(t, inv.Total.Equal(q.Total))
	require.Len(t, inv.Items, 1)

	// Later changes to the quote do not reach the snapshot.
	qs.mu.Lock()
	q.Items[0].UnitPrice = decimal.NewFromInt(99999)
	qs.mu.Unlock()
	got, err := svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, got.Items[0].UnitPrice.Equal(decimal.NewFromInt(15000)))
}

func TestQuoteDerivedInvoiceSettlesImmediately(t *testing.T) {
	q := acceptedQuote()
	qs := &quoteSourceStub{quotes: map[uuid.UUID]*quotes.Quote{q.ID: q}}
	svc, _ := newTestService(t, qs)

	inv, err := svc.CreateFromQuote(context.Background(), q.ID, time.Now().Add(7*24*time.Hour))
	require.NoError(t, err)

	// No send step in between: conversion alone makes the invoice payable.
	paid, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID:      inv.ID,
		Amount:         inv.Total,
		Method:         "mobile_money",
		Provider:       "fedapay",
		IdempotencyKey: "tx-123",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.True(t, paid.Balance().IsZero())
}

func TestCreateFromQuoteRequiresAcceptance(t *testing.T) {
	q := acceptedQuote()
	q.Status = quotes.StatusSent
	qs := &quoteSourceStub{quotes: map[uuid.UUID]*quotes.Quote{q.ID: q}}
	svc, _ := newTestService(t, qs)

	_, err := svc.CreateFromQuote(context.Background(), q.ID, time.Now().Add(24*time.Hour))
	require.ErrorIs(t, err, ErrQuoteNotAccepted)
}

func TestQuoteConvertsAtMostOnce(t *testing.T) {
	q := acceptedQuote()
	qs := &quoteSourceStub{quotes: map[uuid.UUID]*quotes.Quote{q.ID: q}}
	svc, _ := newTestService(t, qs)

	_, err := svc.CreateFromQuote(context.Background(), q.ID, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	_, err = svc.CreateFromQuote(context.Background(), q.ID, time.Now().Add(24*time.Hour))
	require.ErrorIs(t, err, linker.ErrAlreadyConverted)
}

func TestFullSettlementMarksPaid(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 17700)

	paid, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID:      inv.ID,
		Amount:         decimal.NewFromInt(17700),
		Method:         "card",
		Provider:       "stripe",
		IdempotencyKey: "pi_full",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	require.True(t, paid.Balance().IsZero())
}

func TestPartialSettlementKeepsStatus(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 17700)

	part, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID:      inv.ID,
		Amount:         decimal.NewFromInt(10000),
		Method:         "mobile_money",
		IdempotencyKey: "tx_part",
	})
	require.NoError(t, err)
	require.Equal(t, StatusSent, part.Status)
	require.True(t, part.PaidAmount.Equal(decimal.NewFromInt(10000)))
	require.Nil(t, part.PaidAt)
}

func TestSettlementReplayIsNoOp(t *testing.T) {
	svc, repo := newTestService(t, nil)
	inv := sentInvoice(t, svc, repo, 17700)

	in := ApplySettlementInput{
		InvoiceID:      inv.ID,
		Amount:         decimal.NewFromInt(10000),
		Method:         "card",
		IdempotencyKey: "pi_once",
	}
	_, err := svc.ApplySettlement(context.Background(), in)
	require.NoError(t, err)

	replay, err := svc.ApplySettlement(context.Background(), in)
	require.NoError(t, err)
	require.True(t, replay.PaidAmount.Equal(decimal.NewFromInt(10000)))

	setts, err := svc.Settlements(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, setts, 1)
}

func TestOverpaymentRejectedAndKeyReleased(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 17700)

	_, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID:      inv.ID,
		Amount:         decimal.NewFromInt(20000),
		Method:         "card",
		IdempotencyKey: "pi_over",
	})
	require.ErrorIs(t, err, ErrOverpaymentRejected)

	// The rejection rolled back the key burn; the corrected retry succeeds.
	paid, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID:      inv.ID,
		Amount:         decimal.NewFromInt(17700),
		Method:         "card",
		IdempotencyKey: "pi_over",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
}

func TestSettlingPaidInvoiceRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 17700)

	_, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv.ID, Amount: decimal.NewFromInt(17700), Method: "card", IdempotencyKey: "pi_1",
	})
	require.NoError(t, err)

	_, err = svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv.ID, Amount: decimal.NewFromInt(100), Method: "card", IdempotencyKey: "pi_2",
	})
	require.ErrorIs(t, err, ErrOverpaymentRejected)
}

func TestSettlingDraftRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv, err := svc.CreateDirect(context.Background(), CreateInvoiceRequest{
		GarageID: uuid.New(),
		ClientID: uuid.New(),
		Items:    []quotes.CreateQuoteLineReq{{Description: "Pneu", Quantity: 1, UnitPrice: decimal.NewFromInt(30000)}},
		DueDate:  time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv.ID, Amount: decimal.NewFromInt(100), Method: "card", IdempotencyKey: "pi_draft",
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentPartialSettlements(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 30000)

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("tx_%d", i)
		g.Go(func() error {
			_, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
				InvoiceID:      inv.ID,
				Amount:         decimal.NewFromInt(10000),
				Method:         "mobile_money",
				IdempotencyKey: key,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	final, err := svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, final.Status)
	require.True(t, final.PaidAmount.Equal(decimal.NewFromInt(30000)))

	setts, err := svc.Settlements(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, setts, 3)
}

func TestIntegrityFaultFreezesInvoice(t *testing.T) {
	svc, repo := newTestService(t, nil)
	inv := sentInvoice(t, svc, repo, 17700)

	// Corrupt the stored paid amount beyond the total.
	repo.mu.Lock()
	repo.invoices[inv.ID].PaidAmount = decimal.NewFromInt(20000)
	repo.mu.Unlock()

	_, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv.ID, Amount: decimal.NewFromInt(100), Method: "card", IdempotencyKey: "pi_bad",
	})
	require.ErrorIs(t, err, ErrFrozen)

	got, err := svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, got.NeedsReview)

	// Frozen invoices reject further settlement.
	_, err = svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv.ID, Amount: decimal.NewFromInt(100), Method: "card", IdempotencyKey: "pi_bad2",
	})
	require.ErrorIs(t, err, ErrFrozen)
}

type noQuoteLookup struct{}

func (noQuoteLookup) HasActiveForAppointment(ctx context.Context, id uuid.UUID) (bool, error) {
	return false, nil
}

func TestCancelledInvoiceFreesAppointmentSlot(t *testing.T) {
	repo := newMemoryRepo()
	qs := &quoteSourceStub{quotes: make(map[uuid.UUID]*quotes.Quote)}
	svc := NewService(repo, qs, linker.New(noQuoteLookup{}, repo), nil, testLogger())

	appt := uuid.New()
	directReq := func() CreateInvoiceRequest {
		return CreateInvoiceRequest{
			GarageID:      uuid.New(),
			ClientID:      uuid.New(),
			AppointmentID: &appt,
			Items: []quotes.CreateQuoteLineReq{
				{Description: "Vidange", Quantity: 1, UnitPrice: decimal.NewFromInt(15000)},
			},
			DueDate: time.Now().Add(7 * 24 * time.Hour),
		}
	}

	first, err := svc.CreateDirect(context.Background(), directReq())
	require.NoError(t, err)

	// The slot is taken while the first invoice is live.
	_, err = svc.CreateDirect(context.Background(), directReq())
	require.ErrorIs(t, err, linker.ErrAppointmentInvoiced)

	_, err = svc.Cancel(context.Background(), first.ID)
	require.NoError(t, err)

	// Cancellation releases the appointment for a fresh invoice.
	_, err = svc.CreateDirect(context.Background(), directReq())
	require.NoError(t, err)
}

func TestCancelRules(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 17700)

	cancelled, err := svc.Cancel(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	// Settled invoices cannot be cancelled.
	inv2 := sentInvoice(t, svc, nil, 17700)
	_, err = svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv2.ID, Amount: decimal.NewFromInt(5000), Method: "card", IdempotencyKey: "pi_c",
	})
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), inv2.ID)
	require.ErrorIs(t, err, ErrCancelSettled)
}

func TestOverdueDerivedAndSwept(t *testing.T) {
	svc, _ := newTestService(t, nil)
	inv := sentInvoice(t, svc, nil, 17700)

	svc.SetClock(func() time.Time { return inv.DueDate.Add(time.Hour) })

	got, err := svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)

	n, err := svc.MarkOverdueStale(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Overdue invoices still settle.
	paid, err := svc.ApplySettlement(context.Background(), ApplySettlementInput{
		InvoiceID: inv.ID, Amount: decimal.NewFromInt(17700), Method: "card", IdempotencyKey: "pi_late",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
}
