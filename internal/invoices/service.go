package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/notify"
	"github.com/blomoto/blomoto-billing/internal/quotes"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// QuoteSource fetches quotes for invoice derivation.
type QuoteSource interface {
	Get(ctx context.Context, id uuid.UUID) (*quotes.Quote, error)
}

// LinkGuard checks quote/appointment cardinality before invoice creation.
type LinkGuard interface {
	EnsureInvoiceSlot(ctx context.Context, quoteID, appointmentID *uuid.UUID) error
}

// errReplay aborts the settlement transaction when the idempotency key was
// already consumed; the caller then re-reads and returns the current state.
var errReplay = errors.New("settlement replay")

// errIntegrity aborts the transaction on an observed paid amount above total.
var errIntegrity = errors.New("integrity fault")

// Service drives the invoice lifecycle and is the only writer of paid amounts.
type Service struct {
	repo     Repository
	quotes   QuoteSource
	guard    LinkGuard
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a Service instance.
func NewService(repo Repository, quoteSource QuoteSource, guard LinkGuard, notifier notify.Dispatcher, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.NopDispatcher{}
	}
	return &Service{
		repo:     repo,
		quotes:   quoteSource,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateFromQuote materializes an invoice from an accepted quote, copying the
// quote's item snapshot and totals verbatim. A quote converts at most once.
// The invoice starts in sent: the client already received and accepted the
// underlying quote, so it is immediately payable.
func (s *Service) CreateFromQuote(ctx context.Context, quoteID uuid.UUID, dueDate time.Time) (*Invoice, error) {
	q, err := s.quotes.Get(ctx, quoteID)
	if err != nil {
		if errors.Is(err, quotes.ErrNotFound) {
			return nil, fmt.Errorf("%w: quote %s", ErrNotFound, quoteID)
		}
		return nil, err
	}
	if q.Status != quotes.StatusAccepted {
		return nil, fmt.Errorf("%w: quote is %s", ErrQuoteNotAccepted, q.Status)
	}
	if s.guard != nil {
		if err := s.guard.EnsureInvoiceSlot(ctx, &q.ID, nil); err != nil {
			return nil, err
		}
	}

	inv := Invoice{
		ID:            uuid.New(),
		GarageID:      q.GarageID,
		ClientID:      q.ClientID,
		AppointmentID: q.AppointmentID,
		QuoteID:       &q.ID,
		Items:         append([]money.Line(nil), q.Items...),
		TaxRate:       q.TaxRate,
		Subtotal:      q.Subtotal,
		Tax:           q.Tax,
		Total:         q.Total,
		PaidAmount:    decimal.Zero,
		Status:        StatusSent,
		Notes:         q.Notes,
		DueDate:       dueDate,
	}
	return s.create(ctx, inv)
}

// CreateDirect builds an invoice for work not quoted in advance.
func (s *Service) CreateDirect(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	items := make([]money.Line, 0, len(req.Items))
	for _, l := range req.Items {
		items = append(items, money.Line{Description: l.Description, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	totals, err := money.Compute(items, req.TaxRate)
	if err != nil {
		return nil, err
	}
	if s.guard != nil {
		if err := s.guard.EnsureInvoiceSlot(ctx, nil, req.AppointmentID); err != nil {
			return nil, err
		}
	}

	inv := Invoice{
		ID:            uuid.New(),
		GarageID:      req.GarageID,
		ClientID:      req.ClientID,
		AppointmentID: req.AppointmentID,
		Items:         items,
		TaxRate:       req.TaxRate,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Total:         totals.Total,
		PaidAmount:    decimal.Zero,
		Status:        StatusDraft,
		Notes:         req.Notes,
		DueDate:       req.DueDate,
	}
	return s.create(ctx, inv)
}

func (s *Service) create(ctx context.Context, inv Invoice) (*Invoice, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		number, err := repo.GenerateNumber(ctx, s.now())
		if err != nil {
			return err
		}
		inv.Number = number
		return repo.Create(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, inv.ID)
}

// Send transitions a draft invoice to sent and requests delivery.
func (s *Service) Send(ctx context.Context, id uuid.UUID, channels quotes.DeliveryChannels) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot send a %s invoice", ErrInvalidTransition, inv.Status)
	}
	moved, err := s.repo.TransitionStatus(ctx, id, StatusDraft, StatusSent)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: invoice is no longer a draft", ErrInvalidTransition)
	}
	if channels.Chat || channels.Email {
		if err := s.repo.MarkDelivery(ctx, id, channels.Chat, channels.Email); err != nil {
			return nil, err
		}
		if err := s.notifier.InvoiceIssued(ctx, notify.Delivery{
			DocumentID: inv.ID.String(),
			Number:     inv.Number,
			ClientID:   inv.ClientID.String(),
			GarageID:   inv.GarageID.String(),
			Total:      inv.Total.String(),
			Currency:   money.DefaultCurrency,
			ViaChat:    channels.Chat,
			ViaEmail:   channels.Email,
		}); err != nil {
			s.logger.Warn("invoice delivery enqueue failed",
				slog.String("invoice", inv.Number), slog.Any("error", err))
		}
	}
	return s.repo.Get(ctx, id)
}

// ApplySettlement credits the invoice by the given amount, exactly once per
// idempotency key. Concurrent settlements on one invoice serialize on the row
// lock; a replayed key returns the current state without double-crediting; an
// overpayment attempt fails without touching either the invoice or the key.
func (s *Service) ApplySettlement(ctx context.Context, in ApplySettlementInput) (*Invoice, error) {
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if in.IdempotencyKey == "" {
		return nil, errors.New("invoices: idempotency key required")
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.ConsumeIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return errReplay
			}
			return err
		}

		inv, err := repo.GetForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if inv.NeedsReview {
			return ErrFrozen
		}
		if inv.PaidAmount.GreaterThan(inv.Total) {
			return errIntegrity
		}
		switch inv.Status {
		case StatusSent, StatusOverdue:
		case StatusPaid:
			return fmt.Errorf("%w: invoice is already paid", ErrOverpaymentRejected)
		default:
			return fmt.Errorf("%w: cannot settle a %s invoice", ErrInvalidTransition, inv.Status)
		}

		newPaid := inv.PaidAmount.Add(in.Amount)
		if newPaid.GreaterThan(inv.Total) {
			return ErrOverpaymentRejected
		}

		rec := SettlementRecord{
			InvoiceID:      in.InvoiceID,
			Amount:         in.Amount,
			Method:         in.Method,
			Provider:       in.Provider,
			IdempotencyKey: in.IdempotencyKey,
			NewPaidAmount:  newPaid,
			NewStatus:      inv.EffectiveStatus(s.now()),
		}
		if newPaid.Equal(inv.Total) {
			paidAt := s.now()
			rec.NewStatus = StatusPaid
			rec.PaidAt = &paidAt
		}
		return repo.RecordSettlement(ctx, rec)
	})

	switch {
	case err == nil:
	case errors.Is(err, errReplay):
		// Duplicate delivery of an already-applied settlement event.
		s.logger.Info("settlement replay ignored",
			slog.String("invoice", in.InvoiceID.String()), slog.String("key", in.IdempotencyKey))
	case errors.Is(err, errIntegrity):
		// Data-integrity fault: freeze the invoice rather than clamping.
		s.logger.Error("invoice paid amount exceeds total, freezing",
			slog.String("invoice", in.InvoiceID.String()))
		if markErr := s.repo.MarkNeedsReview(ctx, in.InvoiceID); markErr != nil {
			s.logger.Error("freeze invoice failed", slog.Any("error", markErr))
		}
		return nil, ErrFrozen
	default:
		return nil, err
	}

	return s.repo.Get(ctx, in.InvoiceID)
}

// Cancel voids an invoice that has no recorded payments.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var out *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		inv, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch inv.Status {
		case StatusDraft, StatusSent, StatusOverdue:
		default:
			return fmt.Errorf("%w: cannot cancel a %s invoice", ErrInvalidTransition, inv.Status)
		}
		if inv.PaidAmount.GreaterThan(decimal.Zero) {
			return ErrCancelSettled
		}
		moved, err := repo.TransitionStatus(ctx, id, inv.Status, StatusCancelled)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: invoice moved concurrently", ErrInvalidTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out, err = s.repo.Get(ctx, id)
	return out, err
}

// Get fetches one invoice with its derived status.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Status = inv.EffectiveStatus(s.now())
	return inv, nil
}

// List returns invoices matching the filter with derived statuses.
func (s *Service) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	out, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for i := range out {
		out[i].Status = out[i].EffectiveStatus(now)
	}
	return out, total, nil
}

// Settlements lists the ledger rows applied to an invoice.
func (s *Service) Settlements(ctx context.Context, invoiceID uuid.UUID) ([]Settlement, error) {
	return s.repo.ListSettlements(ctx, invoiceID)
}

// MarkOverdueStale persists overdue statuses; used by the sweep.
func (s *Service) MarkOverdueStale(ctx context.Context) (int64, error) {
	return s.repo.MarkOverdueStale(ctx, s.now())
}
