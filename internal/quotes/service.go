package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/notify"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// DefaultValidity is applied when a quote is created without valid_until.
const DefaultValidity = 30 * 24 * time.Hour

// AppointmentGuard checks appointment cardinality before quote creation.
type AppointmentGuard interface {
	EnsureQuoteSlot(ctx context.Context, appointmentID *uuid.UUID) error
}

// Service drives the quote lifecycle.
type Service struct {
	repo     Repository
	guard    AppointmentGuard
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a Service instance.
func NewService(repo Repository, guard AppointmentGuard, notifier notify.Dispatcher, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.NopDispatcher{}
	}
	return &Service{
		repo:     repo,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create builds and prices a draft quote.
func (s *Service) Create(ctx context.Context, req CreateQuoteRequest) (*Quote, error) {
	items := make([]money.Line, 0, len(req.Items))
	for _, l := range req.Items {
		items = append(items, money.Line{Description: l.Description, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	totals, err := money.Compute(items, req.TaxRate)
	if err != nil {
		return nil, err
	}

	now := s.now()
	validUntil := now.Add(DefaultValidity)
	if req.ValidUntil != nil {
		if !req.ValidUntil.After(now) {
			return nil, ErrValidUntilPast
		}
		validUntil = *req.ValidUntil
	}

	if s.guard != nil {
		if err := s.guard.EnsureQuoteSlot(ctx, req.AppointmentID); err != nil {
			return nil, err
		}
	}

	q := Quote{
		ID:            uuid.New(),
		GarageID:      req.GarageID,
		ClientID:      req.ClientID,
		AppointmentID: req.AppointmentID,
		Items:         items,
		TaxRate:       req.TaxRate,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Total:         totals.Total,
		Status:        StatusDraft,
		Notes:         req.Notes,
		ValidUntil:    validUntil,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		number, err := repo.GenerateNumber(ctx, now)
		if err != nil {
			return err
		}
		q.Number = number
		return repo.Create(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, q.ID)
}

// Send transitions a draft quote to sent and requests delivery over the chosen
// channels. Delivery is fire-and-forget: enqueue failures are logged, never
// propagated, and never roll back the transition.
func (s *Service) Send(ctx context.Context, id uuid.UUID, channels DeliveryChannels) (*Quote, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch q.EffectiveStatus(s.now()) {
	case StatusDraft:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: cannot send a %s quote", ErrInvalidTransition, q.Status)
	}

	moved, err := s.repo.TransitionStatus(ctx, id, StatusDraft, StatusSent)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: quote is no longer a draft", ErrInvalidTransition)
	}

	if channels.Chat || channels.Email {
		if err := s.repo.MarkDelivery(ctx, id, channels.Chat, channels.Email); err != nil {
			return nil, err
		}
		if err := s.notifier.QuoteIssued(ctx, notify.Delivery{
			DocumentID: q.ID.String(),
			Number:     q.Number,
			ClientID:   q.ClientID.String(),
			GarageID:   q.GarageID.String(),
			Total:      q.Total.String(),
			Currency:   money.DefaultCurrency,
			ViaChat:    channels.Chat,
			ViaEmail:   channels.Email,
		}); err != nil {
			s.logger.Warn("quote delivery enqueue failed",
				slog.String("quote", q.Number), slog.Any("error", err))
		}
	}
	return s.repo.Get(ctx, id)
}

// Accept records client acceptance. Re-accepting an already accepted quote by
// the owning client is an idempotent no-op; the accept/reject race is decided
// by whichever compare-and-set commits first.
func (s *Service) Accept(ctx context.Context, id, byClientID uuid.UUID) (*Quote, error) {
	return s.decide(ctx, id, byClientID, StatusAccepted)
}

// Reject records client rejection, mutually exclusive with acceptance.
func (s *Service) Reject(ctx context.Context, id, byClientID uuid.UUID) (*Quote, error) {
	return s.decide(ctx, id, byClientID, StatusRejected)
}

func (s *Service) decide(ctx context.Context, id, byClientID uuid.UUID, target Status) (*Quote, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.ClientID != byClientID {
		return nil, shared.ErrForbidden
	}

	if q.Status == target {
		return q, nil
	}
	if q.Status.Terminal() {
		return nil, fmt.Errorf("%w: quote is already %s", ErrInvalidTransition, q.Status)
	}
	if q.Status != StatusSent {
		return nil, fmt.Errorf("%w: quote has not been sent", ErrInvalidTransition)
	}
	if s.now().After(q.ValidUntil) {
		// Persist the derived expiry lazily; failure to record it does not
		// change the observable outcome.
		if _, err := s.repo.TransitionStatus(ctx, id, StatusSent, StatusExpired); err != nil {
			s.logger.Warn("persist quote expiry failed", slog.String("quote", q.Number), slog.Any("error", err))
		}
		return nil, ErrExpired
	}

	moved, err := s.repo.TransitionStatus(ctx, id, StatusSent, target)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Lost the race. Re-read: same outcome is idempotent success,
		// anything else is a losing transition.
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == target {
			return current, nil
		}
		return nil, fmt.Errorf("%w: quote is already %s", ErrInvalidTransition, current.Status)
	}
	return s.repo.Get(ctx, id)
}

// Get fetches one quote with its derived status: a quote past its validity
// window reads as expired even before the stored status catches up.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Quote, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q.Status = q.EffectiveStatus(s.now())
	return q, nil
}

// List returns quotes matching the filter with derived statuses.
func (s *Service) List(ctx context.Context, req ListQuotesRequest) ([]Quote, int, error) {
	out, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for i := range out {
		out[i].Status = out[i].EffectiveStatus(now)
	}
	return out, total, err
}

// ExpireStale persists expiry for quotes past their window; used by the sweep.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	return s.repo.ExpireStale(ctx, s.now())
}
