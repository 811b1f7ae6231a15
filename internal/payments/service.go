package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blomoto/blomoto-billing/internal/invoices"
	"github.com/blomoto/blomoto-billing/internal/money"
	"github.com/blomoto/blomoto-billing/internal/shared"
)

// CardIntent is the provider-side view of a card payment intent.
type CardIntent struct {
	Ref          string
	ClientSecret string
	Succeeded    bool
	Amount       decimal.Decimal
}

// CardProvider abstracts the card rail (Stripe).
type CardProvider interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, invoiceID uuid.UUID) (CardIntent, error)
	RetrieveIntent(ctx context.Context, ref string) (CardIntent, error)
}

// CheckoutTransaction is the provider-side view of a hosted-checkout payment.
type CheckoutTransaction struct {
	Ref         string
	CheckoutURL string
	Approved    bool
	Amount      decimal.Decimal
	InvoiceID   uuid.UUID
}

// CheckoutRequest carries what the hosted-checkout provider needs.
type CheckoutRequest struct {
	Amount    decimal.Decimal
	Currency  string
	InvoiceID uuid.UUID
	Customer  Customer
}

// WebhookEvent is a parsed provider callback, before re-verification.
type WebhookEvent struct {
	Ref      string
	Approved bool
	Final    bool
}

// CheckoutProvider abstracts the mobile-money rail (FedaPay).
type CheckoutProvider interface {
	CreateTransaction(ctx context.Context, req CheckoutRequest) (CheckoutTransaction, error)
	FetchTransaction(ctx context.Context, ref string) (CheckoutTransaction, error)
	VerifySignature(payload []byte, signatureHeader string) error
	ParseWebhook(payload []byte) (WebhookEvent, error)
}

// SettlementApplier is the only path by which payments credit invoices.
type SettlementApplier interface {
	ApplySettlement(ctx context.Context, in invoices.ApplySettlementInput) (*invoices.Invoice, error)
}

// InvoiceSource reads invoices for payability checks.
type InvoiceSource interface {
	Get(ctx context.Context, id uuid.UUID) (*invoices.Invoice, error)
}

// RetryPolicy bounds verification retries against provider transients.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Service reconciles the two external payment rails into one settlement
// stream, exactly-once in effect despite at-least-once delivery.
type Service struct {
	repo     Repository
	invoices InvoiceSource
	settle   SettlementApplier
	card     CardProvider
	checkout CheckoutProvider
	guard    *shared.IntentGuard
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(time.Duration)
}

// NewService builds a Service instance.
func NewService(
	repo Repository,
	invoiceSource InvoiceSource,
	settle SettlementApplier,
	card CardProvider,
	checkout CheckoutProvider,
	guard *shared.IntentGuard,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		invoices: invoiceSource,
		settle:   settle,
		card:     card,
		checkout: checkout,
		guard:    guard,
		retry:    RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond},
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SetRetryPolicy overrides the verification retry policy.
func (s *Service) SetRetryPolicy(p RetryPolicy) { s.retry = p }

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time, sleep func(time.Duration)) {
	s.now = now
	s.sleep = sleep
}

// CreateIntentInput starts a payment attempt on one rail.
type CreateIntentInput struct {
	InvoiceID uuid.UUID
	Provider  Provider
	// Amount is optional; zero means the full open balance.
	Amount   decimal.Decimal
	Customer Customer
}

// IntentResponse is handed to the client to continue the payment.
type IntentResponse struct {
	IntentID     uuid.UUID `json:"intent_id"`
	Provider     Provider  `json:"provider"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ClientSecret string    `json:"client_secret,omitempty"`
	CheckoutURL  string    `json:"checkout_url,omitempty"`
}

// CreateIntent opens a payment attempt. The redis guard and the partial unique
// index together reject a second attempt while one is in flight. The provider
// round-trip happens with no lock held on the invoice.
func (s *Service) CreateIntent(ctx context.Context, in CreateIntentInput) (*IntentResponse, error) {
	inv, err := s.invoices.Get(ctx, in.InvoiceID)
	if err != nil {
		return nil, err
	}
	switch inv.EffectiveStatus(s.now()) {
	case invoices.StatusSent, invoices.StatusOverdue:
	default:
		return nil, fmt.Errorf("%w: invoice is %s", ErrInvoiceNotPayable, inv.Status)
	}
	if inv.NeedsReview {
		return nil, fmt.Errorf("%w: invoice is frozen", ErrInvoiceNotPayable)
	}

	amount := in.Amount
	if amount.IsZero() {
		amount = inv.Balance()
	}
	if amount.LessThanOrEqual(decimal.Zero) || amount.GreaterThan(inv.Balance()) {
		return nil, fmt.Errorf("%w: amount must be within the open balance", ErrInvoiceNotPayable)
	}

	acquired, err := s.guard.Acquire(ctx, in.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("payments: acquire intent guard: %w", err)
	}
	if !acquired {
		return nil, ErrPaymentInFlight
	}

	intent := Intent{
		ID:        uuid.New(),
		InvoiceID: in.InvoiceID,
		Provider:  in.Provider,
		Amount:    amount,
		Currency:  money.DefaultCurrency,
		Status:    IntentCreated,
	}
	if err := s.repo.Create(ctx, intent); err != nil {
		if releaseErr := s.guard.Release(ctx, in.InvoiceID); releaseErr != nil {
			s.logger.Warn("release intent guard", slog.Any("error", releaseErr))
		}
		return nil, err
	}

	resp := &IntentResponse{
		IntentID: intent.ID,
		Provider: in.Provider,
		Amount:   amount.String(),
		Currency: intent.Currency,
	}
	switch in.Provider {
	case ProviderCard:
		ci, err := s.card.CreateIntent(ctx, amount, intent.Currency, in.InvoiceID)
		if err != nil {
			s.abandonIntent(ctx, intent.ID, in.InvoiceID)
			return nil, fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
		}
		if err := s.repo.SetProviderRef(ctx, intent.ID, ci.Ref, IntentPending); err != nil {
			s.abandonIntent(ctx, intent.ID, in.InvoiceID)
			return nil, err
		}
		resp.ClientSecret = ci.ClientSecret
	case ProviderMobileMoney:
		tx, err := s.checkout.CreateTransaction(ctx, CheckoutRequest{
			Amount:    amount,
			Currency:  intent.Currency,
			InvoiceID: in.InvoiceID,
			Customer:  in.Customer,
		})
		if err != nil {
			s.abandonIntent(ctx, intent.ID, in.InvoiceID)
			return nil, fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
		}
		if err := s.repo.SetProviderRef(ctx, intent.ID, tx.Ref, IntentPending); err != nil {
			s.abandonIntent(ctx, intent.ID, in.InvoiceID)
			return nil, err
		}
		resp.CheckoutURL = tx.CheckoutURL
	default:
		s.abandonIntent(ctx, intent.ID, in.InvoiceID)
		return nil, ErrUnknownProvider
	}
	return resp, nil
}

func (s *Service) abandonIntent(ctx context.Context, intentID, invoiceID uuid.UUID) {
	if _, err := s.repo.TransitionStatus(ctx, intentID, IntentFailed); err != nil {
		s.logger.Error("mark intent failed", slog.Any("error", err))
	}
	if err := s.guard.Release(ctx, invoiceID); err != nil {
		s.logger.Warn("release intent guard", slog.Any("error", err))
	}
}

// ConfirmCard settles an invoice after a client-side card confirmation. The
// client's word is never enough: the charge status is re-fetched from the
// provider before any credit is applied.
func (s *Service) ConfirmCard(ctx context.Context, providerIntentID string, invoiceID uuid.UUID) (*invoices.Invoice, error) {
	intent, err := s.repo.GetByProviderRef(ctx, ProviderCard, providerIntentID)
	if err != nil {
		return nil, err
	}
	if intent.InvoiceID != invoiceID {
		return nil, ErrIntentMismatch
	}

	ci, err := s.retrieveCardIntent(ctx, providerIntentID)
	if err != nil {
		s.abandonIntent(ctx, intent.ID, invoiceID)
		return nil, err
	}
	if !ci.Succeeded {
		s.abandonIntent(ctx, intent.ID, invoiceID)
		return nil, fmt.Errorf("%w: charge not succeeded", ErrProviderVerificationFailed)
	}

	inv, err := s.settle.ApplySettlement(ctx, invoices.ApplySettlementInput{
		InvoiceID:      invoiceID,
		Amount:         ci.Amount,
		Method:         string(ProviderCard),
		Provider:       "stripe",
		IdempotencyKey: providerIntentID,
	})
	if err != nil {
		return nil, err
	}
	s.finishIntent(ctx, intent.ID, invoiceID, IntentSucceeded)
	return inv, nil
}

func (s *Service) retrieveCardIntent(ctx context.Context, ref string) (CardIntent, error) {
	var lastErr error
	for attempt := 0; attempt < s.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return CardIntent{}, ctx.Err()
			default:
			}
			s.sleep(s.retry.Backoff * time.Duration(attempt))
		}
		ci, err := s.card.RetrieveIntent(ctx, ref)
		if err == nil {
			return ci, nil
		}
		lastErr = err
		s.logger.Warn("card verification attempt failed",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return CardIntent{}, fmt.Errorf("%w: %v", ErrProviderVerificationFailed, lastErr)
}

// HandleCheckoutWebhook processes a mobile-money provider callback. The
// signature is verified, then the transaction is re-fetched from the provider;
// the provider reference doubles as the idempotency key so redelivered
// callbacks are no-ops.
func (s *Service) HandleCheckoutWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := s.checkout.VerifySignature(payload, signatureHeader); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	event, err := s.checkout.ParseWebhook(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	if !event.Final {
		return nil
	}

	intent, err := s.repo.GetByProviderRef(ctx, ProviderMobileMoney, event.Ref)
	if err != nil {
		return err
	}

	if !event.Approved {
		s.finishIntent(ctx, intent.ID, intent.InvoiceID, IntentFailed)
		return nil
	}

	tx, err := s.fetchCheckoutTransaction(ctx, event.Ref)
	if err != nil {
		return err
	}
	if !tx.Approved {
		// Callback claimed approval the provider does not confirm.
		s.finishIntent(ctx, intent.ID, intent.InvoiceID, IntentFailed)
		return fmt.Errorf("%w: provider does not confirm approval", ErrProviderVerificationFailed)
	}

	if _, err := s.settle.ApplySettlement(ctx, invoices.ApplySettlementInput{
		InvoiceID:      intent.InvoiceID,
		Amount:         tx.Amount,
		Method:         string(ProviderMobileMoney),
		Provider:       "fedapay",
		IdempotencyKey: event.Ref,
	}); err != nil {
		return err
	}
	s.finishIntent(ctx, intent.ID, intent.InvoiceID, IntentSucceeded)
	return nil
}

func (s *Service) fetchCheckoutTransaction(ctx context.Context, ref string) (CheckoutTransaction, error) {
	var lastErr error
	for attempt := 0; attempt < s.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return CheckoutTransaction{}, ctx.Err()
			default:
			}
			s.sleep(s.retry.Backoff * time.Duration(attempt))
		}
		tx, err := s.checkout.FetchTransaction(ctx, ref)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		s.logger.Warn("checkout verification attempt failed",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return CheckoutTransaction{}, fmt.Errorf("%w: %v", ErrProviderVerificationFailed, lastErr)
}

func (s *Service) finishIntent(ctx context.Context, intentID, invoiceID uuid.UUID, to IntentStatus) {
	if _, err := s.repo.TransitionStatus(ctx, intentID, to); err != nil {
		s.logger.Error("finish intent", slog.Any("error", err))
	}
	if err := s.guard.Release(ctx, invoiceID); err != nil {
		s.logger.Warn("release intent guard", slog.Any("error", err))
	}
}

// CancelIntent abandons an in-flight intent so a new attempt may start.
func (s *Service) CancelIntent(ctx context.Context, intentID uuid.UUID) (*Intent, error) {
	intent, err := s.repo.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	moved, err := s.repo.TransitionStatus(ctx, intentID, IntentCancelled)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: intent is %s", ErrIntentFinalized, intent.Status)
	}
	if err := s.guard.Release(ctx, intent.InvoiceID); err != nil {
		s.logger.Warn("release intent guard", slog.Any("error", err))
	}
	return s.repo.Get(ctx, intentID)
}

// GetIntent fetches one intent.
func (s *Service) GetIntent(ctx context.Context, id uuid.UUID) (*Intent, error) {
	return s.repo.Get(ctx, id)
}

// SweepStale fails intents unresolved within the provider timeout so they no
// longer block new attempts on their invoices.
func (s *Service) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-timeout))
	if err != nil {
		return 0, err
	}
	var swept int
	for _, intent := range stale {
		moved, err := s.repo.TransitionStatus(ctx, intent.ID, IntentFailed)
		if err != nil {
			return swept, err
		}
		if !moved {
			continue
		}
		if err := s.guard.Release(ctx, intent.InvoiceID); err != nil {
			s.logger.Warn("release intent guard", slog.Any("error", err))
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("swept stale payment intents", slog.Int("count", swept))
	}
	return swept, nil
}
