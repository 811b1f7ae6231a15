package quotes

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

	"github.com/blomoto/blomoto-billing/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	quotes  map[uuid.UUID]*Quote
	counter int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{quotes: make(map[uuid.UUID]*Quote)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) Create(ctx context.Context, q Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := q
	r.quotes[q.ID] = &clone
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (*Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *q
	return &clone, nil
}

func (r *memoryRepo) List(ctx context.Context, req ListQuotesRequest) ([]Quote, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Quote
	for _, q := range r.quotes {
		if req.ClientID != nil && q.ClientID != *req.ClientID {
			continue
		}
		out = append(out, *q)
	}
	return out, len(out), nil
}

func (r *memoryRepo) GenerateNumber(ctx context.Context, at time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return fmt.Sprintf("DEV-%d-%04d", at.Year(), r.counter), nil
}

func (r *memoryRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok {
		return false, ErrNotFound
	}
	if q.Status != from {
		return false, nil
	}
	q.Status = to
	return true, nil
}

func (r *memoryRepo) MarkDelivery(ctx context.Context, id uuid.UUID, chat, email bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok {
		return ErrNotFound
	}
	q.SentViaChat = q.SentViaChat || chat
	q.SentViaEmail = q.SentViaEmail || email
	return nil
}

func (r *memoryRepo) HasActiveForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.quotes {
		if q.AppointmentID != nil && *q.AppointmentID == appointmentID && !q.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, q := range r.quotes {
		if !q.Status.Terminal() && now.After(q.ValidUntil) {
			q.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, testLogger())
	return svc, repo
}

func createDraft(t *testing.T, svc *Service, clientID uuid.UUID) *Quote {
	t.Helper()
	q, err := svc.Create(context.Background(), CreateQuoteRequest{
		GarageID: uuid.New(),
		ClientID: clientID,
		Items: []CreateQuoteLineReq{
			{Description: "Vidange moteur", Quantity: 1, UnitPrice: decimal.NewFromInt(15000)},
		},
		TaxRate: decimal.NewFromInt(18),
	})
	require.NoError(t, err)
	return q
}

func TestCreateComputesTotalsAndValidity(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	clientID := uuid.New()
	q := createDraft(t, svc, clientID)

	require.Equal(t, StatusDraft, q.Status)
	require.True(t, q.Subtotal.Equal(decimal.NewFromInt(15000)))
	require.True(t, q.Tax.Equal(decimal.NewFromInt(2700)))
	require.True(t, q.Total.Equal(decimal.NewFromInt(17700)))
	require.Equal(t, now.Add(DefaultValidity), q.ValidUntil)
	require.NotEmpty(t, q.Number)
}

func TestCreateRejectsPastValidity(t *testing.T) {
	svc, _ := newTestService(t)
	past := time.Now().Add(-time.Hour)
	_, err := svc.Create(context.Background(), CreateQuoteRequest{
		GarageID:   uuid.New(),
		ClientID:   uuid.New(),
		Items:      []CreateQuoteLineReq{{Description: "Frein", Quantity: 1, UnitPrice: decimal.NewFromInt(5000)}},
		ValidUntil: &past,
	})
	require.ErrorIs(t, err, ErrValidUntilPast)
}

func TestSendOnlyFromDraft(t *testing.T) {
	svc, _ := newTestService(t)
	q := createDraft(t, svc, uuid.New())

	sent, err := svc.Send(context.Background(), q.ID, DeliveryChannels{Chat: true})
	require.NoError(t, err)
	require.Equal(t, StatusSent, sent.Status)
	require.True(t, sent.SentViaChat)
	require.False(t, sent.SentViaEmail)

	_, err = svc.Send(context.Background(), q.ID, DeliveryChannels{Email: true})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAcceptLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	clientID := uuid.New()
	q := createDraft(t, svc, clientID)

	// Accepting a draft fails: the client has not seen it.
	_, err := svc.Accept(context.Background(), q.ID, clientID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Send(context.Background(), q.ID, DeliveryChannels{})
	require.NoError(t, err)

	accepted, err := svc.Accept(context.Background(), q.ID, clientID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)

	// Re-accepting is an idempotent no-op.
	again, err := svc.Accept(context.Background(), q.ID, clientID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, again.Status)

	// Rejecting after acceptance is a conflict.
	_, err = svc.Reject(context.Background(), q.ID, clientID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDecisionRequiresOwningClient(t *testing.T) {
	svc, _ := newTestService(t)
	q := createDraft(t, svc, uuid.New())
	_, err := svc.Send(context.Background(), q.ID, DeliveryChannels{})
	require.NoError(t, err)

	_, err = svc.Accept(context.Background(), q.ID, uuid.New())
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestExpiredQuoteCannotBeAccepted(t *testing.T) {
	svc, repo := newTestService(t)
	clientID := uuid.New()
	q := createDraft(t, svc, clientID)
	_, err := svc.Send(context.Background(), q.ID, DeliveryChannels{})
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return q.ValidUntil.Add(time.Minute) })

	_, err = svc.Accept(context.Background(), q.ID, clientID)
	require.ErrorIs(t, err, ErrExpired)

	// The lazy transition persisted the expiry.
	stored, err := repo.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stored.Status)
}

func TestGetDerivesExpiry(t *testing.T) {
	svc, repo := newTestService(t)
	q := createDraft(t, svc, uuid.New())
	_, err := svc.Send(context.Background(), q.ID, DeliveryChannels{})
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return q.ValidUntil.Add(time.Hour) })

	got, err := svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	// The stored row has not moved; only the read is derived.
	stored, err := repo.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, stored.Status)
}

func TestAcceptRejectRaceSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	clientID := uuid.New()
	q := createDraft(t, svc, clientID)
	_, err := svc.Send(context.Background(), q.ID, DeliveryChannels{})
	require.NoError(t, err)

	var acceptErr, rejectErr error
	var g errgroup.Group
	g.Go(func() error {
		_, acceptErr = svc.Accept(context.Background(), q.ID, clientID)
		return nil
	})
	g.Go(func() error {
		_, rejectErr = svc.Reject(context.Background(), q.ID, clientID)
		return nil
	})
	require.NoError(t, g.Wait())

	// Exactly one decision wins; the loser sees a transition conflict.
	if acceptErr == nil {
		require.ErrorIs(t, rejectErr, ErrInvalidTransition)
	} else {
		require.NoError(t, rejectErr)
		require.ErrorIs(t, acceptErr, ErrInvalidTransition)
	}

	final, err := svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.True(t, final.Status == StatusAccepted || final.Status == StatusRejected)
}

func TestExpireStaleSweep(t *testing.T) {
	svc, _ := newTestService(t)
	q := createDraft(t, svc, uuid.New())
	_, err := svc.Send(context.Background(), q.ID, DeliveryChannels{})
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return q.ValidUntil.Add(time.Hour) })
	n, err := svc.ExpireStale(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	_, err = svc.Accept(context.Background(), q.ID, q.ClientID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}
