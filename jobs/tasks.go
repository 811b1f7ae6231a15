package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/blomoto/blomoto-billing/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskSweepPaymentIntents fails payment intents stuck past the provider
	// timeout so their invoices accept new attempts.
	TaskSweepPaymentIntents = "payments:sweep_intents"
	// TaskScanOverdueInvoices persists the overdue status for sent invoices
	// past their due date.
	TaskScanOverdueInvoices = "invoices:scan_overdue"
	// TaskScanExpiredQuotes persists the expired status for open quotes past
	// their validity window.
	TaskScanExpiredQuotes = "quotes:scan_expired"
)

// Messenger delivers documents to clients over the marketplace channels.
type Messenger interface {
	SendChat(ctx context.Context, clientID, message string) error
	SendEmail(ctx context.Context, clientID, subject, message string) error
}

// LogMessenger records deliveries in the log. It stands in until the chat
// and mail gateways are wired.
type LogMessenger struct {
	Logger *slog.Logger
}

func (m LogMessenger) SendChat(ctx context.Context, clientID, message string) error {
	m.Logger.Info("chat delivery", slog.String("client_id", clientID), slog.String("message", message))
	return nil
}

func (m LogMessenger) SendEmail(ctx context.Context, clientID, subject, message string) error {
	m.Logger.Info("email delivery", slog.String("client_id", clientID), slog.String("subject", subject))
	return nil
}

// NewDeliveryHandler processes quote and invoice delivery tasks.
func NewDeliveryHandler(messenger Messenger, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload notify.Delivery
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logger.Error("decode delivery payload", slog.Any("error", err))
			return asynq.SkipRetry
		}
		var kind string
		switch t.Type() {
		case notify.TaskQuoteDelivery:
			kind = "Devis"
		case notify.TaskInvoiceDelivery:
			kind = "Facture"
		default:
			return asynq.SkipRetry
		}
		message := kind + " " + payload.Number + " : " + payload.Total + " " + payload.Currency
		if payload.ViaChat {
			if err := messenger.SendChat(ctx, payload.ClientID, message); err != nil {
				return err
			}
		}
		if payload.ViaEmail {
			if err := messenger.SendEmail(ctx, payload.ClientID, kind+" "+payload.Number, message); err != nil {
				return err
			}
		}
		return nil
	}
}

// IntentSweeper fails stale payment intents.
type IntentSweeper interface {
	SweepStale(ctx context.Context, timeout time.Duration) (int, error)
}

// NewSweepPaymentIntentsHandler sweeps intents unresolved within timeout.
func NewSweepPaymentIntentsHandler(sweeper IntentSweeper, timeout time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		swept, err := sweeper.SweepStale(ctx, timeout)
		if err != nil {
			logger.Error("sweep payment intents", slog.Any("error", err))
			return err
		}
		if swept > 0 {
			logger.Info("payment intent sweep done", slog.Int("swept", swept))
		}
		return nil
	}
}

// OverdueScanner persists the overdue status for lapsed invoices.
type OverdueScanner interface {
	MarkOverdueStale(ctx context.Context) (int64, error)
}

// NewScanOverdueHandler marks sent invoices past due as overdue.
func NewScanOverdueHandler(scanner OverdueScanner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		marked, err := scanner.MarkOverdueStale(ctx)
		if err != nil {
			logger.Error("scan overdue invoices", slog.Any("error", err))
			return err
		}
		if marked > 0 {
			logger.Info("overdue scan done", slog.Int64("marked", marked))
		}
		return nil
	}
}

// ExpiryScanner persists the expired status for lapsed quotes.
type ExpiryScanner interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// NewScanExpiredHandler marks open quotes past validity as expired.
func NewScanExpiredHandler(scanner ExpiryScanner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		expired, err := scanner.ExpireStale(ctx)
		if err != nil {
			logger.Error("scan expired quotes", slog.Any("error", err))
			return err
		}
		if expired > 0 {
			logger.Info("quote expiry scan done", slog.Int64("expired", expired))
		}
		return nil
	}
}
