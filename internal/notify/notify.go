// Package notify defines the outbound notification contract. Delivery is a
// side effect the billing core only requests; dispatch is best-effort and a
// delivery failure never rolls back a document transition.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Task type names consumed by the background worker.
const (
	TaskQuoteDelivery   = "notify:quote"
	TaskInvoiceDelivery = "notify:invoice"
)

// QueueNotifications is the asynq queue notifications are routed to.
const QueueNotifications = "notifications"

// Delivery describes one document delivery request.
type Delivery struct {
	DocumentID string `json:"document_id"`
	Number     string `json:"number"`
	ClientID   string `json:"client_id"`
	GarageID   string `json:"garage_id"`
	Total      string `json:"total"`
	Currency   string `json:"currency"`
	ViaChat    bool   `json:"via_chat"`
	ViaEmail   bool   `json:"via_email"`
}

// Dispatcher requests document deliveries.
type Dispatcher interface {
	QuoteIssued(ctx context.Context, d Delivery) error
	InvoiceIssued(ctx context.Context, d Delivery) error
}

// AsynqDispatcher enqueues delivery requests onto the background worker.
type AsynqDispatcher struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewAsynqDispatcher constructs a dispatcher backed by an asynq client.
func NewAsynqDispatcher(client *asynq.Client, logger *slog.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, logger: logger}
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, taskType string, payload Delivery) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskType, data)
	if _, err := d.client.EnqueueContext(ctx, task, asynq.Queue(QueueNotifications), asynq.MaxRetry(5)); err != nil {
		return err
	}
	return nil
}

func (d *AsynqDispatcher) QuoteIssued(ctx context.Context, payload Delivery) error {
	return d.enqueue(ctx, TaskQuoteDelivery, payload)
}

func (d *AsynqDispatcher) InvoiceIssued(ctx context.Context, payload Delivery) error {
	return d.enqueue(ctx, TaskInvoiceDelivery, payload)
}

// NopDispatcher drops every request. Used when no worker is configured.
type NopDispatcher struct{}

func (NopDispatcher) QuoteIssued(context.Context, Delivery) error   { return nil }
func (NopDispatcher) InvoiceIssued(context.Context, Delivery) error { return nil }
