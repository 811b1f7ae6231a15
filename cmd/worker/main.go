package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/blomoto/blomoto-billing/internal/app"
	"github.com/blomoto/blomoto-billing/internal/invoices"
	"github.com/blomoto/blomoto-billing/internal/linker"
	"github.com/blomoto/blomoto-billing/internal/notify"
	"github.com/blomoto/blomoto-billing/internal/payments"
	"github.com/blomoto/blomoto-billing/internal/platform/cache"
	"github.com/blomoto/blomoto-billing/internal/platform/db"
	"github.com/blomoto/blomoto-billing/internal/quotes"
	"github.com/blomoto/blomoto-billing/internal/shared"
	"github.com/blomoto/blomoto-billing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	quoteRepo := quotes.NewRepository(pool)
	invoiceRepo := invoices.NewRepository(pool)
	link := linker.New(quoteRepo, invoiceRepo)

	quoteService := quotes.NewService(quoteRepo, link, notify.NopDispatcher{}, logger)
	invoiceService := invoices.NewService(invoiceRepo, quoteService, link, notify.NopDispatcher{}, logger)

	intentGuard := shared.NewIntentGuard(redisClient, cfg.PaymentIntentTTL)
	cardProvider := payments.NewStripeProvider(cfg.StripeSecretKey)
	checkoutProvider := payments.NewFedaPayProvider(
		cfg.FedaPayBaseURL,
		cfg.FedaPayAPIKey,
		cfg.FedaPayWebhookSecret,
		cfg.CallbackBaseURL+"/payments/return",
	)
	paymentRepo := payments.NewRepository(pool)
	paymentService := payments.NewService(
		paymentRepo,
		invoiceService,
		invoiceService,
		cardProvider,
		checkoutProvider,
		intentGuard,
		logger,
	)

	messenger := jobs.LogMessenger{Logger: logger}
	deliveryHandler := jobs.NewDeliveryHandler(messenger, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: notify.TaskQuoteDelivery, Handler: deliveryHandler},
			{Type: notify.TaskInvoiceDelivery, Handler: deliveryHandler},
			{Type: jobs.TaskSweepPaymentIntents, Handler: jobs.NewSweepPaymentIntentsHandler(paymentService, cfg.PaymentIntentTTL, logger)},
			{Type: jobs.TaskScanOverdueInvoices, Handler: jobs.NewScanOverdueHandler(invoiceService, logger)},
			{Type: jobs.TaskScanExpiredQuotes, Handler: jobs.NewScanExpiredHandler(quoteService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: asynq.NewTask(jobs.TaskSweepPaymentIntents, nil), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "15 0 * * *", Task: asynq.NewTask(jobs.TaskScanOverdueInvoices, nil), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 0 * * *", Task: asynq.NewTask(jobs.TaskScanExpiredQuotes, nil), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
