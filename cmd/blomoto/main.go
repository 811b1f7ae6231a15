package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/blomoto/blomoto-billing/cmd/blomoto/cli"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobsCommand(ctx, cfg, os.Args[2:], logger); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	dispatcher := notify.NewAsynqDispatcher(asynqClient, logger)

	quoteRepo := quotes.NewRepository(dbpool)
	invoiceRepo := invoices.NewRepository(dbpool)
	link := linker.New(quoteRepo, invoiceRepo)

	quoteService := quotes.NewService(quoteRepo, link, dispatcher, logger)
	invoiceService := invoices.NewService(invoiceRepo, quoteService, link, dispatcher, logger)

	intentGuard := shared.NewIntentGuard(redisClient, cfg.PaymentIntentTTL)
	cardProvider := payments.NewStripeProvider(cfg.StripeSecretKey)
	checkoutProvider := payments.NewFedaPayProvider(
		cfg.FedaPayBaseURL,
		cfg.FedaPayAPIKey,
		cfg.FedaPayWebhookSecret,
		cfg.CallbackBaseURL+"/payments/return",
	)
	paymentRepo := payments.NewRepository(dbpool)
	paymentService := payments.NewService(
		paymentRepo,
		invoiceService,
		invoiceService,
		cardProvider,
		checkoutProvider,
		intentGuard,
		logger,
	)

	quoteHandler := quotes.NewHandler(logger, quoteService)
	invoiceHandler := invoices.NewHandler(logger, invoiceService)
	paymentHandler := payments.NewHandler(logger, paymentService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		QuoteHandler:   quoteHandler,
		InvoiceHandler: invoiceHandler,
		PaymentHandler: paymentHandler,
		JobHandler:     jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles "blomoto jobs trigger <task>" and "blomoto jobs stats"
// for operators who need to kick a maintenance job outside the cron schedule.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string, logger *slog.Logger) error {
	if len(args) == 0 {
		return errors.New("usage: blomoto jobs <trigger|stats> [task]")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("usage: blomoto jobs trigger <task>")
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		logger.Info("job enqueued", slog.String("task", info.Type), slog.String("id", info.ID))
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		logger.Info("queue stats",
			slog.String("queue", stats.Queue),
			slog.Int("pending", stats.Pending),
			slog.Int("active", stats.Active),
			slog.Int("scheduled", stats.Scheduled),
			slog.Int("retry", stats.Retry),
		)
		return nil
	default:
		return fmt.Errorf("unknown jobs subcommand %q", args[0])
	}
}
