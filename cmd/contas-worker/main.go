package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"contas/internal/config"
	"contas/internal/events"
	applog "contas/internal/log"
	"contas/internal/sheets"
	gsheet "contas/internal/sheets/google"
	mem "contas/internal/sheets/memory"
	"contas/internal/storage"
	"contas/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := applog.New(applog.DefaultConfig())
	applog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var writer sheets.RowWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.New(ctx, gsheet.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleCredentialsJSON,
			CredentialsFile: cfg.GoogleCredentialsFile,
		})
		if err != nil {
			logger.Error("failed to initialize sheets client", "error", err)
			os.Exit(1)
		}
		writer = client
		logger.Info("sheets export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		// Rows still get marked exported so the backlog does not grow.
		writer = mem.New()
		logger.Info("sheets export disabled, no GOOGLE_SPREADSHEET_ID provided")
	}

	exporter := worker.NewExporter(repo, writer, worker.Config{
		PollInterval: cfg.ExportInterval,
		BatchSize:    cfg.ExportBatchSize,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	// Polling fallback loop.
	if err := exporter.Start(gctx); err != nil {
		logger.Error("failed to start exporter", "error", err)
		os.Exit(1)
	}

	// Broker-driven path: events nudge the exporter to drain immediately.
	if cfg.AMQPURL != "" {
		consumer, err := events.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		g.Go(func() error {
			err := consumer.ConsumeTransactionEvents(gctx, func(msg *events.TransactionEventMessage) error {
				return exporter.HandleEvent(gctx, msg)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		logger.Info("consuming change events", "queue", cfg.AMQPQueue)
	} else {
		logger.Info("broker consumption disabled, polling only")
	}

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return exporter.Stop(stopCtx)
	})

	logger.Info("export worker running",
		"poll_interval", cfg.ExportInterval,
		"batch_size", cfg.ExportBatchSize)

	if err := g.Wait(); err != nil {
		logger.Error("worker terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped gracefully")
}
