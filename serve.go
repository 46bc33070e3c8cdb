package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkantrust/ap2-gateway/backend/audit"
	"github.com/arkantrust/ap2-gateway/backend/callback"
	"github.com/arkantrust/ap2-gateway/backend/config"
	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/handlers"
	"github.com/arkantrust/ap2-gateway/backend/settlement"
	"github.com/arkantrust/ap2-gateway/backend/store"
	"github.com/arkantrust/ap2-gateway/backend/validator"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(cfg.StoreURL)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := eventlog.Open(cfg.EventLogURL)
	if err != nil {
		return err
	}
	defer events.Close()

	dispatcher := callback.New(st, events, logger.Named("callback"), callback.Options{
		Timeout:    cfg.WebhookTimeout(),
		MaxRetries: cfg.WebhookMaxRetries,
		Backoff:    cfg.WebhookBackoff(),
	})
	engine := settlement.NewEngine(
		st,
		events,
		validator.New(cfg.HMACSecretKey, cfg.MaxAmount()),
		settlement.NewRandomStrategy(cfg.ProcessingTimeMin(), cfg.ProcessingTimeMax(), cfg.SuccessRate, nil),
		dispatcher,
		logger.Named("settlement"),
		settlement.Config{
			MaxConcurrent:     cfg.MaxConcurrentPayments,
			MaxRetries:        cfg.MaxRetries,
			IdempotencyWindow: cfg.IdempotencyWindow(),
			PublicBaseURL:     cfg.PublicBaseURL,
		},
	)
	retries := settlement.NewCoordinator(engine, logger.Named("retry"), cfg.RetryBackoff())

	h := handlers.New(engine, retries, logger.Named("http"), handlers.Options{
		RateRPS:   cfg.IngressRateRPS,
		RateBurst: cfg.IngressRateBurst,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cctx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	consumers, cctx := errgroup.WithContext(cctx)
	consumers.Go(func() error { return audit.New(events, logger).Run(cctx) })
	if cfg.AutoRetryEnabled {
		consumers.Go(func() error { return retries.Run(cctx) })
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreURL),
			zap.String("event_log", cfg.EventLogURL),
			zap.Bool("auto_retry", cfg.AutoRetryEnabled))
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// Settlements in flight finish so nothing is left in processing.
	engine.Wait()
	stopConsumers()
	if err := consumers.Wait(); err != nil {
		logger.Warn("consumer stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
	return runErr
}
