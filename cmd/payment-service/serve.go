package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/http"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/ratelimit"
)

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "also run the job worker in this process")
	return cmd
}

func runServe(parent context.Context, withWorker bool) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := ratelimit.NewLimiter(a.pool, cfg.RateLimitRequests, cfg.RateLimitWindow)
	h := httpapi.NewHandler(httpapi.Deps{
		Ledger:            a.ledger,
		Intents:           a.issuer,
		Callbacks:         a.ingestor,
		Retries:           a.retries,
		Reconciler:        a.reconciler,
		Tokens:            a.vault,
		Queriers:          a.registry,
		Audit:             a.audit,
		CardWebhookSecret: cfg.Card.WebhookSecret,
		Logger:            logger,
	})
	router := httpapi.NewRouter(h, httpapi.RouterOptions{
		Admins:      middleware.ParseAdminCredentials(cfg.AdminTokens),
		CORSOrigins: cfg.CORSAllowOrigins,
		RateLimit: func(scope string) func(http.Handler) http.Handler {
			return limiter.Middleware(scope, logger)
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		pruneRateLimits(gctx, limiter, cfg.RateLimitWindow, logger)
		return nil
	})
	if withWorker {
		g.Go(func() error { return a.worker.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func pruneRateLimits(ctx context.Context, l *ratelimit.Limiter, every time.Duration, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := l.Prune(ctx); err != nil {
				logger.Warn("rate limit prune failed", zap.Error(err))
			} else if n > 0 {
				logger.Debug("rate limit windows pruned", zap.Int64("rows", n))
			}
		}
	}
}
