package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/api"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/budget"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/campaign"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/config"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/gates"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/observ"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/shortlink"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/sqs"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting smscrm api",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("provider", cfg.SMSProvider),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		}
	}()

	// Redis backs webhook replay protection and the send gates, so the API
	// does not start without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	if cfg.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}
	producer, err := sqs.NewProducer(ctx, sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs producer: %w", err)
	}

	// Request-surface rate limiter, per tenant.
	apiLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,
		Window: time.Minute,
	})

	// Per-tenant send rate gate, distinct keyspace from the API limiter.
	sendLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  gates.TenantRateLimit,
		Window: time.Minute,
	})
	counters := redis.NewCounters(redisClient, logger)

	ledger := budget.NewLedger(repo, logger)
	checker := gates.NewChecker(repo, ledger, sendLimiter, counters, logger)
	queuer := campaign.NewQueuer(repo, checker, producer, cfg.EstCostCents, logger)

	verifier := webhook.NewVerifier(redis.NewReplayGuard(redisClient, logger), logger)
	reconciler := webhook.NewReconciler(repo, logger)

	links := shortlink.New(repo, []byte(cfg.ShortLinkSecret), cfg.ShortLinkBaseURL, logger)

	handler := api.NewHandler(logger, queuer, verifier, reconciler, links, ledger, repo, api.Config{
		WebhookSecret:  cfg.TwilioAuthToken,
		TwilioWebhooks: cfg.SMSProvider == "twilio",
		PublicBaseURL:  cfg.PublicBaseURL,
		Provider:       cfg.SMSProvider,
		Country:        cfg.Country,
	})

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		// Webhooks authenticate with signatures, not tenant keys, so the
		// rate limit applies only to the admin surface.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.TenantKeyFunc))

			r.Post("/campaigns/{id}/queue", handler.QueueCampaign)
			r.Post("/campaigns/messages/preview", handler.PreviewMessage)

			r.Get("/tenants/{id}/budget", handler.GetTenantBudget)
			r.Put("/tenants/{id}/budget", handler.SetTenantBudget)
			r.Post("/tenants/{id}/pause", handler.PauseTenant(true))
			r.Post("/tenants/{id}/resume", handler.PauseTenant(false))
		})

		r.Post("/webhooks/provider", handler.ProviderWebhook)
	})

	// Short links live outside /v1: they land in SMS bodies and every
	// character counts.
	r.Get("/s/{token}", handler.RedirectShortLink)

	r.Get("/healthz", handler.Health)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
