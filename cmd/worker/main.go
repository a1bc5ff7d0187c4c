package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/budget"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/campaign"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/circuitbreaker"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/config"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/observ"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/provider"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/shortlink"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/sqs"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting smscrm worker",
		zap.String("env", cfg.Env),
		zap.String("provider", cfg.SMSProvider),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

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
	sqsCfg := sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
	}
	consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs consumer: %w", err)
	}
	producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs producer: %w", err)
	}

	prov, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	protected := provider.NewProtected(prov,
		circuitbreaker.New(circuitbreaker.DefaultConfig(prov.Name()), logger), logger)

	ledger := budget.NewLedger(repo, logger)
	counters := redis.NewCounters(redisClient, logger)
	links := shortlink.New(repo, []byte(cfg.ShortLinkSecret), cfg.ShortLinkBaseURL, logger)

	sender := worker.NewSender(repo, protected, ledger, counters, links, logger)

	// Fleet-wide send ceiling shared by every worker process.
	globalLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.GlobalSendRatePerMin,
		Window: time.Minute,
	})

	sweeper := campaign.NewSweeper(repo, producer, logger)

	w := worker.New(consumer, sender, globalLimiter, worker.MultiReconciler(ledger, sweeper), worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.MaxSendAttempts,
	}, logger)

	// Metrics are recorded in this process, so Prometheus scrapes the
	// worker directly. Breaker state lives here too.
	opsSrv := opsServer(cfg.OpsPort, protected)
	go func() {
		logger.Info("ops server listening", zap.String("addr", opsSrv.Addr))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(runCtx)
		close(done)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = opsSrv.Shutdown(stopCtx)

	select {
	case <-done:
		logger.Info("worker stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("worker did not stop in time")
	}

	return nil
}

func opsServer(port int, protected *provider.Protected) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ops/breaker", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protected.Breaker().Stats())
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func buildProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (provider.Provider, error) {
	switch cfg.SMSProvider {
	case "twilio":
		return provider.NewTwilio(provider.TwilioConfig{
			AccountSID:        cfg.TwilioAccountSID,
			AuthToken:         cfg.TwilioAuthToken,
			StatusCallbackURL: cfg.TwilioStatusCallbackURL,
		}, logger), nil
	case "sns":
		return provider.NewSNS(ctx, provider.SNSConfig{Region: cfg.SNSRegion}, logger)
	default:
		return provider.NewLog(logger), nil
	}
}
