// Package main is the entry point for the API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ardoise/stonetrade/internal/anomaly"
	"github.com/ardoise/stonetrade/internal/api"
	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/config"
	"github.com/ardoise/stonetrade/internal/db"
	"github.com/ardoise/stonetrade/internal/health"
	"github.com/ardoise/stonetrade/internal/idempotency"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/payment"
	"github.com/ardoise/stonetrade/internal/quotation"
	"github.com/ardoise/stonetrade/internal/ratelimit"
	"github.com/ardoise/stonetrade/internal/stone"
	"github.com/ardoise/stonetrade/internal/tracing"
	"github.com/ardoise/stonetrade/internal/user"
)

const serviceName = "stonetrade-api"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML config file (env vars take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("Stonetrade API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx := context.Background()

	conn, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Tracing is driven by the standard OTLP env vars and off by default.
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Environment:  cfg.Env,
		ExporterType: envOr("OTEL_EXPORTER_TYPE", "otlp-http"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	// The rate limit tracking store. Redis makes it shared across
	// replicas; the in-process store is the single-node fallback.
	var trackingStore ratelimit.Store
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		trackingStore = ratelimit.NewRedisStore(redisClient)
	} else {
		memStore := ratelimit.NewInMemoryStore()
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				memStore.Cleanup(48 * time.Hour)
			}
		}()
		trackingStore = memStore
		logger.Warn("REDIS_ADDR not set, rate limit tracking is per-process only")
	}

	metrics := middleware.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("metrics registration failed", "error", err)
		os.Exit(1)
	}

	// Repositories and services.
	auditRepo := audit.NewPostgresRepository(conn)
	recorder := audit.NewRecorder(auditRepo, logger)
	quotations := quotation.NewPostgresRepository(conn)
	orders := order.NewPostgresRepository(conn)
	stones := stone.NewPostgresRepository(conn)
	proofs := payment.NewPostgresRepository(conn)
	users := user.NewPostgresRepository(conn)
	webhookRepo := payment.NewPostgresWebhookRepository(conn)
	activity := anomaly.NewPostgresRepository(conn)

	idemRepo := idempotency.NewInMemoryRepository()
	idemStop := make(chan struct{})
	defer close(idemStop)
	go idempotency.RunPeriodicCleanup(idemRepo, time.Hour, idempotency.DefaultExpiry, idemStop)

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	detector := anomaly.NewDetector(activity, cfg.AnomalyAmountCeiling)
	orderService := order.NewService(orders, stones)
	paymentService := payment.NewService(proofs, orders)
	gateway := payment.NewStripeClient(cfg.StripeAPIKey)

	var verifier ratelimit.Verifier
	if cfg.CaptchaVerifyURL != "" {
		verifier = ratelimit.NewHTTPVerifier(cfg.CaptchaVerifyURL, cfg.CaptchaSecret)
	} else {
		logger.Warn("CAPTCHA_VERIFY_URL not set, challenge escalation disabled")
	}

	app := &application{
		cfg:          cfg,
		recorder:     recorder,
		metrics:      metrics,
		jwt:          jwtService,
		users:        users,
		quotations:   quotations,
		orders:       orders,
		store:        trackingStore,
		verifier:     verifier,
		detector:     detector,
		throttle:     middleware.NewThrottleTracker(),
		idemRepo:     idemRepo,
		auth:         api.NewAuthHandlers(users, jwtService, recorder),
		quotationAPI: api.NewQuotationHandlers(quotations, stones, orderService, recorder),
		orderAPI:     api.NewOrderHandlers(orders, orderService, recorder),
		paymentAPI:   api.NewPaymentHandlers(proofs, paymentService, gateway, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, recorder),
		webhookAPI:   api.NewWebhookHandlers(cfg.StripeWebhookSecret, webhookRepo, paymentService),
		auditAPI:     api.NewAuditHandlers(auditRepo, recorder),
		healthAPI:    newHealthHandlers(conn, redisClient, cfg.CaptchaVerifyURL),
	}

	handler := app.routes()

	// pprof only ever in development, and only when asked for.
	if cfg.Env == "development" && os.Getenv("ENABLE_PROFILING") == "true" {
		handler = middleware.Profiling(middleware.ProfilingConfig{
			Enabled:     true,
			Environment: cfg.Env,
		})(handler)
	}

	// Outermost chain: request id first so every later stage logs it.
	handler = middleware.Logging(logger)(handler)
	if tracingProvider.IsEnabled() {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.RequestID(handler)
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		handler = middleware.CORS(middleware.CORSConfig{
			AllowedOrigins:   strings.Split(origins, ","),
			AllowCredentials: true,
			MaxAge:           3600,
		})(handler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func newHealthHandlers(conn *sql.DB, redisClient *redis.Client, captchaURL string) *api.HealthHandlers {
	hcfg := api.HealthHandlersConfig{DBChecker: health.NewDBChecker(conn)}
	if redisClient != nil {
		hcfg.RedisChecker = health.NewRedisChecker(redisClient)
	}
	if captchaURL != "" {
		hcfg.CaptchaChecker = health.NewCaptchaChecker(captchaURL)
	}
	return api.NewHealthHandlers(hcfg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
