package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"loyaltyhub/internal/common/database"
	"loyaltyhub/internal/common/metrics"
	"loyaltyhub/internal/common/middleware"
	"loyaltyhub/internal/common/nats"
	"loyaltyhub/internal/common/ratelimit"
	"loyaltyhub/internal/loyalty"
	"loyaltyhub/internal/loyalty/api"
	"loyaltyhub/internal/loyalty/store"
	"loyaltyhub/internal/providers/shopify"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Store              string   `envconfig:"LOYALTY_STORE" default:"memory"`
	AdminSecretKey     string   `envconfig:"ADMIN_SECRET_KEY"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	Database  database.Config
	NATS      nats.Config
	Shopify   shopify.Config
	Loyalty   loyalty.Config
	Policy    loyalty.PolicyConfig
	RateLimit ratelimit.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := cfg.RateLimit.Validate(); err != nil {
		return err
	}
	if !cfg.Shopify.Configured() {
		logger.Warn("shopify credentials missing; points and discount calls will fail",
			"store_url_set", cfg.Shopify.StoreURL != "",
			"access_token_set", cfg.Shopify.AccessToken != "",
		)
	}
	if cfg.AdminSecretKey == "" {
		logger.Warn("ADMIN_SECRET_KEY not set; admin routes are disabled")
	}

	// Hold and award stores
	var (
		holds  loyalty.HoldStore
		awards loyalty.AwardStore
		db     *database.DB
	)
	switch cfg.Store {
	case "postgres":
		var err error
		db, err = database.New(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, store.Migrations, store.MigrationsDir, logger); err != nil {
				return err
			}
		}
		holds = store.NewPostgresStore(db)
		awards = store.NewPostgresAwardStore(db)
	case "memory", "":
		holds = store.NewMemoryStore()
		awards = store.NewMemoryAwardStore()
	default:
		return fmt.Errorf("unknown LOYALTY_STORE %q", cfg.Store)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Create services
	adapter := shopify.NewAdapter(cfg.Shopify, logger)
	policy := loyalty.NewPolicy(cfg.Policy)
	loyaltyService := loyalty.NewService(cfg.Loyalty, holds, awards, adapter, adapter, policy, logger)
	loyaltyService.SetMetrics(m)

	// Events
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		var err error
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		if _, err := natsClient.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.MaxAge); err != nil {
			return err
		}
		loyaltyService.SetPublisher(nats.NewPublisher(natsClient, shopDomain(cfg.Shopify.StoreURL), logger))
	}

	// Redemption rate limit
	var limiter middleware.RateLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	if cfg.RateLimit.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, "loyalty:redeem:", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	// Create handlers
	var prober api.ScopeProber
	if cfg.Shopify.Configured() {
		prober = adapter
	}
	loyaltyHandler := api.NewHandler(loyaltyService, prober, api.Info{
		StoreURLConfigured:    cfg.Shopify.StoreURL != "",
		AccessTokenConfigured: cfg.Shopify.AccessToken != "",
		Storage:               storageLabel(cfg.Store),
	}, logger)
	webhookHandler := shopify.NewWebhookHandler(loyaltyService, cfg.Shopify.WebhookSecret, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
	}).Handler)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// API routes
	r.Mount("/webhook", webhookHandler.Routes())
	r.Mount("/", loyaltyHandler.Routes(
		middleware.RateLimit(limiter, middleware.ClientIP, logger),
		middleware.AdminKey(cfg.AdminSecretKey),
	))

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper := loyalty.NewSweeper(loyaltyService, cfg.Loyalty.SweepInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting loyalty service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.Store,
			"nats", cfg.NATS.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// shopDomain strips the scheme and path from the store URL.
func shopDomain(storeURL string) string {
	s := storeURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func storageLabel(kind string) string {
	if kind == "postgres" {
		return "PostgreSQL"
	}
	return "In-memory (no database required)"
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
