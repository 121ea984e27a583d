package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/sage-ai/sage/config"
	"github.com/sage-ai/sage/internal/chat"
	"github.com/sage-ai/sage/internal/gateway"
	"github.com/sage-ai/sage/internal/identity"
	"github.com/sage-ai/sage/internal/ledger"
	"github.com/sage-ai/sage/internal/pricing"
	"github.com/sage-ai/sage/internal/provider"
	"github.com/sage-ai/sage/internal/provider/anthropic"
	"github.com/sage-ai/sage/internal/provider/openai"
	"github.com/sage-ai/sage/internal/router"
	"github.com/sage-ai/sage/internal/seeder"
	"github.com/sage-ai/sage/internal/telemetry"
	"github.com/sage-ai/sage/internal/tokenizer"
	"github.com/sage-ai/sage/pkg/quota"
)

const defaultModel = "gpt-4o-mini"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("sage", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Connect Redis if configured. Without it the daily quota gate
	// degrades to allow-all and token lookups skip the cache.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
	}

	// 4. Pick the storage backend
	var (
		chatStore   chat.Store
		ledgerStore ledger.Store
		resolver    identity.Resolver
	)
	switch cfg.StorageBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		chatStore = chat.NewPostgresStore(pool)
		ledgerStore = ledger.NewPostgresStore(pool)

		tokenStore := identity.NewPostgresStore(pool)
		resolver = identity.NewStoreResolver(tokenStore, rdb)

		if os.Getenv("RUN_SEED") == "true" {
			seeder.SeedTestToken(ctx, tokenStore)
		}

	case "file":
		cs, err := chat.NewFileStore(filepath.Join(cfg.DataDir, "chats"))
		if err != nil {
			log.Fatalf("failed to open chat store: %v", err)
		}
		chatStore = cs

		ls, err := ledger.NewFileStore(filepath.Join(cfg.DataDir, "ledger.json"))
		if err != nil {
			log.Fatalf("failed to open ledger store: %v", err)
		}
		ledgerStore = ls

		resolver, err = identity.NewStaticResolver(cfg.AllowedTokens)
		if err != nil {
			log.Fatalf("failed to parse ALLOWED_TOKENS: %v", err)
		}
	}

	// 5. Pricing table, with optional on-disk overrides
	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		table, err = pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			log.Fatalf("failed to load pricing table: %v", err)
		}
	}

	// 6. Usage ledger
	var ledgerOpts []ledger.Option
	if cfg.SpendingLimitUSD != "" {
		limit, err := decimal.NewFromString(cfg.SpendingLimitUSD)
		if err != nil {
			log.Fatalf("invalid SPENDING_LIMIT_USD: %v", err)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithDefaultLimit(limit))
	}
	usage, err := ledger.New(ctx, ledgerStore, table, ledgerOpts...)
	if err != nil {
		log.Fatalf("failed to load usage ledger: %v", err)
	}

	// 7. Daily quota gate
	var gate quota.Gate = quota.AllowAll{}
	if rdb != nil {
		gate = quota.NewDaily(rdb, cfg.MaxDailyCalls)
	}

	// 8. Providers and model routing
	providers := []provider.Provider{
		openai.New(cfg.OpenAIAPIKey),
		anthropic.New(cfg.AnthropicAPIKey),
	}
	rt := router.New(providers, router.DefaultCatalog())

	// 9. Chat service and gateway
	chats := chat.NewService(chatStore)
	tracer := otel.GetTracerProvider().Tracer("sage")
	gw := gateway.New(rt, tokenizer.NewCounter(), usage, chats, table, gate, tracer, cfg.ProviderTimeout)
	handler := gateway.NewHandler(gw, chats, usage, defaultModel)

	// 10. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sage"}`))
	})
	r.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": rt.Models()})
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(identity.NewMiddleware(resolver))
		handler.Routes(r)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Sage starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
