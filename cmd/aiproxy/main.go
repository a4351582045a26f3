package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/config"
	"github.com/contentforge/ai-proxy/internal/auth"
	"github.com/contentforge/ai-proxy/internal/batch"
	"github.com/contentforge/ai-proxy/internal/fetch"
	"github.com/contentforge/ai-proxy/internal/gateway"
	"github.com/contentforge/ai-proxy/internal/provider"
	"github.com/contentforge/ai-proxy/internal/provider/anthropic"
	"github.com/contentforge/ai-proxy/internal/provider/google"
	"github.com/contentforge/ai-proxy/internal/provider/openai"
	"github.com/contentforge/ai-proxy/internal/proxy"
	"github.com/contentforge/ai-proxy/internal/ssrf"
	"github.com/contentforge/ai-proxy/internal/telemetry"
	"github.com/contentforge/ai-proxy/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logger
	var logger *zap.Logger
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("ai-proxy", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 4. Init rate limiters
	limiter := ratelimit.NewTiered()
	defer limiter.Close()
	reports := ratelimit.NewFixed(30, time.Minute)
	defer reports.Close()

	// 5. Init providers
	providers := map[string]provider.Provider{
		provider.Anthropic: anthropic.New(cfg.AnthropicAPIKey),
		provider.OpenAI:    openai.New(cfg.OpenAIAPIKey),
		provider.Google:    google.New(cfg.GeminiAPIKey),
	}

	// 6. Init gateway and batch executor
	tracer := otel.GetTracerProvider().Tracer("ai-proxy")
	gw := gateway.New(providers, tracer, logger)
	executor := batch.New(gw, limiter, logger)

	// 7. Init URL fetcher with SSRF guard
	fetcher := fetch.New(ssrf.New())

	// 8. Init auth
	var verifier auth.Verifier
	if cfg.AuthJWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.AuthJWTSecret)
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, token verification disabled")
	}
	authMiddleware := auth.NewMiddleware(verifier, cfg.Development(), logger)

	// 9. Init handler
	handler := proxy.NewHandler(gw, executor, fetcher, reports, verifier != nil, logger)

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestSize(10 << 20))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(proxy.RequestLogger(logger))

	// Public routes
	r.Get("/health", handler.HandleHealth)
	r.Post("/api/errors", handler.HandleErrors)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		// Per-request quota
		r.Group(func(r chi.Router) {
			r.Use(proxy.RateLimit(limiter, logger))
			r.Post("/", handler.HandleAI)
			r.Post("/api/ai", handler.HandleAI)
			r.Post("/api/fetch-url", handler.HandleFetch)
		})

		// Batch consumes quota per item internally
		r.Post("/api/ai/batch", handler.HandleBatch)
	})

	r.NotFound(handler.HandleNotFound)
	r.MethodNotAllowed(handler.HandleNotFound)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("AI proxy starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
