package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/relay-gateway/internal/audit"
	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/byok"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/gateway"
	"github.com/af-corp/relay-gateway/internal/ratelimit"
	"github.com/af-corp/relay-gateway/internal/router"
	"github.com/af-corp/relay-gateway/internal/streamstate"
	"github.com/af-corp/relay-gateway/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Master key for credential encryption
	cipher, err := byok.NewCipher(cfg.Crypto.MasterKey)
	if err != nil {
		logger.Error("invalid master key (generate one with keytool)", "error", err)
		os.Exit(1)
	}

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (gateway will start but auth and credentials will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (caching, rate limits, and cross-tab sync disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	metrics := telemetry.NewMetrics()

	// Build vendor registry; rebuilt on config reload
	registry := router.BuildFromConfig(loader.Vendors())
	loader.OnReload(func() {
		registry.Rebuild(loader.Vendors())
		logger.Info("vendor registry reloaded")
	})

	// Credential layer
	credStore := byok.NewPGStore(dbPool)
	resolver := byok.NewResolver(credStore, cipher, loader.Vendors().ResolveOperatorKeys(), metrics)
	auditLog := audit.NewLogger(dbPool)
	keyService := byok.NewService(credStore, cipher, resolver, registry, auditLog, metrics)

	// Stream state: Redis-backed, falling back to in-process for dev
	var states streamstate.Store
	if rdb != nil {
		states = streamstate.NewRedisStore(rdb, cfg.Streaming.StateTTL, cfg.Streaming.MaxStatesPerConversation)
	} else {
		states = streamstate.NewMemoryStore(cfg.Streaming.MaxStatesPerConversation)
	}
	broadcast := streamstate.NewBroadcaster(rdb)

	rt := router.New(registry, loader, resolver, states, broadcast, metrics, cfg.Streaming)
	rt.SetUsageTracker(ratelimit.NewUsageTracker(rdb))

	guard := ratelimit.NewGuard(ratelimit.NewLimiter(rdb), cfg.Limits)

	sessionStore := auth.NewCachedSessionStore(dbPool, rdb)
	handler := gateway.NewHandler(rt, keyService, states, broadcast, func() *config.ModelsConfig {
		return loader.Models()
	}, metrics)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	// Unauthenticated routes
	r.Get("/healthz", handler.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(sessionStore))

		r.Post("/v1/chat/stream", handler.ChatStream)
		r.Post("/v1/chat/stream/resume", handler.ResumeStream)
		r.Get("/v1/conversations/{id}/recoverable", handler.Recoverable)
		r.Get("/v1/conversations/{id}/events", handler.ConversationEvents)
		r.Delete("/v1/streams/{id}", handler.DiscardStream)
		r.Post("/v1/streams/{id}/pause", handler.PauseStream)
		r.Get("/v1/models", handler.ListModels)

		r.Get("/v1/keys", handler.ListKeys)
		r.With(ratelimit.Middleware(guard, ratelimit.OpKeyCreate, metrics)).
			Post("/v1/keys", handler.CreateKey)
		r.With(ratelimit.Middleware(guard, ratelimit.OpKeyTest, metrics)).
			Post("/v1/keys/test", handler.TestKey)
		r.With(ratelimit.Middleware(guard, ratelimit.OpKeyRotate, metrics)).
			Post("/v1/keys/rotate", handler.RotateKeys)
		r.With(ratelimit.Middleware(guard, ratelimit.OpKeyExport, metrics)).
			Post("/v1/keys/export", handler.ExportKeys)
		r.Delete("/v1/keys/{id}", handler.DeleteKey)
	})

	// Metrics on a separate port
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			logger.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout must cover the longest stream
		WriteTimeout: cfg.Streaming.CompletionTimeout + cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
