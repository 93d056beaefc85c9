package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"pronoundb/api/internal/app"
	"pronoundb/api/internal/auth"
	"pronoundb/api/internal/config"
	"pronoundb/api/internal/ratelimit"
	"pronoundb/api/internal/session"
	"pronoundb/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Fatal("REDIS_URL is required; sessions are stored in redis")
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	sessions := session.NewRedisStoreWithClient(redisClient, cfg.SessionTTL)

	var limiter ratelimit.Limiter
	if cfg.LookupRateLimit > 0 {
		limiterCfg := ratelimit.Config{Limit: cfg.LookupRateLimit, Window: cfg.LookupRateWindow}
		if cfg.LookupRateBackend == "memory" {
			log.Printf("using per-process lookup rate limiting")
			limiter = ratelimit.NewMemoryLimiter(limiterCfg)
		} else {
			limiter = ratelimit.NewRedisLimiter(redisClient, limiterCfg)
		}
	}

	verifier := auth.NewProviderVerifier(cfg.OAuth)
	if len(cfg.OAuth) == 0 {
		log.Printf("WARNING: no OAuth providers configured; account linking is disabled")
	}

	service := app.New(cfg, dataStore, sessions, verifier)
	httpServer := app.NewHTTPServer(service, limiter, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("PronounDB API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
