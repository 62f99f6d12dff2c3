package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"scanfleet/internal/api"
	"scanfleet/internal/config"
	"scanfleet/internal/discovery"
	applog "scanfleet/internal/log"
	"scanfleet/internal/queue"
	"scanfleet/internal/ratelimit"
	"scanfleet/internal/results"
	"scanfleet/internal/store"
)

func main() {
	cfg := config.Load()
	logger := applog.New(cfg.Verbose)
	slog.SetDefault(logger)

	if err := cfg.ValidateAPI(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewWithClient(redisClient, cfg.LeaseTTL)
	res := results.NewWithClient(redisClient)
	cache := discovery.NewCache(redisClient, cfg.ProjectCacheTTL)
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	engine := discovery.NewEngine(cfg, q, cache, st)

	server := api.New(cfg, st, q, res, cache, limiter, engine, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
