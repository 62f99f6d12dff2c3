package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"scanfleet/internal/config"
	applog "scanfleet/internal/log"
	"scanfleet/internal/queue"
	"scanfleet/internal/results"
	"scanfleet/internal/telemetry"
	"scanfleet/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := applog.New(cfg.Verbose)
	slog.SetDefault(logger)

	if err := cfg.ValidateWorker(); err != nil {
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewWithClient(redisClient, cfg.LeaseTTL)
	res := results.NewWithClient(redisClient)

	base := os.Getenv("WORKER_ID")
	if base == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			base = hostname
		} else {
			base = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting",
		"base_id", base,
		"concurrency", cfg.WorkerConcurrency,
		"lease_ttl", cfg.LeaseTTL,
		"heartbeat", cfg.HeartbeatInterval)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", base, i)
		runner := worker.NewRunner(cfg, q, res, workerID, logger)
		g.Go(func() error { return runner.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker shut down")
}
