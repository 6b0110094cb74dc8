package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"contentgardener/internal/api"
	"contentgardener/internal/config"
	"contentgardener/internal/lock"
	"contentgardener/internal/pipeline"
	"contentgardener/internal/queue"
	"contentgardener/internal/ratelimit"
	"contentgardener/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(redisClient, ratelimit.Options{
		Capacity:        cfg.RateLimitCapacity,
		RefillPerSecond: cfg.RateLimitRefill,
		IdleExpiry:      time.Hour,
	})
	procLock := lock.New(redisClient, "publish-queue:processor", cfg.LockTTL)

	publisher := pipeline.New(cfg.PipelineURL, cfg.PipelineTimeout)
	reaper := queue.NewReaper(st, cfg.StallTimeout, cfg.PendingTimeout)
	enqueuer := queue.NewEnqueuer(st, st, reaper, cfg.MaxAttempts)
	processor := queue.NewProcessor(st, publisher, procLock, cfg.BackoffInitial, cfg.BackoffMax)

	server := api.New(cfg, st, enqueuer, processor, reaper, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
