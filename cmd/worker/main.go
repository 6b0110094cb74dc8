package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"contentgardener/internal/archive"
	"contentgardener/internal/config"
	"contentgardener/internal/lock"
	"contentgardener/internal/pipeline"
	"contentgardener/internal/queue"
	"contentgardener/internal/store"
	"contentgardener/internal/telemetry"
)

// The worker replaces the external cron trigger for self-hosted deployments:
// the same sweeps the HTTP endpoints expose run here on fixed schedules.
func main() {
	cfg := config.Load()

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
	procLock := lock.New(redisClient, "publish-queue:processor", cfg.LockTTL)

	publisher := pipeline.New(cfg.PipelineURL, cfg.PipelineTimeout)
	reaper := queue.NewReaper(st, cfg.StallTimeout, cfg.PendingTimeout)
	enqueuer := queue.NewEnqueuer(st, st, reaper, cfg.MaxAttempts)
	processor := queue.NewProcessor(st, publisher, procLock, cfg.BackoffInitial, cfg.BackoffMax)

	c := cron.New()

	mustSchedule(c, cfg.EnqueueSchedule, func() {
		if _, err := enqueuer.Sweep(ctx, time.Now(), cfg.CronSecret); err != nil {
			log.Printf("worker: enqueue sweep: %v", err)
		}
	})

	mustSchedule(c, cfg.ProcessSchedule, func() {
		drainQueue(ctx, processor)
	})

	mustSchedule(c, cfg.ReaperSchedule, func() {
		if _, err := reaper.ResetStalled(ctx, time.Now()); err != nil {
			log.Printf("worker: stalled job sweep: %v", err)
		}
	})

	if cfg.ArchiveBucket != "" {
		s3Client, err := archive.NewS3Client(ctx, cfg.ArchiveRegion)
		if err != nil {
			log.Fatalf("init s3 client: %v", err)
		}
		archiver := archive.New(st, s3Client, cfg.ArchiveBucket, cfg.RetentionAge)
		mustSchedule(c, cfg.ArchiveSchedule, func() {
			if _, err := archiver.Sweep(ctx, time.Now()); err != nil {
				log.Printf("worker: archive sweep: %v", err)
			}
		})
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	c.Start()
	log.Printf("worker started: enqueue=%q process=%q reaper=%q", cfg.EnqueueSchedule, cfg.ProcessSchedule, cfg.ReaperSchedule)

	<-ctx.Done()
	<-c.Stop().Done()
}

// drainQueue runs the single-job processor until the queue is empty or
// another instance holds the lock.
func drainQueue(ctx context.Context, processor *queue.Processor) {
	for {
		outcome, err := processor.ProcessOne(ctx)
		if err != nil {
			log.Printf("worker: process job: %v", err)
			return
		}
		if !outcome.Processed {
			return
		}
	}
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatalf("bad cron expression %q: %v", spec, err)
	}
}
