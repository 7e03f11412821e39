package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/app"
	"github.com/dStensland/LostCity-sub000/internal/config"
	"github.com/dStensland/LostCity-sub000/internal/ingest"
	"github.com/dStensland/LostCity-sub000/internal/worker"
)

func main() {
	log.Println("Starting Source Health Worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer a.Close()

	// Recompute scheduler (health scores + cadence recommendations)
	scheduler := worker.NewRecomputeScheduler(a.Health, a.LockFactory(), worker.RecomputeConfig{
		Interval:      cfg.Recompute.Interval(),
		MaxConcurrent: cfg.Recompute.MaxConcurrent,
		TaskTimeout:   cfg.Recompute.TaskTimeout(),
		RunOnStart:    cfg.Recompute.RunOnStart,
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start recompute scheduler: %v", err)
	}
	log.Printf("Recompute scheduler started (every %s, %d concurrent)", cfg.Recompute.Interval(), cfg.Recompute.MaxConcurrent)

	// Data cleanup needs SQL; the in-memory store has nothing to prune.
	if a.DB != nil {
		cleanup := worker.NewDataCleanupWorker(a.DB, worker.CleanupConfig{
			Interval:         cfg.Retention.Interval(),
			CrawlHistoryDays: cfg.Retention.CrawlHistoryDays,
		})
		go cleanup.Start(ctx)
		log.Printf("Data Cleanup Worker started (crawl history %dd)", cfg.Retention.CrawlHistoryDays)
	} else {
		log.Println("Data Cleanup Worker skipped (no database)")
	}

	// Crawler output queue
	var consumer *ingest.Consumer
	if cfg.Ingest.Enabled && cfg.Ingest.QueueURL != "" {
		client, err := a.SQS(ctx)
		if err != nil {
			log.Printf("Warning: AWS config for ingest consumer failed: %v", err)
		} else {
			consumer = ingest.NewConsumer(client, cfg.Ingest.QueueURL, a.Runs, a.Events, ingest.Config{
				MaxMessages: int32(cfg.Ingest.MaxMessages),
				WaitSeconds: int32(cfg.Ingest.WaitSeconds),
			})
			consumer.Start(ctx)
			log.Printf("Ingest consumer started (queue=%s)", cfg.Ingest.QueueURL)
		}
	} else {
		log.Println("Ingest consumer not configured (INGEST_QUEUE_URL not set)")
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := scheduler.Stats()
				log.Printf("Worker heartbeat - ticks=%d scored=%d skipped=%d errors=%d",
					s["total_ticks"], s["total_scored"], s["total_skipped"], s["total_errors"])
			}
		}
	}()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	scheduler.Stop()
	if consumer != nil {
		consumer.Stop()
	}
	cancel()

	log.Println("Worker stopped")
}
