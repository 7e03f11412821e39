// Package app wires configuration into the running service graph shared by
// the API server and the background worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/dStensland/LostCity-sub000/internal/cache"
	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/config"
	"github.com/dStensland/LostCity-sub000/internal/notify"
	"github.com/dStensland/LostCity-sub000/internal/pkg/distlock"
	"github.com/dStensland/LostCity-sub000/internal/pkg/httpretry"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
	"github.com/dStensland/LostCity-sub000/internal/quality"
	"github.com/dStensland/LostCity-sub000/internal/repository/memory"
	"github.com/dStensland/LostCity-sub000/internal/repository/postgres"
	"github.com/dStensland/LostCity-sub000/internal/service/crawlrun"
	"github.com/dStensland/LostCity-sub000/internal/service/events"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
	"github.com/dStensland/LostCity-sub000/internal/service/sourcehealth"
	"github.com/dStensland/LostCity-sub000/internal/storage"
	"github.com/dStensland/LostCity-sub000/internal/worker"
)

// App holds the shared connections and services.
type App struct {
	Config *config.Config
	DB     *sql.DB       // nil when running on the in-memory store
	Redis  *redis.Client // nil when Redis is not configured or unreachable

	Runs   *crawlrun.Service
	Events *events.Service
	Issues *issues.Service
	Health *sourcehealth.Service

	aws    *aws.Config
	closed bool
}

// New connects the backing stores and builds the services. Redis and the
// AWS sinks are optional: failures there are logged and the feature is
// left off. A database failure is fatal.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedact(cfg.Logging.Redact)

	a := &App{Config: cfg}

	if cfg.Database.URL != "" {
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
	} else {
		logger.Warn("database url not set, using in-memory store")
	}

	a.Redis = connectRedis(ctx, cfg.Redis.URL)

	a.buildServices()

	if cfg.Archive.Enabled() {
		awsCfg, err := a.AWS(ctx)
		if err != nil {
			logger.Warn("archive disabled", "error", err)
		} else {
			a.Health.SetArchiver(storage.NewAWSArchive(awsCfg, cfg.Archive.S3Bucket, cfg.Archive.DynamoDBTable, cfg.Archive.Retention()))
			logger.Info("score archive enabled", "bucket", cfg.Archive.S3Bucket, "table", cfg.Archive.DynamoDBTable)
		}
	}

	if n := a.notifier(ctx); n.Len() > 0 {
		a.Health.SetNotifier(n)
		logger.Info("cadence notifications enabled", "sinks", n.Len())
	}

	return a, nil
}

func openDB(ctx context.Context, c config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", c.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime())
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", "url", c.URL)
	return db, nil
}

func connectRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		logger.Info("redis not configured, using PG advisory locks and no score cache")
		return nil
	}
	var client *redis.Client
	if opts, err := redis.ParseURL(url); err != nil {
		client = redis.NewClient(&redis.Options{Addr: url})
	} else {
		client = redis.NewClient(opts)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis connection failed, falling back to PG advisory locks", "url", url, "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "url", url)
	return client
}

func (a *App) buildServices() {
	cfg := a.Config

	var (
		runRepo    crawlrun.Repository
		eventRepo  events.Repository
		issueRepo  issues.Repository
		healthRepo sourcehealth.Repository
	)
	if a.DB != nil {
		runRepo = postgres.NewCrawlRunRepo(a.DB)
		eventRepo = postgres.NewEventRepo(a.DB)
		issueRepo = postgres.NewIssueRepo(a.DB)
		healthRepo = postgres.NewHealthRepo(a.DB)
	} else {
		store := memory.NewStore()
		runRepo = store.CrawlRuns()
		eventRepo = store.Events()
		issueRepo = store.Issues()
		healthRepo = store.Health()
	}

	a.Issues = issues.NewService(issueRepo)
	a.Issues.SetStreakPolicy(cfg.Issues.StreakPolicy())

	a.Runs = crawlrun.NewService(runRepo)
	a.Runs.SetStreakObserver(a.Issues, a.Issues.StreakPolicy().Lookback)

	a.Events = events.NewService(eventRepo, a.Runs, a.Issues,
		canon.New(cfg.Canon.Families()), quality.NewScorer(cfg.Scoring.QualityPolicy()))

	a.Health = sourcehealth.NewService(healthRepo, sourcehealth.Policy{
		Health:    cfg.Scoring.HealthPolicy(),
		Frequency: cfg.Learner.FrequencyPolicy(),
	})
	if a.Redis != nil {
		a.Health.SetCache(cache.NewHealthCache(a.Redis, cfg.Redis.HealthCacheTTL()))
	}
}

// AWS loads the AWS configuration once.
func (a *App) AWS(ctx context.Context) (aws.Config, error) {
	if a.aws != nil {
		return *a.aws, nil
	}
	c := a.Config.AWS
	awsCfg, err := storage.LoadAWSConfig(ctx, storage.AWSOptions{
		Region:          c.Region,
		Profile:         c.GetProfile(),
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Endpoint:        c.Endpoint,
	})
	if err != nil {
		return aws.Config{}, err
	}
	a.aws = &awsCfg
	return awsCfg, nil
}

// SQS returns an SQS client on the shared AWS configuration.
func (a *App) SQS(ctx context.Context) (*sqs.Client, error) {
	awsCfg, err := a.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg), nil
}

func (a *App) notifier(ctx context.Context) *notify.Multi {
	c := a.Config.Notify
	var sinks []notify.Notifier

	if c.QueueURL != "" {
		client, err := a.SQS(ctx)
		if err != nil {
			logger.Warn("cadence queue disabled", "error", err)
		} else {
			sinks = append(sinks, notify.NewSQSNotifier(client, c.QueueURL))
		}
	}
	if c.WebhookURL != "" {
		opts := httpretry.DefaultOptions()
		if c.MaxRetries > 0 {
			opts.MaxRetries = c.MaxRetries
		}
		doer := httpretry.New(&http.Client{Timeout: c.Timeout()}, opts)
		sinks = append(sinks, notify.NewWebhookNotifier(doer, c.WebhookURL, c.WebhookSecret))
	}
	return notify.NewMulti(c.Timeout(), sinks...)
}

// LockFactory returns per-source locks backed by Redis, PG advisory locks,
// or in-process locks, in that order of preference.
func (a *App) LockFactory() worker.LockFactory {
	return func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(a.Redis, a.DB, key, ttl)
	}
}

// Close releases connections.
func (a *App) Close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
