package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  cors_origins: ["https://ops.example.com"]

database:
  url: "postgres://localhost/health?sslmode=disable"

archive:
  s3_bucket: "health-archive"
  retention_days: 30

recompute:
  interval_minutes: 15
  max_concurrent: 8

scoring:
  weights:
    reliability: 0.5
    quality: 0.3
    value: 0.2
  long_window_days: 45
  quality_floor: 35

learner:
  lookback_days: 120

canon:
  venue_families:
    - name: "The Masquerade"
      aliases: ["Masquerade - Hell"]
      venue_ids: [12, 13]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres://localhost/health?sslmode=disable", cfg.Database.URL)

	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, 30*24*time.Hour, cfg.Archive.Retention())

	assert.Equal(t, 15*time.Minute, cfg.Recompute.Interval())
	assert.Equal(t, 8, cfg.Recompute.MaxConcurrent)

	hp := cfg.Scoring.HealthPolicy()
	assert.Equal(t, 0.5, hp.Weights.Reliability)
	assert.Equal(t, 45*24*time.Hour, hp.LongWindow)
	assert.Zero(t, hp.RecentWindow)
	assert.Equal(t, 35.0, cfg.Scoring.QualityPolicy().QualityFloor)

	fp := cfg.Learner.FrequencyPolicy()
	assert.Equal(t, 120*24*time.Hour, fp.Lookback)
	assert.Equal(t, 30, fp.MinObservationsHigh)

	fam, ok := cfg.Canon.Families().Resolve(domain.Event{VenueName: "Masquerade - Hell"})
	assert.True(t, ok)
	assert.Equal(t, fam, mustResolve(t, cfg, domain.Event{VenueID: int64Ptr(13)}))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 0\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, time.Hour, cfg.Recompute.Interval())
	assert.Equal(t, 2*time.Minute, cfg.Recompute.TaskTimeout())
	assert.Equal(t, 6*time.Hour, cfg.Redis.HealthCacheTTL())
	assert.Equal(t, 90, cfg.Retention.CrawlHistoryDays)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, "migrations", cfg.Migrations.Dir)
	assert.Equal(t, "schema_migrations", cfg.Migrations.TrackingTable)
	assert.Equal(t, DefaultManagedTables, cfg.Migrations.ManagedTables)
}

func TestLoad_CrawlHistoryFloor(t *testing.T) {
	cfg, err := Load(writeConfig(t, "retention:\n  crawl_history_days: 30\n"))
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Retention.CrawlHistoryDays)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file"
notify:
  webhook_url: "https://file.example.com/hook"
`)

	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("INGEST_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/1/crawl-output")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("PORT", "7070")
	t.Setenv("MIGRATIONS_DIR", "/srv/migrations")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.True(t, cfg.Ingest.Enabled)
	assert.Equal(t, "https://file.example.com/hook", cfg.Notify.WebhookURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/srv/migrations", cfg.Migrations.Dir)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestGetProfile(t *testing.T) {
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	c := AWSConfig{Profile: "dev"}

	t.Setenv("AWS_PROFILE_OVERRIDE", "")
	assert.Equal(t, "dev", c.GetProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "iam")
	assert.Equal(t, "", c.GetProfile())
}

func mustResolve(t *testing.T, cfg *Config, e domain.Event) string {
	t.Helper()
	fam, ok := cfg.Canon.Families().Resolve(e)
	require.True(t, ok)
	return fam
}

func int64Ptr(v int64) *int64 { return &v }
