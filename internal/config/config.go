package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/frequency"
	"github.com/dStensland/LostCity-sub000/internal/health"
	"github.com/dStensland/LostCity-sub000/internal/quality"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Migrations MigrationsConfig `yaml:"migrations"`
	Redis      RedisConfig      `yaml:"redis"`
	AWS        AWSConfig        `yaml:"aws"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Notify     NotifyConfig     `yaml:"notify"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Recompute  RecomputeConfig  `yaml:"recompute"`
	Retention  RetentionConfig  `yaml:"retention"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Learner    LearnerConfig    `yaml:"learner"`
	Issues     IssuesConfig     `yaml:"issues"`
	Canon      CanonConfig      `yaml:"canon"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	CORSOrigins         []string `yaml:"cors_origins"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// ReadTimeout returns the request read timeout.
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the response write timeout.
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Redact bool   `yaml:"redact"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL runs the service on
// the in-memory store.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pooled connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// MigrationsConfig locates the SQL migrations and the tables they own.
type MigrationsConfig struct {
	Dir           string   `yaml:"dir"`
	TrackingTable string   `yaml:"tracking_table"`
	ManagedTables []string `yaml:"managed_tables"`
}

// DefaultManagedTables are the tables the bundled migrations create.
var DefaultManagedTables = []string{
	"sources",
	"crawl_runs",
	"frequency_observations",
	"events",
	"event_quality_scores",
	"quality_issues",
	"source_health_scores",
}

// RedisConfig holds Redis settings. An empty URL disables the health cache
// and falls back to Postgres advisory or local locks.
type RedisConfig struct {
	URL                   string `yaml:"url"`
	HealthCacheTTLMinutes int    `yaml:"health_cache_ttl_minutes"`
}

// HealthCacheTTL returns the health cache entry lifetime.
func (c RedisConfig) HealthCacheTTL() time.Duration {
	return time.Duration(c.HealthCacheTTLMinutes) * time.Minute
}

// AWSConfig holds the shared AWS client settings
type AWSConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"` // Empty string uses default credential chain (IAM role on ECS)
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
}

// GetProfile returns the AWS profile, with environment variable override
func (c AWSConfig) GetProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.Profile
}

// IngestConfig holds the crawler output queue settings
type IngestConfig struct {
	Enabled     bool   `yaml:"enabled"`
	QueueURL    string `yaml:"queue_url"`
	MaxMessages int    `yaml:"max_messages"`
	WaitSeconds int    `yaml:"wait_seconds"`
}

// NotifyConfig holds the cadence change sinks. Each is enabled by setting
// its target.
type NotifyConfig struct {
	QueueURL       string `yaml:"queue_url"`
	WebhookURL     string `yaml:"webhook_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-sink delivery timeout.
func (c NotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ArchiveConfig holds the long-term score archive targets
type ArchiveConfig struct {
	S3Bucket      string `yaml:"s3_bucket"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	RetentionDays int    `yaml:"retention_days"` // DynamoDB TTL; 0 keeps items forever
}

// Enabled reports whether any archive target is configured.
func (c ArchiveConfig) Enabled() bool {
	return c.S3Bucket != "" || c.DynamoDBTable != ""
}

// Retention returns the DynamoDB item lifetime.
func (c ArchiveConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RecomputeConfig holds scheduler settings
type RecomputeConfig struct {
	IntervalMinutes    int  `yaml:"interval_minutes"`
	MaxConcurrent      int  `yaml:"max_concurrent"`
	TaskTimeoutSeconds int  `yaml:"task_timeout_seconds"`
	RunOnStart         bool `yaml:"run_on_start"`
}

// Interval returns the recompute interval as a duration
func (c RecomputeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// TaskTimeout returns the per-source recompute timeout.
func (c RecomputeConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// RetentionConfig holds cleanup settings
type RetentionConfig struct {
	IntervalMinutes  int `yaml:"interval_minutes"`
	CrawlHistoryDays int `yaml:"crawl_history_days"`
}

// Interval returns the cleanup interval as a duration
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ScoringConfig holds the event scorer and health aggregator tunables
type ScoringConfig struct {
	Weights                health.Weights `yaml:"weights"`
	RecentWindowDays       int            `yaml:"recent_window_days"`
	LongWindowDays         int            `yaml:"long_window_days"`
	RecentBlend            float64        `yaml:"recent_blend"`
	MinRecentRuns          int            `yaml:"min_recent_runs"`
	MinLongRuns            int            `yaml:"min_long_runs"`
	TargetNewPerRun        float64        `yaml:"target_new_per_run"`
	MaxCostPerEvent        float64        `yaml:"max_cost_per_event"`
	QualityFloor           float64        `yaml:"quality_floor"`
	MinDescriptionLength   int            `yaml:"min_description_length"`
	LowVenueMatchThreshold float64        `yaml:"low_venue_match_threshold"`
	LowConfidenceThreshold float64        `yaml:"low_confidence_threshold"`
}

// HealthPolicy converts the section into an aggregator policy. Unset fields
// take the aggregator defaults.
func (c ScoringConfig) HealthPolicy() health.Policy {
	return health.Policy{
		Weights:         c.Weights,
		RecentWindow:    days(c.RecentWindowDays),
		LongWindow:      days(c.LongWindowDays),
		RecentBlend:     c.RecentBlend,
		MinRecentRuns:   c.MinRecentRuns,
		MinLongRuns:     c.MinLongRuns,
		TargetNewPerRun: c.TargetNewPerRun,
		MaxCostPerEvent: c.MaxCostPerEvent,
	}
}

// QualityPolicy converts the section into an event scorer policy.
func (c ScoringConfig) QualityPolicy() quality.Policy {
	return quality.Policy{
		QualityFloor:           c.QualityFloor,
		MinDescriptionLength:   c.MinDescriptionLength,
		LowVenueMatchThreshold: c.LowVenueMatchThreshold,
		LowConfidenceThreshold: c.LowConfidenceThreshold,
	}
}

// LearnerConfig holds the frequency learner tunables
type LearnerConfig struct {
	LookbackDays          int     `yaml:"lookback_days"`
	ModerateZeroYield     float64 `yaml:"moderate_zero_yield"`
	HighZeroYield         float64 `yaml:"high_zero_yield"`
	ExtremeZeroYield      float64 `yaml:"extreme_zero_yield"`
	MinObservationsMedium int     `yaml:"min_observations_medium"`
	MinObservationsHigh   int     `yaml:"min_observations_high"`
}

// FrequencyPolicy converts the section into a learner policy on top of the
// learner defaults.
func (c LearnerConfig) FrequencyPolicy() frequency.Policy {
	p := frequency.DefaultPolicy()
	if c.LookbackDays > 0 {
		p.Lookback = days(c.LookbackDays)
	}
	if c.ModerateZeroYield > 0 {
		p.ModerateZeroYield = c.ModerateZeroYield
	}
	if c.HighZeroYield > 0 {
		p.HighZeroYield = c.HighZeroYield
	}
	if c.ExtremeZeroYield > 0 {
		p.ExtremeZeroYield = c.ExtremeZeroYield
	}
	if c.MinObservationsMedium > 0 {
		p.MinObservationsMedium = c.MinObservationsMedium
	}
	if c.MinObservationsHigh > 0 {
		p.MinObservationsHigh = c.MinObservationsHigh
	}
	return p
}

// IssuesConfig holds the run streak detector thresholds
type IssuesConfig struct {
	ZeroStreakRuns    int     `yaml:"zero_streak_runs"`
	ProductiveAverage float64 `yaml:"productive_average"`
	FailureStreakRuns int     `yaml:"failure_streak_runs"`
	Lookback          int     `yaml:"lookback"`
}

// StreakPolicy converts the section into detector thresholds.
func (c IssuesConfig) StreakPolicy() issues.StreakPolicy {
	return issues.StreakPolicy{
		ZeroStreakRuns:    c.ZeroStreakRuns,
		ProductiveAverage: c.ProductiveAverage,
		FailureStreakRuns: c.FailureStreakRuns,
		Lookback:          c.Lookback,
	}
}

// CanonConfig holds the venue families used for deduplication
type CanonConfig struct {
	VenueFamilies []VenueFamilyConfig `yaml:"venue_families"`
}

// VenueFamilyConfig is one venue and its sub-rooms
type VenueFamilyConfig struct {
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	VenueIDs []int64  `yaml:"venue_ids"`
}

// Families builds the canonicalizer's family resolver.
func (c CanonConfig) Families() *canon.Families {
	fams := make([]canon.Family, 0, len(c.VenueFamilies))
	for _, f := range c.VenueFamilies {
		fams = append(fams, canon.Family{Name: f.Name, Aliases: f.Aliases, VenueIDs: f.VenueIDs})
	}
	return canon.NewFamilies(fams)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 30
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.HealthCacheTTLMinutes == 0 {
		cfg.Redis.HealthCacheTTLMinutes = 360
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Ingest.MaxMessages == 0 {
		cfg.Ingest.MaxMessages = 10
	}
	if cfg.Ingest.WaitSeconds == 0 {
		cfg.Ingest.WaitSeconds = 20
	}
	if cfg.Notify.TimeoutSeconds == 0 {
		cfg.Notify.TimeoutSeconds = 10
	}
	if cfg.Notify.MaxRetries == 0 {
		cfg.Notify.MaxRetries = 3
	}
	if cfg.Recompute.IntervalMinutes == 0 {
		cfg.Recompute.IntervalMinutes = 60
	}
	if cfg.Recompute.MaxConcurrent == 0 {
		cfg.Recompute.MaxConcurrent = 4
	}
	if cfg.Recompute.TaskTimeoutSeconds == 0 {
		cfg.Recompute.TaskTimeoutSeconds = 120
	}
	if cfg.Retention.IntervalMinutes == 0 {
		cfg.Retention.IntervalMinutes = 60
	}
	if cfg.Retention.CrawlHistoryDays < 90 {
		cfg.Retention.CrawlHistoryDays = 90
	}
	if cfg.Migrations.Dir == "" {
		cfg.Migrations.Dir = "migrations"
	}
	if cfg.Migrations.TrackingTable == "" {
		cfg.Migrations.TrackingTable = "schema_migrations"
	}
	if len(cfg.Migrations.ManagedTables) == 0 {
		cfg.Migrations.ManagedTables = append([]string(nil), DefaultManagedTables...)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		cfg.Migrations.Dir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.AWS.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.AWS.SecretAccessKey = v
	}
	if v := os.Getenv("AWS_ENDPOINT_URL"); v != "" {
		cfg.AWS.Endpoint = v
	}
	if v := os.Getenv("INGEST_QUEUE_URL"); v != "" {
		cfg.Ingest.QueueURL = v
		cfg.Ingest.Enabled = true
	}
	if v := os.Getenv("NOTIFY_QUEUE_URL"); v != "" {
		cfg.Notify.QueueURL = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_SECRET"); v != "" {
		cfg.Notify.WebhookSecret = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
	}
	if v := os.Getenv("ARCHIVE_DYNAMODB_TABLE"); v != "" {
		cfg.Archive.DynamoDBTable = v
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
