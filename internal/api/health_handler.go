package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dStensland/LostCity-sub000/internal/pkg/httputil"
)

// HealthStatus is the overall health of the service process.
type HealthStatus struct {
	Status  string                    `json:"status"` // healthy, degraded, unhealthy
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // up, down, degraded, not_configured
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	statusUp            = "up"
	statusDown          = "down"
	statusDegraded      = "degraded"
	statusNotConfigured = "not_configured"
)

// HealthChecker checks the database, Redis and recompute freshness. Any
// dependency may be nil.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	staleAfter  time.Duration
	startTime   time.Time
}

// NewHealthChecker creates a checker. Scores older than staleAfter mark the
// recompute check degraded.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, staleAfter time.Duration) *HealthChecker {
	if staleAfter <= 0 {
		staleAfter = 3 * time.Hour
	}
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		staleAfter:  staleAfter,
		startTime:   time.Now(),
	}
}

// Version is reported by the health endpoints.
var Version = "dev"

// HandleHealth reports every check. Always 200; the body carries status.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: Version,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	})
}

// HandleLiveness always returns 200 while the process runs.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness returns 503 when a critical dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  overall != "unhealthy",
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 3)

	go func() { ch <- result{"database", hc.checkDatabase(ctx)} }()
	go func() { ch <- result{"redis", hc.checkRedis(ctx)} }()
	go func() { ch <- result{"recompute", hc.checkRecompute(ctx)} }()

	checks := make(map[string]ComponentCheck, 3)
	for i := 0; i < 3; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: statusNotConfigured, Message: "in-memory store"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	return latencyCheck(time.Since(start), time.Second, err)
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: statusNotConfigured, Message: "cache disabled"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	return latencyCheck(time.Since(start), 500*time.Millisecond, err)
}

// checkRecompute reports how old the newest health score is.
func (hc *HealthChecker) checkRecompute(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: statusNotConfigured, Message: "in-memory store"}
	}

	queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	var newest sql.NullTime
	err := hc.db.QueryRowContext(queryCtx, `SELECT MAX(computed_at) FROM source_health_scores`).Scan(&newest)
	latency := time.Since(start)

	switch {
	case err != nil:
		return ComponentCheck{Status: statusDegraded, Latency: latency.String(), Message: fmt.Sprintf("freshness check failed: %v", err)}
	case !newest.Valid:
		return ComponentCheck{Status: statusDegraded, Latency: latency.String(), Message: "no scores computed yet"}
	}

	age := time.Since(newest.Time)
	if age > hc.staleAfter {
		return ComponentCheck{Status: statusDegraded, Latency: latency.String(), Message: fmt.Sprintf("newest score is %s old", age.Round(time.Minute))}
	}
	return ComponentCheck{Status: statusUp, Latency: latency.String(), Message: fmt.Sprintf("newest score %s ago", age.Round(time.Second))}
}

func latencyCheck(latency, slow time.Duration, err error) ComponentCheck {
	if err != nil {
		return ComponentCheck{Status: statusDown, Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > slow {
		return ComponentCheck{Status: statusDegraded, Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: statusUp, Latency: latency.String(), Message: "connected"}
}

// determineOverallStatus is unhealthy when the database is down, degraded
// when anything else is down or degraded, healthy otherwise.
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if db, ok := checks["database"]; ok && db.Status == statusDown {
		return "unhealthy"
	}
	for _, c := range checks {
		if c.Status == statusDown || c.Status == statusDegraded {
			return "degraded"
		}
	}
	return "healthy"
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
