// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlRunsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_health_crawl_runs_recorded_total",
			Help: "Crawl runs recorded, by outcome",
		},
		[]string{"outcome"},
	)

	eventsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "source_health_events_submitted_total",
			Help: "Extracted events accepted for canonicalization and scoring",
		},
	)

	submissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_health_submissions_rejected_total",
			Help: "Ingestion calls rejected at the boundary",
		},
		[]string{"kind"}, // crawl_run, events
	)

	issuesObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_health_issues_observed_total",
			Help: "Quality issue observations, by issue type",
		},
		[]string{"issue_type"},
	)

	recomputeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_health_recompute_total",
			Help: "Per-source recomputations, by result",
		},
		[]string{"result"}, // ok, error, skipped
	)

	recomputeDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name:       "source_health_recompute_duration_seconds",
			Help:       "Duration of one per-source recomputation",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
	)

	compositeScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_health_composite",
			Help: "Latest composite health score per source",
		},
		[]string{"source_id"},
	)

	ingestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_health_ingest_messages_total",
			Help: "Queue messages handled, by type and result",
		},
		[]string{"type", "result"},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_health_deliveries_total",
			Help: "Outbound notifications and archive writes, by sink and result",
		},
		[]string{"sink", "result"}, // sqs, webhook, s3, dynamodb
	)

	databaseConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_active",
			Help: "Number of active database connections",
		},
	)

	databaseConnectionsIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

var once sync.Once

func init() {
	prometheus.MustRegister(crawlRunsRecorded)
	prometheus.MustRegister(eventsSubmitted)
	prometheus.MustRegister(submissionsRejected)
	prometheus.MustRegister(issuesObserved)
	prometheus.MustRegister(recomputeTotal)
	prometheus.MustRegister(recomputeDuration)
	prometheus.MustRegister(compositeScore)
	prometheus.MustRegister(ingestMessages)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(databaseConnectionsActive)
	prometheus.MustRegister(databaseConnectionsIdle)

	once.Do(func() {
		_ = prometheus.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCrawlRun counts one recorded crawl run.
func RecordCrawlRun(outcome string) {
	crawlRunsRecorded.WithLabelValues(outcome).Inc()
}

// RecordEventsSubmitted counts events accepted in one submission.
func RecordEventsSubmitted(n int) {
	eventsSubmitted.Add(float64(n))
}

// RecordRejected counts one rejected ingestion call.
func RecordRejected(kind string) {
	submissionsRejected.WithLabelValues(kind).Inc()
}

// RecordIssueObserved counts one issue observation.
func RecordIssueObserved(issueType string) {
	issuesObserved.WithLabelValues(issueType).Inc()
}

// RecordRecompute counts one recomputation and, unless skipped, its duration.
func RecordRecompute(result string, d time.Duration) {
	recomputeTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		recomputeDuration.Observe(d.Seconds())
	}
}

// SetComposite publishes the latest composite score of a source.
func SetComposite(sourceID int64, composite float64) {
	compositeScore.WithLabelValues(strconv.FormatInt(sourceID, 10)).Set(composite)
}

// RecordIngestMessage counts one handled queue message.
func RecordIngestMessage(msgType, result string) {
	ingestMessages.WithLabelValues(msgType, result).Inc()
}

// RecordDelivery counts one write to an outbound sink.
func RecordDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	deliveries.WithLabelValues(sink, result).Inc()
}

// UpdateDatabaseConnections refreshes the connection pool gauges.
func UpdateDatabaseConnections(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}
	stats := db.Stats()
	databaseConnectionsActive.Set(float64(stats.InUse))
	databaseConnectionsIdle.Set(float64(stats.Idle))
	return nil
}
