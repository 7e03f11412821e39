package domain

import "time"

// CrawlOutcome is the terminal state of one crawl attempt.
type CrawlOutcome string

const (
	OutcomeSuccess CrawlOutcome = "success"
	OutcomePartial CrawlOutcome = "partial"
	OutcomeFailure CrawlOutcome = "failure"
)

// Valid reports whether o is a known outcome.
func (o CrawlOutcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
		return true
	}
	return false
}

// CrawlCost captures what a crawl attempt consumed.
type CrawlCost struct {
	RequestCount int     `json:"request_count" db:"request_count"`
	BytesFetched int64   `json:"bytes_fetched" db:"bytes_fetched"`
	CostUSD      float64 `json:"cost_usd" db:"cost_usd"`
}

// CrawlRun is one immutable attempt to fetch and extract a source.
type CrawlRun struct {
	ID           string       `json:"id" db:"id"`
	SourceID     int64        `json:"source_id" db:"source_id"`
	StartedAt    time.Time    `json:"started_at" db:"started_at"`
	CompletedAt  time.Time    `json:"completed_at" db:"completed_at"`
	Outcome      CrawlOutcome `json:"outcome" db:"outcome"`
	EventsFound  int          `json:"events_found" db:"events_found"`
	EventsNew    int          `json:"events_new" db:"events_new"`
	Cost         CrawlCost    `json:"cost"`
	ErrorMessage string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// Duration returns how long the attempt took.
func (r CrawlRun) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// FrequencyObservation is the per-run sample the frequency learner consumes.
type FrequencyObservation struct {
	ID                  string       `json:"id" db:"id"`
	SourceID            int64        `json:"source_id" db:"source_id"`
	CrawlRunID          string       `json:"crawl_run_id" db:"crawl_run_id"`
	ObservedAt          time.Time    `json:"observed_at" db:"observed_at"`
	HoursSinceLastCrawl float64      `json:"hours_since_last_crawl" db:"hours_since_last_crawl"`
	NewEventsFound      int          `json:"new_events_found" db:"new_events_found"`
	DayOfWeek           time.Weekday `json:"day_of_week" db:"day_of_week"`
	SeasonalFlag        bool         `json:"seasonal_flag" db:"seasonal_flag"`
}
