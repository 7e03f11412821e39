package domain

import "time"

// HealthTier buckets a SourceHealthScore composite.
type HealthTier string

const (
	TierPremium          HealthTier = "premium"
	TierGood             HealthTier = "good"
	TierAcceptable       HealthTier = "acceptable"
	TierPoor             HealthTier = "poor"
	TierFailing          HealthTier = "failing"
	TierInsufficientData HealthTier = "insufficient_data"
)

// Confidence qualifies a frequency recommendation by how much history backs it.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// SourceHealthScore is a point-in-time composite rating of a source plus the
// polling recommendation derived from it. Rows are append-only; the latest
// row per source is authoritative.
type SourceHealthScore struct {
	ID                 string         `json:"id" db:"id"`
	SourceID           int64          `json:"source_id" db:"source_id"`
	ComputedAt         time.Time      `json:"computed_at" db:"computed_at"`
	SnapshotAt         time.Time      `json:"snapshot_at" db:"snapshot_at"`
	Reliability        float64        `json:"reliability" db:"reliability"`
	Quality            float64        `json:"quality" db:"quality"`
	Value              float64        `json:"value" db:"value"`
	Composite          float64        `json:"composite" db:"composite"`
	Tier               HealthTier     `json:"tier" db:"tier"`
	RecommendedCadence Cadence        `json:"recommended_cadence" db:"recommended_cadence"`
	CadenceConfidence  Confidence     `json:"cadence_confidence" db:"cadence_confidence"`
	AnchorDays         []time.Weekday `json:"anchor_days,omitempty" db:"anchor_days"`
	ReasonCodes        []string       `json:"reason_codes,omitempty" db:"reason_codes"`
	CadenceReasons     []string       `json:"cadence_reasons,omitempty" db:"cadence_reasons"`
	RunsRecent         int            `json:"runs_recent" db:"runs_recent"`
	RunsLong           int            `json:"runs_long" db:"runs_long"`
	EventsScored       int            `json:"events_scored" db:"events_scored"`
}

// CadenceChange tells the external scheduler that a source's recommended
// polling cadence moved.
type CadenceChange struct {
	SourceID    int64          `json:"source_id"`
	Previous    Cadence        `json:"previous"`
	Recommended Cadence        `json:"recommended"`
	Confidence  Confidence     `json:"confidence"`
	AnchorDays  []time.Weekday `json:"anchor_days,omitempty"`
	Tier        HealthTier     `json:"tier"`
	ComputedAt  time.Time      `json:"computed_at"`
}
