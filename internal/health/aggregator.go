// Package health rolls crawl history, event quality and open issues into a
// bounded 0-100 source health score with three sub-scores:
//
//	reliability  did crawls succeed, and did they yield consistent volumes
//	quality      how complete and trustworthy the source's canonical events are
//	value        how many genuinely new events each crawl yields, per unit cost
//
// Each sub-score is computed over a recent and a long trailing window and
// blended. Every ratio has a defined result on a zero denominator, so Compute
// never fails and never leaves [0, 100].
package health

import (
	"math"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Weights combine sub-scores into the composite.
type Weights struct {
	Reliability float64 `yaml:"reliability" json:"reliability"`
	Quality     float64 `yaml:"quality" json:"quality"`
	Value       float64 `yaml:"value" json:"value"`
}

// DefaultWeights is the production weighting of the composite score.
var DefaultWeights = Weights{Reliability: 0.4, Quality: 0.4, Value: 0.2}

func (w Weights) sum() float64 { return w.Reliability + w.Quality + w.Value }

// Tier thresholds on the composite score.
const (
	PremiumThreshold    = 85.0
	GoodThreshold       = 70.0
	AcceptableThreshold = 50.0
	PoorThreshold       = 25.0
)

// Reliability mix.
const (
	successRateWeight    = 0.7
	consistencyWeight    = 0.3
	partialCredit        = 0.5
	singleRunConsistency = 0.5
)

// Quality mix.
const (
	meanScoreWeight = 0.6
	coverageWeight  = 0.4
	maxIssuePenalty = 40.0
)

// Value mix.
const (
	newEventsWeight = 0.75
	costWeight      = 0.25
)

var issuePenalty = map[domain.Severity]float64{
	domain.SeverityCritical: 15,
	domain.SeverityHigh:     10,
	domain.SeverityMedium:   3,
	domain.SeverityLow:      1,
}

// Reason codes attached to a Result.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonNoRuns           = "no_runs_in_window"
	ReasonNoScoredEvents   = "no_scored_events"
	ReasonNoNewEvents      = "no_new_events"
	ReasonOpenIssues       = "open_issue_penalty"
)

// Policy holds the tunables of the aggregator.
type Policy struct {
	Weights         Weights
	RecentWindow    time.Duration
	LongWindow      time.Duration
	RecentBlend     float64
	MinRecentRuns   int
	MinLongRuns     int
	TargetNewPerRun float64
	MaxCostPerEvent float64
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		Weights:         DefaultWeights,
		RecentWindow:    7 * 24 * time.Hour,
		LongWindow:      30 * 24 * time.Hour,
		RecentBlend:     0.6,
		MinRecentRuns:   3,
		MinLongRuns:     5,
		TargetNewPerRun: 5,
		MaxCostPerEvent: 0.50,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Weights.sum() <= 0 {
		p.Weights = d.Weights
	}
	if p.RecentWindow <= 0 {
		p.RecentWindow = d.RecentWindow
	}
	if p.LongWindow <= 0 {
		p.LongWindow = d.LongWindow
	}
	if p.RecentBlend <= 0 || p.RecentBlend > 1 {
		p.RecentBlend = d.RecentBlend
	}
	if p.MinRecentRuns <= 0 {
		p.MinRecentRuns = d.MinRecentRuns
	}
	if p.MinLongRuns <= 0 {
		p.MinLongRuns = d.MinLongRuns
	}
	if p.TargetNewPerRun <= 0 {
		p.TargetNewPerRun = d.TargetNewPerRun
	}
	if p.MaxCostPerEvent <= 0 {
		p.MaxCostPerEvent = d.MaxCostPerEvent
	}
	return p
}

// Input is the snapshot one computation reads.
type Input struct {
	AsOf       time.Time
	Runs       []domain.CrawlRun
	Scores     []domain.EventQualityScore
	OpenIssues []domain.QualityIssue
}

// Result is the output of Compute.
type Result struct {
	Reliability  float64
	Quality      float64
	Value        float64
	Composite    float64
	Tier         domain.HealthTier
	RunsRecent   int
	RunsLong     int
	EventsScored int
	Reasons      []string
}

// Compute scores one source.
func Compute(in Input, p Policy) Result {
	p = p.withDefaults()

	recentRuns := runsInWindow(in.Runs, in.AsOf, p.RecentWindow)
	longRuns := runsInWindow(in.Runs, in.AsOf, p.LongWindow)
	recentScores := scoresInWindow(in.Scores, in.AsOf, p.RecentWindow)
	longScores := scoresInWindow(in.Scores, in.AsOf, p.LongWindow)

	res := Result{
		RunsRecent:   len(recentRuns),
		RunsLong:     len(longRuns),
		EventsScored: len(longScores),
	}

	res.Reliability = blend(reliability(recentRuns), reliability(longRuns), len(recentRuns) > 0, p.RecentBlend)
	res.Value = blend(value(recentRuns, p), value(longRuns, p), len(recentRuns) > 0, p.RecentBlend)

	q := blend(quality(recentScores), quality(longScores), len(recentScores) > 0, p.RecentBlend)
	penalty := openIssuePenalty(in.OpenIssues)
	res.Quality = clamp(q-penalty, 0, 100)

	w := p.Weights
	composite := (w.Reliability*res.Reliability + w.Quality*res.Quality + w.Value*res.Value) / w.sum()
	res.Composite = roundTo(clamp(composite, 0, 100), 2)
	res.Reliability = roundTo(res.Reliability, 2)
	res.Quality = roundTo(res.Quality, 2)
	res.Value = roundTo(res.Value, 2)

	if len(longRuns) == 0 {
		res.Reasons = append(res.Reasons, ReasonNoRuns)
	}
	if len(longScores) == 0 {
		res.Reasons = append(res.Reasons, ReasonNoScoredEvents)
	}
	if len(longRuns) > 0 && totalNew(longRuns) == 0 {
		res.Reasons = append(res.Reasons, ReasonNoNewEvents)
	}
	if penalty > 0 {
		res.Reasons = append(res.Reasons, ReasonOpenIssues)
	}

	if res.RunsRecent < p.MinRecentRuns && res.RunsLong < p.MinLongRuns {
		res.Tier = domain.TierInsufficientData
		res.Reasons = append(res.Reasons, ReasonInsufficientData)
		return res
	}
	res.Tier = TierFor(res.Composite)
	return res
}

// TierFor buckets a composite score.
func TierFor(composite float64) domain.HealthTier {
	switch {
	case composite >= PremiumThreshold:
		return domain.TierPremium
	case composite >= GoodThreshold:
		return domain.TierGood
	case composite >= AcceptableThreshold:
		return domain.TierAcceptable
	case composite >= PoorThreshold:
		return domain.TierPoor
	default:
		return domain.TierFailing
	}
}

// ---------------------------------------------------------------------------
// Sub-scores
// ---------------------------------------------------------------------------

func reliability(runs []domain.CrawlRun) float64 {
	if len(runs) == 0 {
		return 0
	}
	var credit float64
	var yields []float64
	for _, r := range runs {
		switch r.Outcome {
		case domain.OutcomeSuccess:
			credit++
			yields = append(yields, float64(r.EventsFound))
		case domain.OutcomePartial:
			credit += partialCredit
			yields = append(yields, float64(r.EventsFound))
		}
	}
	successRate := credit / float64(len(runs))
	return 100 * (successRateWeight*successRate + consistencyWeight*consistency(yields))
}

// consistency is 1 minus the coefficient of variation, floored at 0.
func consistency(yields []float64) float64 {
	switch len(yields) {
	case 0:
		return 0
	case 1:
		return singleRunConsistency
	}
	mean, sd := meanStd(yields)
	if mean == 0 {
		return 0
	}
	return 1 - math.Min(1, sd/mean)
}

func quality(scores []domain.EventQualityScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	var total, image, desc, start float64
	for _, s := range scores {
		total += s.Score
		if s.HasImage {
			image++
		}
		if s.HasDescription {
			desc++
		}
		if s.HasStartTime {
			start++
		}
	}
	n := float64(len(scores))
	coverage := (image/n + desc/n + start/n) / 3
	return meanScoreWeight*(total/n) + coverageWeight*100*coverage
}

func openIssuePenalty(issues []domain.QualityIssue) float64 {
	var p float64
	for _, i := range issues {
		if i.Status.Terminal() {
			continue
		}
		p += issuePenalty[i.Severity]
	}
	return math.Min(p, maxIssuePenalty)
}

func value(runs []domain.CrawlRun, p Policy) float64 {
	var productive int
	var newEvents, cost float64
	for _, r := range runs {
		cost += r.Cost.CostUSD
		if r.Outcome == domain.OutcomeFailure {
			continue
		}
		productive++
		newEvents += float64(r.EventsNew)
	}
	if productive == 0 || newEvents == 0 {
		return 0
	}
	newScore := 100 * math.Min(1, (newEvents/float64(productive))/p.TargetNewPerRun)
	costScore := 100 * clamp(1-(cost/newEvents)/p.MaxCostPerEvent, 0, 1)
	return newEventsWeight*newScore + costWeight*costScore
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func runsInWindow(runs []domain.CrawlRun, asOf time.Time, window time.Duration) []domain.CrawlRun {
	from := asOf.Add(-window)
	var out []domain.CrawlRun
	for _, r := range runs {
		if r.StartedAt.After(from) && !r.StartedAt.After(asOf) {
			out = append(out, r)
		}
	}
	return out
}

// scoresInWindow keeps the scores whose event was scored or last posted by
// a crawl inside (asOf-window, asOf]. An unchanged event keeps its old score
// row, so the posting time carries it forward.
func scoresInWindow(scores []domain.EventQualityScore, asOf time.Time, window time.Duration) []domain.EventQualityScore {
	from := asOf.Add(-window)
	var out []domain.EventQualityScore
	for _, s := range scores {
		if s.ScoredAt.After(asOf) {
			continue
		}
		active := s.ScoredAt
		if s.SeenAt.After(active) {
			active = s.SeenAt
		}
		if active.After(asOf) {
			active = asOf
		}
		if active.After(from) {
			out = append(out, s)
		}
	}
	return out
}

func totalNew(runs []domain.CrawlRun) int {
	n := 0
	for _, r := range runs {
		n += r.EventsNew
	}
	return n
}

// blend mixes the recent and long windows; an empty recent window defers
// entirely to the long one.
func blend(recent, long float64, hasRecent bool, recentWeight float64) float64 {
	if !hasRecent {
		return clamp(long, 0, 100)
	}
	return clamp(recentWeight*recent+(1-recentWeight)*long, 0, 100)
}

func meanStd(xs []float64) (mean, sd float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		sd += (x - mean) * (x - mean)
	}
	sd = math.Sqrt(sd / float64(len(xs)))
	return mean, sd
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
