// Package frequency recommends how often a source should be polled, from its
// recent history of crawl yields.
//
// The learner always answers with one of the fixed cadences in
// domain.Cadences. It never recommends polling a failing source more often
// than it is polled today.
package frequency

import (
	"math"
	"sort"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Reason codes attached to a Recommendation.
const (
	ReasonInsufficientObservations = "insufficient_observations"
	ReasonMedianGap                = "median_productive_gap"
	ReasonNoProductiveCrawls       = "no_productive_crawls"
	ReasonModerateZeroYield        = "moderate_zero_yield"
	ReasonHighZeroYield            = "high_zero_yield"
	ReasonExtremeZeroYield         = "extreme_zero_yield"
	ReasonDayOfWeekSkew            = "day_of_week_skew"
	ReasonSeasonalBurst            = "seasonal_burst"
	ReasonFailingSourceHold        = "failing_source_hold"
	ReasonLowConfidence            = "low_confidence"
)

// Policy holds the learner's thresholds.
type Policy struct {
	Lookback time.Duration

	ModerateZeroYield    float64
	HighZeroYield        float64
	HighZeroYieldSpan    time.Duration
	ExtremeZeroYield     float64
	ExtremeZeroYieldSpan time.Duration

	SkewShare         float64
	SkewMaxDays       int
	SkewMinWeekdays   int
	SkewMinProductive int

	BurstWindow        time.Duration
	BurstMultiplier    float64
	BurstMinProductive int

	MinObservationsMedium int
	MinObservationsHigh   int
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Lookback:              90 * 24 * time.Hour,
		ModerateZeroYield:     0.7,
		HighZeroYield:         0.9,
		HighZeroYieldSpan:     14 * 24 * time.Hour,
		ExtremeZeroYield:      0.98,
		ExtremeZeroYieldSpan:  30 * 24 * time.Hour,
		SkewShare:             0.7,
		SkewMaxDays:           2,
		SkewMinWeekdays:       4,
		SkewMinProductive:     3,
		BurstWindow:           7 * 24 * time.Hour,
		BurstMultiplier:       2.0,
		BurstMinProductive:    2,
		MinObservationsMedium: 10,
		MinObservationsHigh:   30,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Lookback <= 0 {
		p.Lookback = d.Lookback
	}
	if p.ModerateZeroYield <= 0 {
		p.ModerateZeroYield = d.ModerateZeroYield
	}
	if p.HighZeroYield <= 0 {
		p.HighZeroYield = d.HighZeroYield
	}
	if p.HighZeroYieldSpan <= 0 {
		p.HighZeroYieldSpan = d.HighZeroYieldSpan
	}
	if p.ExtremeZeroYield <= 0 {
		p.ExtremeZeroYield = d.ExtremeZeroYield
	}
	if p.ExtremeZeroYieldSpan <= 0 {
		p.ExtremeZeroYieldSpan = d.ExtremeZeroYieldSpan
	}
	if p.SkewShare <= 0 {
		p.SkewShare = d.SkewShare
	}
	if p.SkewMaxDays <= 0 {
		p.SkewMaxDays = d.SkewMaxDays
	}
	if p.SkewMinWeekdays <= 0 {
		p.SkewMinWeekdays = d.SkewMinWeekdays
	}
	if p.SkewMinProductive <= 0 {
		p.SkewMinProductive = d.SkewMinProductive
	}
	if p.BurstWindow <= 0 {
		p.BurstWindow = d.BurstWindow
	}
	if p.BurstMultiplier <= 0 {
		p.BurstMultiplier = d.BurstMultiplier
	}
	if p.BurstMinProductive <= 0 {
		p.BurstMinProductive = d.BurstMinProductive
	}
	if p.MinObservationsMedium <= 0 {
		p.MinObservationsMedium = d.MinObservationsMedium
	}
	if p.MinObservationsHigh <= 0 {
		p.MinObservationsHigh = d.MinObservationsHigh
	}
	return p
}

// Input is what one recommendation is computed from.
type Input struct {
	AsOf         time.Time
	Observations []domain.FrequencyObservation
	Current      domain.Cadence
	Tier         domain.HealthTier
}

// Recommendation is the learner's output.
type Recommendation struct {
	Cadence        domain.Cadence
	Confidence     domain.Confidence
	AnchorDays     []time.Weekday
	Reasons        []string
	MedianGapHours float64
	ZeroYieldRate  float64
	Observations   int
}

// Recommend computes a cadence for one source.
func Recommend(in Input, p Policy) Recommendation {
	p = p.withDefaults()
	obs := inLookback(in.Observations, in.AsOf, p.Lookback)
	rec := Recommendation{
		Observations: len(obs),
		Confidence:   confidenceFor(len(obs), p),
	}

	current := in.Current
	if !current.Valid() {
		current = domain.CadenceDaily
	}

	if len(obs) == 0 {
		rec.Cadence = current
		rec.Reasons = append(rec.Reasons, ReasonInsufficientObservations, ReasonLowConfidence)
		return rec
	}

	productive := productiveObservations(obs)
	rank := current.Rank()

	// 1. median gap between productive crawls
	if gap, ok := medianProductiveGap(productive); ok {
		rec.MedianGapHours = roundTo(gap, 2)
		rank = cadenceAtMost(gap).Rank()
		rec.Reasons = append(rec.Reasons, ReasonMedianGap)
	} else if len(productive) == 0 {
		rec.Reasons = append(rec.Reasons, ReasonNoProductiveCrawls)
	}

	// 2. day-of-week skew
	if days, ok := skewedDays(obs, productive, p); ok {
		rec.AnchorDays = days
		if len(days) == 1 {
			rank = domain.CadenceWeekly.Rank()
		} else {
			rank = domain.CadenceTwiceWeekly.Rank()
		}
		rec.Reasons = append(rec.Reasons, ReasonDayOfWeekSkew)
	}

	// 3. diminishing returns; an anchored schedule already skips the
	// empty weekdays, so their zero yields do not lengthen it further
	zero := len(obs) - len(productive)
	rec.ZeroYieldRate = roundTo(float64(zero)/float64(len(obs)), 4)
	span := obs[len(obs)-1].ObservedAt.Sub(obs[0].ObservedAt)
	if rec.AnchorDays == nil {
		switch {
		case rec.ZeroYieldRate >= p.ExtremeZeroYield && span >= p.ExtremeZeroYieldSpan:
			rank = domain.CadenceMonthly.Rank()
			rec.Reasons = append(rec.Reasons, ReasonExtremeZeroYield)
		case rec.ZeroYieldRate >= p.HighZeroYield && span >= p.HighZeroYieldSpan:
			if w := domain.CadenceWeekly.Rank(); rank < w {
				rank = w
			}
			rec.Reasons = append(rec.Reasons, ReasonHighZeroYield)
		case rec.ZeroYieldRate >= p.ModerateZeroYield:
			rank++
			rec.Reasons = append(rec.Reasons, ReasonModerateZeroYield)
		}
	}

	// 4. seasonal burst
	if burst(obs, in.AsOf, p) {
		rank--
		rec.Reasons = append(rec.Reasons, ReasonSeasonalBurst)
	}

	rec.Cadence = domain.Cadences[clampRank(rank)]

	// 5. never poll a failing source harder than today
	if in.Tier == domain.TierFailing && rec.Cadence.Rank() < current.Rank() {
		rec.Cadence = current
		rec.Reasons = append(rec.Reasons, ReasonFailingSourceHold)
	}
	if rec.AnchorDays != nil && rec.Cadence != domain.CadenceWeekly && rec.Cadence != domain.CadenceTwiceWeekly {
		rec.AnchorDays = nil
	}

	if rec.Confidence == domain.ConfidenceLow {
		rec.Reasons = append(rec.Reasons, ReasonLowConfidence)
	}
	return rec
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

func inLookback(obs []domain.FrequencyObservation, asOf time.Time, lookback time.Duration) []domain.FrequencyObservation {
	from := asOf.Add(-lookback)
	out := make([]domain.FrequencyObservation, 0, len(obs))
	for _, o := range obs {
		if o.ObservedAt.After(from) && !o.ObservedAt.After(asOf) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

func productiveObservations(obs []domain.FrequencyObservation) []domain.FrequencyObservation {
	var out []domain.FrequencyObservation
	for _, o := range obs {
		if o.NewEventsFound > 0 {
			out = append(out, o)
		}
	}
	return out
}

// medianProductiveGap is the median hours-since-last-crawl of the crawls
// that found new events. A source's first crawl has no gap and is skipped.
func medianProductiveGap(productive []domain.FrequencyObservation) (float64, bool) {
	gaps := make([]float64, 0, len(productive))
	for _, o := range productive {
		if o.HoursSinceLastCrawl > 0 {
			gaps = append(gaps, o.HoursSinceLastCrawl)
		}
	}
	if len(gaps) == 0 {
		return 0, false
	}
	return median(gaps), true
}

// cadenceAtMost returns the longest cadence whose interval does not exceed
// hours, or the shortest cadence when none does.
func cadenceAtMost(hours float64) domain.Cadence {
	best := domain.Cadences[0]
	for _, c := range domain.Cadences {
		if c.Interval().Hours() <= hours {
			best = c
		}
	}
	return best
}

// skewedDays returns the weekdays that concentrate new events, when at most
// SkewMaxDays of them hold SkewShare of all new events.
func skewedDays(all, productive []domain.FrequencyObservation, p Policy) ([]time.Weekday, bool) {
	if len(productive) < p.SkewMinProductive {
		return nil, false
	}
	crawled := make(map[time.Weekday]bool)
	for _, o := range all {
		crawled[o.DayOfWeek] = true
	}
	if len(crawled) < p.SkewMinWeekdays {
		return nil, false
	}

	var total float64
	byDay := make(map[time.Weekday]float64)
	for _, o := range productive {
		byDay[o.DayOfWeek] += float64(o.NewEventsFound)
		total += float64(o.NewEventsFound)
	}
	days := make([]time.Weekday, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool {
		if byDay[days[i]] != byDay[days[j]] {
			return byDay[days[i]] > byDay[days[j]]
		}
		return days[i] < days[j]
	})

	var share float64
	for i := 0; i < len(days) && i < p.SkewMaxDays; i++ {
		share += byDay[days[i]] / total
		if share >= p.SkewShare {
			anchors := append([]time.Weekday(nil), days[:i+1]...)
			sort.Slice(anchors, func(a, b int) bool { return anchors[a] < anchors[b] })
			return anchors, true
		}
	}
	return nil, false
}

// burst reports an externally flagged or observed spike in recent yield.
func burst(obs []domain.FrequencyObservation, asOf time.Time, p Policy) bool {
	from := asOf.Add(-p.BurstWindow)
	var recent, baseline []float64
	recentProductive := 0
	for _, o := range obs {
		if o.ObservedAt.After(from) {
			if o.SeasonalFlag {
				return true
			}
			recent = append(recent, float64(o.NewEventsFound))
			if o.NewEventsFound > 0 {
				recentProductive++
			}
			continue
		}
		baseline = append(baseline, float64(o.NewEventsFound))
	}
	if recentProductive < p.BurstMinProductive || len(baseline) == 0 {
		return false
	}
	return mean(recent) >= p.BurstMultiplier*mean(baseline)
}

func confidenceFor(n int, p Policy) domain.Confidence {
	switch {
	case n >= p.MinObservationsHigh:
		return domain.ConfidenceHigh
	case n >= p.MinObservationsMedium:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func clampRank(r int) int {
	if r < 0 {
		return 0
	}
	if r >= len(domain.Cadences) {
		return len(domain.Cadences) - 1
	}
	return r
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var t float64
	for _, x := range xs {
		t += x
	}
	return t / float64(len(xs))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
