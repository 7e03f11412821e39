package issues

import (
	"fmt"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// StreakPolicy holds the run streak thresholds.
type StreakPolicy struct {
	// ZeroStreakRuns is how many newest non-failed runs must find nothing.
	ZeroStreakRuns int
	// ProductiveAverage is the mean events found the runs before the streak
	// must reach for the silence to be suspicious.
	ProductiveAverage float64
	// FailureStreakRuns is how many newest runs must have failed.
	FailureStreakRuns int
	// Lookback caps how many runs the detectors read.
	Lookback int
}

// DefaultStreakPolicy returns the production thresholds.
func DefaultStreakPolicy() StreakPolicy {
	return StreakPolicy{
		ZeroStreakRuns:    3,
		ProductiveAverage: 1.0,
		FailureStreakRuns: 3,
		Lookback:          100,
	}
}

func (p StreakPolicy) withDefaults() StreakPolicy {
	d := DefaultStreakPolicy()
	if p.ZeroStreakRuns <= 0 {
		p.ZeroStreakRuns = d.ZeroStreakRuns
	}
	if p.ProductiveAverage <= 0 {
		p.ProductiveAverage = d.ProductiveAverage
	}
	if p.FailureStreakRuns <= 0 {
		p.FailureStreakRuns = d.FailureStreakRuns
	}
	if p.Lookback <= 0 {
		p.Lookback = d.Lookback
	}
	return p
}

// Fields used for run-derived issues.
const (
	FieldEventsFound = "events_found"
	FieldCrawl       = "crawl"
)

// DetectRunStreaks inspects runs, newest first, and returns at most one
// observation per detector. It is called after every recorded run, so each
// further run that extends a streak yields one more occurrence of the same
// issue.
func DetectRunStreaks(sourceID int64, runs []domain.CrawlRun, p StreakPolicy) []Observation {
	p = p.withDefaults()
	if len(runs) > p.Lookback {
		runs = runs[:p.Lookback]
	}
	if len(runs) == 0 {
		return nil
	}
	seenAt := runs[0].CompletedAt
	if seenAt.IsZero() {
		seenAt = runs[0].StartedAt
	}

	var out []Observation
	if o, ok := zeroEventStreak(sourceID, runs, p); ok {
		o.SeenAt = seenAt
		out = append(out, o)
	}
	if o, ok := failureStreak(sourceID, runs, p); ok {
		o.SeenAt = seenAt
		out = append(out, o)
	}
	return out
}

// zeroEventStreak fires when the newest completed runs found nothing after a
// history of finding something. Failed runs neither extend nor break the
// streak; they are the failure detector's concern.
func zeroEventStreak(sourceID int64, runs []domain.CrawlRun, p StreakPolicy) (Observation, bool) {
	if runs[0].Outcome == domain.OutcomeFailure {
		return Observation{}, false
	}

	streak := 0
	i := 0
	for ; i < len(runs); i++ {
		r := runs[i]
		if r.Outcome == domain.OutcomeFailure {
			continue
		}
		if r.EventsFound != 0 {
			break
		}
		streak++
	}
	if streak < p.ZeroStreakRuns {
		return Observation{}, false
	}

	var prior, found int
	for ; i < len(runs); i++ {
		if runs[i].Outcome == domain.OutcomeFailure {
			continue
		}
		prior++
		found += runs[i].EventsFound
	}
	if prior == 0 {
		return Observation{}, false
	}
	avg := float64(found) / float64(prior)
	if avg < p.ProductiveAverage {
		return Observation{}, false
	}

	return Observation{
		Type:        domain.IssueZeroEventRunStreak,
		EntityType:  domain.EntitySource,
		EntityID:    sourceID,
		SourceID:    sourceID,
		Field:       FieldEventsFound,
		Description: fmt.Sprintf("%d consecutive runs found no events; earlier runs averaged %.1f", streak, avg),
		Count:       1,
	}, true
}

func failureStreak(sourceID int64, runs []domain.CrawlRun, p StreakPolicy) (Observation, bool) {
	streak := 0
	for _, r := range runs {
		if r.Outcome != domain.OutcomeFailure {
			break
		}
		streak++
	}
	if streak < p.FailureStreakRuns {
		return Observation{}, false
	}

	desc := fmt.Sprintf("%d consecutive runs failed", streak)
	if msg := runs[0].ErrorMessage; msg != "" {
		desc += ": " + truncate(msg, 200)
	}
	return Observation{
		Type:        domain.IssueCrawlFailureStreak,
		EntityType:  domain.EntitySource,
		EntityID:    sourceID,
		SourceID:    sourceID,
		Field:       FieldCrawl,
		Description: desc,
		Count:       1,
	}, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
