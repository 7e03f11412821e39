// Package quality rates a canonical event's completeness and trustworthiness
// on a 0-100 scale.
//
// Scoring is deterministic: the same event always yields the same score,
// tier and issue codes. The weights below are fixed and documented; changing
// one changes every historical comparison, so they are not configurable.
package quality

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Field weights. They sum to 100.
const (
	WeightDescription = 20.0
	WeightImage       = 15.0
	WeightStartTime   = 20.0
	WeightPrice       = 10.0
	WeightTicketURL   = 10.0
	WeightTags        = 10.0
	WeightVenue       = 15.0
)

// VenueMatchPenalty is subtracted when a resolved venue matched poorly.
const VenueMatchPenalty = 15.0

// Tier thresholds.
const (
	ExcellentThreshold = 85.0
	GoodThreshold      = 70.0
	FairThreshold      = 50.0
)

// Policy holds the tunable thresholds used to raise issue codes.
type Policy struct {
	QualityFloor           float64
	MinDescriptionLength   int
	LowVenueMatchThreshold float64
	LowConfidenceThreshold float64
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		QualityFloor:           40,
		MinDescriptionLength:   20,
		LowVenueMatchThreshold: 0.6,
		LowConfidenceThreshold: 0.5,
	}
}

// Scorer computes EventQualityScores.
type Scorer struct {
	policy Policy
}

// NewScorer creates a Scorer. Zero-valued policy fields take their defaults.
func NewScorer(p Policy) *Scorer {
	d := DefaultPolicy()
	if p.QualityFloor <= 0 {
		p.QualityFloor = d.QualityFloor
	}
	if p.MinDescriptionLength <= 0 {
		p.MinDescriptionLength = d.MinDescriptionLength
	}
	if p.LowVenueMatchThreshold <= 0 {
		p.LowVenueMatchThreshold = d.LowVenueMatchThreshold
	}
	if p.LowConfidenceThreshold <= 0 {
		p.LowConfidenceThreshold = d.LowConfidenceThreshold
	}
	return &Scorer{policy: p}
}

// Score rates e. ID and ScoredAt are left for the caller to stamp.
func (s *Scorer) Score(e domain.Event) domain.EventQualityScore {
	out := domain.EventQualityScore{
		EventID:         e.ID,
		SourceID:        e.SourceID,
		HasDescription:  utf8.RuneCountInString(VisibleText(e.Description)) >= s.policy.MinDescriptionLength,
		HasImage:        strings.TrimSpace(e.ImageURL) != "",
		HasStartTime:    e.StartTimeKnown,
		HasPrice:        e.PriceMin != nil || e.IsFree,
		HasTicketURL:    strings.TrimSpace(e.TicketURL) != "",
		HasTags:         len(e.Tags) > 0,
		VenueMatchScore: e.VenueMatchScore,
		Confidence:      e.Confidence,
	}

	var points float64
	if out.HasDescription {
		points += WeightDescription
	}
	if out.HasImage {
		points += WeightImage
	}
	if out.HasStartTime {
		points += WeightStartTime
	}
	if out.HasPrice {
		points += WeightPrice
	}
	if out.HasTicketURL {
		points += WeightTicketURL
	}
	if out.HasTags {
		points += WeightTags
	}

	venueResolved := e.VenueResolved()
	lowVenueMatch := venueResolved && e.VenueMatchScore < s.policy.LowVenueMatchThreshold
	if venueResolved {
		points += WeightVenue
	}

	points *= 0.5 + 0.5*clamp01(e.Confidence)
	if lowVenueMatch {
		points -= VenueMatchPenalty
	}
	out.Score = roundTo(clamp(points, 0, 100), 2)
	out.Tier = TierFor(out.Score)

	var codes []string
	if !out.HasStartTime {
		codes = append(codes, string(domain.IssueMissingTime))
	}
	if out.Score < s.policy.QualityFloor {
		codes = append(codes, string(domain.IssueLowQualityScore))
	}
	if lowVenueMatch {
		codes = append(codes, string(domain.IssueLowConfidenceVenueMatch))
	}
	if !venueResolved {
		codes = append(codes, string(domain.IssueVenueUnresolved))
	}
	if !out.HasImage {
		codes = append(codes, string(domain.IssueMissingImage))
	}
	if e.Confidence < s.policy.LowConfidenceThreshold {
		codes = append(codes, string(domain.IssueLowExtractionConfidence))
	}
	out.IssueCodes = codes
	out.HasDataIssues = len(codes) > 0
	return out
}

// FieldFor maps an issue code to the event field it concerns.
func FieldFor(code domain.IssueType) string {
	switch code {
	case domain.IssueMissingTime:
		return "start_time"
	case domain.IssueLowConfidenceVenueMatch, domain.IssueVenueUnresolved:
		return "venue"
	case domain.IssueMissingImage:
		return "image_url"
	case domain.IssueLowExtractionConfidence:
		return "confidence"
	default:
		return "score"
	}
}

// TierFor buckets a score.
func TierFor(score float64) domain.QualityTier {
	switch {
	case score >= ExcellentThreshold:
		return domain.QualityExcellent
	case score >= GoodThreshold:
		return domain.QualityGood
	case score >= FairThreshold:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// VisibleText strips markup from a description and collapses whitespace.
func VisibleText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
