package canon

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Family groups the rooms and stages of one physical venue.
type Family struct {
	Name     string
	Aliases  []string
	VenueIDs []int64
}

// Families resolves an event's venue reference to a venue family slug.
// Resolution order: venue ID mapping, alias table, family-name prefix, a
// room qualifier around a known family, then the venue itself. Unknown
// venues never share a family by name heuristics alone.
type Families struct {
	byVenueID map[int64]string
	byAlias   map[string]string
	names     []string
}

// NewFamilies builds a resolver from configured families.
func NewFamilies(families []Family) *Families {
	f := &Families{
		byVenueID: make(map[int64]string),
		byAlias:   make(map[string]string),
	}
	for _, fam := range families {
		name := NormalizeVenue(fam.Name)
		if name == "" {
			continue
		}
		f.names = append(f.names, name)
		f.byAlias[name] = name
		for _, a := range fam.Aliases {
			if n := NormalizeVenue(a); n != "" {
				f.byAlias[n] = name
			}
		}
		for _, id := range fam.VenueIDs {
			f.byVenueID[id] = name
		}
	}
	// Longest first so "masquerade music park" wins over "masquerade".
	sort.Slice(f.names, func(i, j int) bool {
		if len(f.names[i]) != len(f.names[j]) {
			return len(f.names[i]) > len(f.names[j])
		}
		return f.names[i] < f.names[j]
	})
	return f
}

// Resolve returns the venue family for e. ok is false when the event has no
// venue reference at all.
func (f *Families) Resolve(e domain.Event) (family string, ok bool) {
	if !e.VenueResolved() {
		return "", false
	}
	if f != nil && e.VenueID != nil {
		if name, found := f.byVenueID[*e.VenueID]; found {
			return name, true
		}
	}
	n := NormalizeVenue(e.VenueName)
	if n != "" && f != nil {
		if name, found := f.known(n); found {
			return name, true
		}
		if base := roomBase(e.VenueName); base != "" {
			if name, found := f.known(base); found {
				return name, true
			}
		}
	}
	if e.VenueID != nil {
		return fmt.Sprintf("venue:%d", *e.VenueID), true
	}
	if n == "" {
		return "", false
	}
	return n, true
}

// known matches a normalized venue against aliases and family-name prefixes.
func (f *Families) known(n string) (string, bool) {
	if name, found := f.byAlias[n]; found {
		return name, true
	}
	for _, name := range f.names {
		if strings.HasPrefix(n, name+" ") {
			return name, true
		}
	}
	return "", false
}

// roomBase returns the normalized venue of a name written as "Venue - Room"
// or "Room at Venue", or "" when there is no qualifier.
func roomBase(raw string) string {
	if i := strings.Index(raw, " - "); i > 0 {
		if b := NormalizeVenue(raw[:i]); b != "" {
			return b
		}
	}
	lower := strings.ToLower(raw)
	if len(lower) != len(raw) {
		return ""
	}
	if i := strings.LastIndex(lower, " at "); i > 0 {
		return NormalizeVenue(raw[i+len(" at "):])
	}
	return ""
}
