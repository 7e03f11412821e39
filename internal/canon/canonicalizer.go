// Package canon groups extracted events that describe the same real-world
// happening and elects one canonical member per group.
//
// Grouping is a pure function of the event set: the same events always
// produce the same groups and the same canonical members, regardless of the
// order they are supplied in.
package canon

import (
	"sort"
	"strings"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Reassignment records a canonical pointer that must change.
type Reassignment struct {
	EventID int64
	From    *int64
	To      int64
}

// Anomaly is a grouping problem worth surfacing to the issue tracker.
type Anomaly struct {
	Type     domain.IssueType
	SourceID int64
	EventIDs []int64
	Key      string
	Detail   string
}

// Result is the outcome of one canonicalization pass.
type Result struct {
	Groups      []domain.CanonicalGroup
	Assignments map[int64]int64
	Changed     []Reassignment
	Anomalies   []Anomaly
}

// GroupOf returns the group containing eventID.
func (r Result) GroupOf(eventID int64) (domain.CanonicalGroup, bool) {
	cid, ok := r.Assignments[eventID]
	if !ok {
		return domain.CanonicalGroup{}, false
	}
	for _, g := range r.Groups {
		if g.CanonicalID == cid {
			return g, true
		}
	}
	return domain.CanonicalGroup{}, false
}

// Canonicalizer assigns events to canonical groups.
type Canonicalizer struct {
	families *Families
}

// New creates a Canonicalizer. A nil Families resolves every venue to itself.
func New(families *Families) *Canonicalizer {
	return &Canonicalizer{families: families}
}

// Key returns the normalized grouping key of e and whether the venue resolved.
// Unresolved events get the exact title+date key instead.
func (c *Canonicalizer) Key(e domain.Event) (string, bool) {
	family, ok := c.families.Resolve(e)
	if !ok {
		return exactKey(e), false
	}
	return NormalizeTitle(e.Title) + "|" + e.StartDate() + "|" + family, true
}

func exactKey(e domain.Event) string {
	return strings.TrimSpace(e.Title) + "|" + e.StartDate()
}

// Canonicalize groups events. Events repeated by ID are taken once, last
// occurrence wins. Existing CanonicalID pointers are compared with the new
// assignment to produce Changed.
func (c *Canonicalizer) Canonicalize(events []domain.Event) Result {
	byID := make(map[int64]domain.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	list := make([]domain.Event, 0, len(byID))
	for _, e := range byID {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return older(list[i], list[j]) })

	uf := newUnionFind(len(list))
	keys := make([]string, len(list))

	byFamilyKey := make(map[string]int)
	resolvedExact := make(map[string][]int)
	unresolvedExact := make(map[string][]int)

	for i, e := range list {
		key, resolved := c.Key(e)
		keys[i] = key
		if !resolved {
			unresolvedExact[key] = append(unresolvedExact[key], i)
			continue
		}
		if first, seen := byFamilyKey[key]; seen {
			uf.union(first, i)
		} else {
			byFamilyKey[key] = i
		}
		ek := exactKey(e)
		resolvedExact[ek] = append(resolvedExact[ek], i)
	}

	var anomalies []Anomaly
	exactKeys := make([]string, 0, len(unresolvedExact))
	for k := range unresolvedExact {
		exactKeys = append(exactKeys, k)
	}
	sort.Strings(exactKeys)

	for _, ek := range exactKeys {
		members := unresolvedExact[ek]
		for _, m := range members[1:] {
			uf.union(members[0], m)
		}

		roots := distinctRoots(uf, resolvedExact[ek])
		switch len(roots) {
		case 0:
		case 1:
			uf.union(roots[0], members[0])
		default:
			anomalies = append(anomalies, ambiguity(list, members, roots, ek)...)
		}
	}

	groupsByRoot := make(map[int][]int)
	for i := range list {
		r := uf.find(i)
		groupsByRoot[r] = append(groupsByRoot[r], i)
	}

	res := Result{
		Assignments: make(map[int64]int64, len(list)),
		Anomalies:   anomalies,
	}
	for _, idxs := range groupsByRoot {
		// list is sorted oldest first, so the lowest index is canonical.
		sort.Ints(idxs)
		canonical := list[idxs[0]]
		g := domain.CanonicalGroup{
			CanonicalID: canonical.ID,
			Key:         keys[idxs[0]],
			MemberIDs:   make([]int64, 0, len(idxs)),
		}
		for _, i := range idxs {
			e := list[i]
			g.MemberIDs = append(g.MemberIDs, e.ID)
			res.Assignments[e.ID] = canonical.ID
			if e.CanonicalID == nil || *e.CanonicalID != canonical.ID {
				res.Changed = append(res.Changed, Reassignment{EventID: e.ID, From: e.CanonicalID, To: canonical.ID})
			}
		}
		res.Groups = append(res.Groups, g)
	}

	sort.Slice(res.Groups, func(i, j int) bool { return res.Groups[i].CanonicalID < res.Groups[j].CanonicalID })
	sort.Slice(res.Changed, func(i, j int) bool { return res.Changed[i].EventID < res.Changed[j].EventID })
	return res
}

// older orders events by CreatedAt, then by ID.
func older(a, b domain.Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func distinctRoots(uf *unionFind, idxs []int) []int {
	seen := make(map[int]struct{})
	var roots []int
	for _, i := range idxs {
		r := uf.find(i)
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		roots = append(roots, r)
	}
	sort.Ints(roots)
	return roots
}

func ambiguity(list []domain.Event, members, roots []int, key string) []Anomaly {
	bySource := make(map[int64][]int64)
	var sources []int64
	for _, m := range members {
		e := list[m]
		if _, ok := bySource[e.SourceID]; !ok {
			sources = append(sources, e.SourceID)
		}
		bySource[e.SourceID] = append(bySource[e.SourceID], e.ID)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	candidates := make([]int64, 0, len(roots))
	for _, r := range roots {
		candidates = append(candidates, list[r].ID)
	}

	out := make([]Anomaly, 0, len(sources))
	for _, sid := range sources {
		out = append(out, Anomaly{
			Type:     domain.IssueAmbiguousMerge,
			SourceID: sid,
			EventIDs: append(bySource[sid], candidates...),
			Key:      key,
			Detail:   "event without a venue matches several venue groups by title and date",
		})
	}
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the lower index as root so roots stay the oldest member.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
