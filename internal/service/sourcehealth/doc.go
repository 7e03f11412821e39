// Package sourcehealth recomputes and serves per-source health scores and
// polling recommendations.
//
// A recomputation reads one consistent snapshot of a source's crawl runs,
// canonical event scores, frequency observations and open issues as of a
// single timestamp, feeds it to the health aggregator and the frequency
// learner, and appends the combined result as a new SourceHealthScore row.
// Reads serve the latest row, through an optional cache.
package sourcehealth
