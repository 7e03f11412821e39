// Package events accepts batches of extracted events from a crawl run and
// pushes them through canonicalization, quality scoring and issue tracking.
//
// A batch is validated as a whole; one bad record rejects the batch and
// nothing is written. Scores are written for canonical events only, and only
// when the result differs from the latest stored score, so resubmitting a
// batch is a no-op.
package events
