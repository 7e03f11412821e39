// Package crawlrun records crawl attempts.
//
// Every attempt is validated at the boundary and appended, together with the
// frequency observation derived from it, in one write. Rows are never edited.
// After a run is stored the recent history of the source is handed to the
// issue tracker's streak detectors.
package crawlrun
