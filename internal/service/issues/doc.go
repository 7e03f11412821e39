// Package issues implements the data quality issue tracker.
//
// Problems found while scoring events and recording crawl runs are folded
// into deduplicated issues keyed on (type, entity, field). A recurrence bumps
// the occurrence count and last-seen time of the existing issue instead of
// opening a new one. Issues never close on their own; an operator moves them
// through investigating, fixed, wont_fix or false_positive, and a fixed issue
// that recurs is reopened.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package issues
