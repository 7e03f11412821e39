package crawlrun

import "errors"

// Sentinel errors for the crawl run recorder.
var (
	ErrInvalidRun   = errors.New("invalid crawl run")
	ErrRunNotFound  = errors.New("crawl run not found")
	ErrDuplicateRun = errors.New("crawl run already recorded")
)
