package sourcehealth

import "errors"

// Sentinel errors for the source health service.
var (
	ErrSourceNotFound = errors.New("source not found")
)
