package issues

import "errors"

// Sentinel errors for the issue tracker.
var (
	ErrIssueNotFound      = errors.New("quality issue not found")
	ErrInvalidStatus      = errors.New("invalid issue status")
	ErrInvalidSeverity    = errors.New("invalid issue severity")
	ErrInvalidObservation = errors.New("invalid issue observation")
)
