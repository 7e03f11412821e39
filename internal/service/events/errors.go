package events

import (
	"errors"

	"github.com/dStensland/LostCity-sub000/internal/service/crawlrun"
)

// Sentinel errors for event submission.
var (
	ErrInvalidSubmission = errors.New("invalid event submission")
	ErrRunNotFound       = crawlrun.ErrRunNotFound
)
