package domain

import "time"

// Cadence is one of the fixed polling intervals the scheduler understands.
type Cadence string

const (
	CadenceEvery6Hours Cadence = "every_6_hours"
	CadenceDaily       Cadence = "daily"
	CadenceTwiceWeekly Cadence = "twice_weekly"
	CadenceWeekly      Cadence = "weekly"
	CadenceMonthly     Cadence = "monthly"
)

// Cadences lists every supported cadence from shortest to longest.
var Cadences = []Cadence{
	CadenceEvery6Hours,
	CadenceDaily,
	CadenceTwiceWeekly,
	CadenceWeekly,
	CadenceMonthly,
}

var cadenceIntervals = map[Cadence]time.Duration{
	CadenceEvery6Hours: 6 * time.Hour,
	CadenceDaily:       24 * time.Hour,
	CadenceTwiceWeekly: 84 * time.Hour,
	CadenceWeekly:      7 * 24 * time.Hour,
	CadenceMonthly:     30 * 24 * time.Hour,
}

// Interval returns the polling interval for c, or zero for an unknown cadence.
func (c Cadence) Interval() time.Duration {
	return cadenceIntervals[c]
}

// Valid reports whether c is a supported cadence.
func (c Cadence) Valid() bool {
	_, ok := cadenceIntervals[c]
	return ok
}

// Rank returns the position of c in Cadences, or -1 when unknown.
// A higher rank means a longer interval.
func (c Cadence) Rank() int {
	for i, v := range Cadences {
		if v == c {
			return i
		}
	}
	return -1
}

// Source is a crawlable origin of events. It is owned by the external
// scheduler; the core only reads it.
type Source struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	URL            string    `json:"url,omitempty" db:"url"`
	CurrentCadence Cadence   `json:"current_cadence" db:"current_cadence"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
