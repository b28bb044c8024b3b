package domain

import "time"

// Clock is the server's single source of "now" for scheduling and scoring.
type Clock func() time.Time

// SystemClock returns the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
