// Package daytype derives the Istanbul-civil-time day-type code used to
// bucket bus and rail timetables: I (weekday), C (Saturday), P (Sunday).
package daytype

import (
	"github.com/dromara/carbon/v2"
)

const (
	Weekday  = "I"
	Saturday = "C"
	Sunday   = "P"
)

const istanbulTZ = "Europe/Istanbul"

// For returns the day-type code for a "YYYY-MM-DD" civil date in the
// Istanbul timezone.
func For(dateStr string) string {
	c := carbon.Parse(dateStr, istanbulTZ)
	switch {
	case c.IsSaturday():
		return Saturday
	case c.IsSunday():
		return Sunday
	default:
		return Weekday
	}
}

// Today returns today's date string and day-type in the Istanbul timezone.
func Today() (dateStr, code string) {
	c := carbon.Now(istanbulTZ)
	dateStr = c.Format("2006-01-02")
	return dateStr, For(dateStr)
}
