// Package validate holds small, dependency-light validators shared across
// the store, scheduler, and API layers.
package validate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

var lineCodeRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// LineCode reports whether code is a well-formed transport line code
// (bus line number or rail code like "M1A").
func LineCode(code string) bool {
	return lineCodeRE.MatchString(code)
}

var usernameRE = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

// Username reports whether name is an acceptable admin account username.
func Username(name string) bool {
	return usernameRE.MatchString(name)
}

// cronParser accepts the standard five-field expression plus the common
// predefined schedules ("@daily", "@every 30m", ...).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression into a robfig/cron Schedule, whose
// Next(t) computes the next fire time after t.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// TargetDate reports whether a "YYYY-MM-DD" date string is valid and not
// more than maxDaysAhead days past today in loc.
func TargetDate(dateStr string, loc *time.Location, maxDaysAhead int) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", dateStr, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", dateStr, err)
	}
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if d.After(today.AddDate(0, 0, maxDaysAhead)) {
		return time.Time{}, fmt.Errorf("date %q is more than %d days ahead", dateStr, maxDaysAhead)
	}
	return d, nil
}
