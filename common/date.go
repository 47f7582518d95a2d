// Day-granular date handling.
//
// All dates are UTC and truncated to midnight.  The usage pipeline works on
// inclusive date ranges [from, to]; a "date" in store keys is always the
// YYYY-MM-DD form of such a truncated time.

package common

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const DateFormat = "2006-01-02"

var dateRe = regexp.MustCompile(`^(\d\d\d\d)-(\d\d)-(\d\d)$`)

// Parse a YYYY-MM-DD string into a UTC midnight time.
//
// NOTE: we opt in to the Go semantics here: the nonexistent yyyy-09-31 is
// silently reinterpreted as yyyy-10-01.
func ParseDate(s string) (time.Time, error) {
	probe := dateRe.FindSubmatch([]byte(s))
	if probe == nil {
		return time.Time{}, fmt.Errorf("Bad date %q, expected YYYY-MM-DD", s)
	}
	yyyy, _ := strconv.ParseUint(string(probe[1]), 10, 32)
	mm, _ := strconv.ParseUint(string(probe[2]), 10, 32)
	dd, _ := strconv.ParseUint(string(probe[3]), 10, 32)
	return time.Date(int(yyyy), time.Month(mm), int(dd), 0, 0, 0, 0, time.UTC), nil
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// t need not be UTC, the result is always UTC.
func ThisDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func NextDay(t time.Time) time.Time {
	return ThisDay(t).AddDate(0, 0, 1)
}

func PrevDay(t time.Time) time.Time {
	return ThisDay(t).AddDate(0, 0, -1)
}

// Days lists the truncated days of the inclusive range [from, to], oldest
// first.  An inverted range yields nil.
func Days(from, to time.Time) []time.Time {
	from = ThisDay(from)
	to = ThisDay(to)
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// SameDay is true when a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return ThisDay(a).Equal(ThisDay(b))
}
