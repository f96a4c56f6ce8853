package timeline

import (
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
)

// DateParseError reports a timestamp that matched no known pattern
type DateParseError struct {
	Input string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("could not parse timestamp %q", e.Input)
}

// Kind implements errors.Kinder
func (e *DateParseError) Kind() apperrors.Kind {
	return apperrors.KindDateParse
}

// Some devices pad fractional seconds to 7-9 digits; those are read as zero.
var paddedFraction = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})\.\d{7,9}Z$`)

// Layouts tried in order. Go accepts a fractional second after the seconds
// field even when the layout omits it.
var timestampLayouts = []string{
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats found in device data and notes.
// The result is timezone-naive: it carries the wall clock reading in UTC.
// Timestamps with a numeric offset keep their local wall clock reading.
func ParseTimestamp(s string) (time.Time, error) {
	if m := paddedFraction.FindStringSubmatch(s); m != nil {
		s = m[1] + ".000000Z"
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return wallClock(t), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05-0700", s); err == nil {
		return wallClock(t), nil
	}

	return time.Time{}, &DateParseError{Input: s}
}

// FormatDate renders a day in the YYYY-MM-DD form used by the API and dataset directories
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
