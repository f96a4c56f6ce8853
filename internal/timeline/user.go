package timeline

import (
	"time"

	"github.com/mrcode/therapy-settings/internal/models"
)

// User owns every timeline for one person. A User is read-only once built.
type User struct {
	ID           string
	Demographics models.Demographics

	Glucose          Timeline[models.Glucose]
	Bolus            Timeline[models.Bolus]
	Basal            Timeline[models.Basal]
	Carbs            Timeline[models.Carb]
	TimeZoneChanges  Timeline[models.TimeZoneChange]
	ReservoirChanges Timeline[models.ReservoirChange]
	Notes            Timeline[models.Note]
}

// Span returns the earliest and latest measurement timestamps across the
// glucose, insulin and carb timelines
func (u *User) Span() (start, end time.Time, ok bool) {
	extend := func(first, last time.Time, has bool) {
		if !has {
			return
		}
		if !ok || first.Before(start) {
			start = first
		}
		if !ok || last.After(end) {
			end = last
		}
		ok = true
	}

	extend(bounds(u.Glucose))
	extend(bounds(u.Bolus))
	extend(bounds(u.Basal))
	extend(bounds(u.Carbs))
	return start, end, ok
}

// EventCount returns the number of measurement events held
func (u *User) EventCount() int {
	return u.Glucose.Len() + u.Bolus.Len() + u.Basal.Len() + u.Carbs.Len() +
		u.TimeZoneChanges.Len() + u.ReservoirChanges.Len()
}

// DuplicateReport counts near-duplicate events per timeline
type DuplicateReport struct {
	Threshold time.Duration
	Close     map[string]int // gaps shorter than Threshold
	Exact     map[string]int // identical timestamps
}

// Total returns the number of close pairs across all timelines
func (r DuplicateReport) Total() int {
	n := 0
	for _, c := range r.Close {
		n += c
	}
	return n
}

// AnalyzeDuplicates reports same-type events closer together than threshold
func (u *User) AnalyzeDuplicates(threshold time.Duration) DuplicateReport {
	r := DuplicateReport{
		Threshold: threshold,
		Close:     make(map[string]int),
		Exact:     make(map[string]int),
	}
	add := func(name string, c, e int) {
		r.Close[name] = c
		r.Exact[name] = e
	}

	c, e := u.Glucose.Gaps(threshold)
	add("glucose", c, e)
	c, e = u.Bolus.Gaps(threshold)
	add("bolus", c, e)
	c, e = u.Basal.Gaps(threshold)
	add("basal", c, e)
	c, e = u.Carbs.Gaps(threshold)
	add("carbs", c, e)
	c, e = u.ReservoirChanges.Gaps(threshold)
	add("reservoir", c, e)
	return r
}

func bounds[T any](tl Timeline[T]) (time.Time, time.Time, bool) {
	first, ok := tl.First()
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	last, _ := tl.Last()
	return first.Time, last.Time, true
}
