// Package tags provides note-tag analyses over a user's annotation timeline
package tags

import (
	"sort"
	"time"

	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// Period project tags
const (
	PeriodStart = "periodstart"
	PeriodEnd   = "periodend"
)

// PeriodTags are the tags counted for the period project
var PeriodTags = []string{PeriodStart, PeriodEnd}

// Span is a start/end pair taken from tagged notes
type Span struct {
	Start time.Time
	End   time.Time
}

// Days returns the span length in days
func (s Span) Days() float64 {
	return s.End.Sub(s.Start).Hours() / 24
}

// TagDates returns the timestamps of notes carrying tag, in time order
func TagDates(u *timeline.User, tag string) []time.Time {
	var dates []time.Time
	for _, e := range u.Notes.Entries() {
		if e.Value.HasTag(tag) {
			dates = append(dates, e.Time)
		}
	}
	return dates
}

// TagCounts counts notes carrying each of the given tags
func TagCounts(u *timeline.User, tags []string) map[string]int {
	counts := make(map[string]int, len(tags))
	for _, e := range u.Notes.Entries() {
		for _, tag := range tags {
			if e.Value.HasTag(tag) {
				counts[tag]++
			}
		}
	}
	return counts
}

// MessageCounts counts identical note messages
func MessageCounts(u *timeline.User) map[string]int {
	counts := make(map[string]int)
	for _, e := range u.Notes.Entries() {
		counts[e.Value.Message()]++
	}
	return counts
}

// TaggedSpans pairs each startTag note with the first endTag note that falls
// between minDays and maxDays after it. Start notes with no such end are skipped.
func TaggedSpans(u *timeline.User, startTag, endTag string, minDays, maxDays float64) []Span {
	notes := u.Notes.Entries()
	var spans []Span

	for _, s := range notes {
		if !s.Value.HasTag(startTag) {
			continue
		}
		for _, e := range notes {
			if !e.Value.HasTag(endTag) {
				continue
			}
			span := Span{Start: s.Value.Timestamp(), End: e.Value.Timestamp()}
			if d := span.Days(); d >= minDays && d <= maxDays {
				spans = append(spans, span)
				break
			}
		}
	}
	return spans
}

// PeriodSpans returns #periodstart/#periodend spans between minDays and maxDays long
func PeriodSpans(u *timeline.User, minDays, maxDays float64) []Span {
	return TaggedSpans(u, PeriodStart, PeriodEnd, minDays, maxDays)
}

// AllTags counts every hashtag seen in the user's notes, most frequent first
func AllTags(u *timeline.User) []TagCount {
	counts := make(map[string]int)
	u.Notes.Each(minTime(u), maxTime(u), func(_ time.Time, n models.Note) {
		for _, t := range n.Tags() {
			counts[t]++
		}
	})

	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// TagCount is one tag and how often it appears
type TagCount struct {
	Tag   string
	Count int
}

func minTime(u *timeline.User) time.Time {
	first, _ := u.Notes.First()
	return first.Time
}

func maxTime(u *timeline.User) time.Time {
	last, _ := u.Notes.Last()
	return last.Time
}
