// Package timeline holds per-category ordered event timelines and the user record built from raw events
package timeline

import (
	"sort"
	"time"
)

// Entry is one timestamped value
type Entry[T any] struct {
	Time  time.Time
	Value T
}

// Timeline is an immutable, time-ordered sequence of entries. Entries with
// equal timestamps keep their ingestion order.
type Timeline[T any] struct {
	entries []Entry[T]
}

// New builds a timeline from entries in any order, keeping every entry
func New[T any](entries []Entry[T]) Timeline[T] {
	sorted := make([]Entry[T], len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})
	return Timeline[T]{entries: sorted}
}

// Len returns the number of entries
func (tl Timeline[T]) Len() int {
	return len(tl.entries)
}

// At returns the i-th entry in time order
func (tl Timeline[T]) At(i int) Entry[T] {
	return tl.entries[i]
}

// Entries returns a copy of all entries
func (tl Timeline[T]) Entries() []Entry[T] {
	out := make([]Entry[T], len(tl.entries))
	copy(out, tl.entries)
	return out
}

// Range returns the entries with start <= t <= end. The result shares
// storage with the timeline and must not be modified.
func (tl Timeline[T]) Range(start, end time.Time) []Entry[T] {
	if end.Before(start) {
		return nil
	}
	lo := sort.Search(len(tl.entries), func(i int) bool {
		return !tl.entries[i].Time.Before(start)
	})
	hi := sort.Search(len(tl.entries), func(i int) bool {
		return tl.entries[i].Time.After(end)
	})
	if lo >= hi {
		return nil
	}
	return tl.entries[lo:hi:hi]
}

// Each calls fn for every entry with start <= t <= end, in time order
func (tl Timeline[T]) Each(start, end time.Time, fn func(time.Time, T)) {
	for _, e := range tl.Range(start, end) {
		fn(e.Time, e.Value)
	}
}

// First returns the earliest entry
func (tl Timeline[T]) First() (Entry[T], bool) {
	if len(tl.entries) == 0 {
		return Entry[T]{}, false
	}
	return tl.entries[0], true
}

// Last returns the latest entry
func (tl Timeline[T]) Last() (Entry[T], bool) {
	if len(tl.entries) == 0 {
		return Entry[T]{}, false
	}
	return tl.entries[len(tl.entries)-1], true
}

// Gaps counts consecutive entries closer together than threshold, and how
// many of those share an exact timestamp
func (tl Timeline[T]) Gaps(threshold time.Duration) (close, exact int) {
	for i := 1; i < len(tl.entries); i++ {
		d := tl.entries[i].Time.Sub(tl.entries[i-1].Time)
		if d < threshold {
			close++
		}
		if d == 0 {
			exact++
		}
	}
	return close, exact
}

func sortStable(idx []int, less func(a, b int) bool) {
	sort.SliceStable(idx, func(i, j int) bool {
		return less(idx[i], idx[j])
	})
}
