// Package analysis computes windowed aggregates, circadian boundaries and
// daily stats tables over a user's timelines
package analysis

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// ErrUndefinedStatistic is returned when a statistic has no samples to work on
var ErrUndefinedStatistic = apperrors.Sentinel(apperrors.KindUndefinedStatistic, "undefined statistic")

// BasalPolicy decides how basal segments that cross a window edge are counted
type BasalPolicy int

const (
	// BasalByStart counts a segment's full delivery when its start lies in the window
	BasalByStart BasalPolicy = iota
	// BasalProRated counts only the part of each segment overlapping the window
	BasalProRated
)

// ParseBasalPolicy parses a policy name
func ParseBasalPolicy(s string) (BasalPolicy, error) {
	switch s {
	case "", "start", "by_start":
		return BasalByStart, nil
	case "prorated", "pro_rated", "prorate":
		return BasalProRated, nil
	}
	return BasalByStart, fmt.Errorf("unknown basal policy %q", s)
}

// String returns the policy name
func (p BasalPolicy) String() string {
	if p == BasalProRated {
		return "prorated"
	}
	return "by_start"
}

// Insulin holds insulin totals for a window
type Insulin struct {
	Bolus      float64
	BolusCount int
	Basal      float64
	BasalCount int
}

// Total returns bolus plus basal
func (i Insulin) Total() float64 {
	return i.Bolus + i.Basal
}

// Carbs holds carbohydrate totals for a window
type Carbs struct {
	Grams float64
	Count int
}

// GlucoseRanges are the thresholds used for time-in-range figures, in mg/dL
type GlucoseRanges struct {
	Low         float64       `yaml:"low"`
	High        float64       `yaml:"high"`
	VeryLow     float64       `yaml:"very_low"`
	VeryHigh    float64       `yaml:"very_high"`
	CGMInterval time.Duration `yaml:"cgm_interval"`
}

// DefaultGlucoseRanges returns the consensus 70-180 target with 54/250 extremes
func DefaultGlucoseRanges() GlucoseRanges {
	return GlucoseRanges{
		Low:         70,
		High:        180,
		VeryLow:     54,
		VeryHigh:    250,
		CGMInterval: 5 * time.Minute,
	}
}

// GlucoseSummary holds glucose statistics for a window. Fractions are 0..1.
type GlucoseSummary struct {
	Count            int
	CGMCount         int
	GeoMean          float64
	GeoStd           float64
	Mean             float64
	Delta            float64
	PercentInRange   float64
	PercentBelow54   float64
	PercentAbove250  float64
	PercentAvailable float64
}

// TotalInsulin sums bolus and basal insulin over start <= t <= end
func TotalInsulin(u *timeline.User, start, end time.Time, policy BasalPolicy) Insulin {
	return totalInsulin(u, start, end, end, policy)
}

// totalInsulin counts events in [start, last]. Pro-rated basal delivery is
// clipped at clip, which lets half-open windows pass their exclusive end so
// adjacent windows split a segment without losing any of it.
func totalInsulin(u *timeline.User, start, last, clip time.Time, policy BasalPolicy) Insulin {
	var ins Insulin

	u.Bolus.Each(start, last, func(_ time.Time, b models.Bolus) {
		ins.Bolus += b.Units()
		ins.BolusCount++
	})

	switch policy {
	case BasalProRated:
		first, ok := u.Basal.First()
		if !ok {
			break
		}
		u.Basal.Each(first.Time, last, func(t time.Time, b models.Basal) {
			if d := b.DeliveredBetween(t, start, clip); d > 0 || !t.Before(start) {
				ins.Basal += d
				ins.BasalCount++
			}
		})
	default:
		u.Basal.Each(start, last, func(_ time.Time, b models.Basal) {
			ins.Basal += b.Delivered()
			ins.BasalCount++
		})
	}

	return ins
}

// TotalCarbs sums carbohydrates over start <= t <= end
func TotalCarbs(u *timeline.User, start, end time.Time) Carbs {
	var c Carbs
	u.Carbs.Each(start, end, func(_ time.Time, carb models.Carb) {
		c.Grams += carb.Grams()
		c.Count++
	})
	return c
}

// GlucoseStats computes glucose statistics over start <= t <= end, manual
// and CGM readings combined. With no readings the summary is NaN-filled and
// ErrUndefinedStatistic is returned.
func GlucoseStats(u *timeline.User, start, end time.Time, ranges GlucoseRanges) (GlucoseSummary, error) {
	entries := u.Glucose.Range(start, end)
	if len(entries) == 0 {
		return undefinedSummary(), fmt.Errorf("glucose between %s and %s: %w",
			start.Format(time.RFC3339), end.Format(time.RFC3339), ErrUndefinedStatistic)
	}

	s := GlucoseSummary{Count: len(entries)}
	values := make([]float64, len(entries))
	logs := make([]float64, len(entries))
	var inRange, below, above int

	for i, e := range entries {
		v := e.Value.Value()
		if v <= 0 {
			return undefinedSummary(), fmt.Errorf("glucose %v at %s: log undefined: %w",
				v, e.Time.Format(time.RFC3339), ErrUndefinedStatistic)
		}
		values[i] = v
		logs[i] = math.Log(v)

		if e.Value.IsCGM() {
			s.CGMCount++
		}
		if v >= ranges.Low && v <= ranges.High {
			inRange++
		}
		if v < ranges.VeryLow {
			below++
		}
		if v > ranges.VeryHigh {
			above++
		}
	}

	n := float64(len(values))
	s.Mean = stat.Mean(values, nil)
	s.GeoMean = math.Exp(stat.Mean(logs, nil))
	s.GeoStd = math.NaN()
	if len(logs) > 1 {
		s.GeoStd = math.Exp(stat.StdDev(logs, nil))
	}
	s.Delta = values[len(values)-1] - values[0]
	s.PercentInRange = float64(inRange) / n
	s.PercentBelow54 = float64(below) / n
	s.PercentAbove250 = float64(above) / n

	if span := end.Sub(start); span > 0 && ranges.CGMInterval > 0 {
		covered := time.Duration(s.CGMCount) * ranges.CGMInterval
		s.PercentAvailable = math.Min(1, covered.Seconds()/span.Seconds())
	}

	return s, nil
}

func undefinedSummary() GlucoseSummary {
	nan := math.NaN()
	return GlucoseSummary{
		GeoMean:          nan,
		GeoStd:           nan,
		Mean:             nan,
		Delta:            nan,
		PercentInRange:   nan,
		PercentBelow54:   nan,
		PercentAbove250:  nan,
		PercentAvailable: nan,
	}
}
