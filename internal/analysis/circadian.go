package analysis

import (
	"fmt"
	"time"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// DefaultCircadianRadius is the smoothing half-width in hours
const DefaultCircadianRadius = 3

// ErrNoCarbEvents is returned when circadian detection has no carbs to work from
var ErrNoCarbEvents = apperrors.Sentinel(apperrors.KindUndefinedStatistic, "no carbohydrate events in range")

// CircadianHistogram counts carb events per hour of day, each event adding
// one to its own hour and to the radius hours either side, wrapping at
// midnight. Zero start and end select the whole timeline. The second result
// is the number of events seen.
func CircadianHistogram(carbs timeline.Timeline[models.Carb], start, end time.Time, radius int) ([24]int, int) {
	var hist [24]int
	events := 0

	each := func(t time.Time, _ models.Carb) {
		events++
		for r := -radius; r <= radius; r++ {
			hist[((t.Hour()+r)%24+24)%24]++
		}
	}

	if start.IsZero() && end.IsZero() {
		if first, ok := carbs.First(); ok {
			last, _ := carbs.Last()
			carbs.Each(first.Time, last.Time, each)
		}
	} else {
		carbs.Each(start, end, each)
	}

	return hist, events
}

// DetectCircadianHour returns the hour of day with the least smoothed carb
// activity, the earliest hour winning ties. It fails with ErrNoCarbEvents
// when no carbs fall in range.
func DetectCircadianHour(carbs timeline.Timeline[models.Carb], start, end time.Time, radius int) (int, error) {
	if radius < 0 {
		return 0, apperrors.New(apperrors.KindValidation, "circadian_radius",
			fmt.Sprintf("radius must not be negative, got %d", radius))
	}

	hist, events := CircadianHistogram(carbs, start, end, radius)
	if events == 0 {
		return 0, ErrNoCarbEvents
	}

	best := 0
	for h := 1; h < 24; h++ {
		if hist[h] < hist[best] {
			best = h
		}
	}
	return best, nil
}
