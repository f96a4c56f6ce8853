package estimation

import (
	"time"

	"github.com/mrcode/therapy-settings/internal/models"
)

// SlidingPoint is one estimate in a trend line
type SlidingPoint struct {
	Start    time.Time
	End      time.Time
	Settings *models.FittedSettings
	Err      error
}

// Sliding re-runs Estimate over consecutive runs of size rows, advancing by
// step rows, and returns one point per run. Failed fits are kept with Err set.
func Sliding(rows []models.WindowStats, size, step int, p Params) []SlidingPoint {
	if size <= 0 || step <= 0 || len(rows) < size {
		return nil
	}

	var points []SlidingPoint
	for i := 0; i+size <= len(rows); i += step {
		chunk := rows[i : i+size]
		settings, err := Estimate(chunk, p)
		points = append(points, SlidingPoint{
			Start:    chunk[0].Start,
			End:      chunk[len(chunk)-1].End,
			Settings: settings,
			Err:      err,
		})
	}
	return points
}
