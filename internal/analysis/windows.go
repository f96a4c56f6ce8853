package analysis

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// DefaultTargetBG is the glucose target in mg/dL
const DefaultTargetBG = 100.0

// WindowOptions configures the daily-stats generator
type WindowOptions struct {
	Window          time.Duration
	Hop             time.Duration
	UseCircadian    bool
	CircadianRadius int
	TargetBG        float64
	Basal           BasalPolicy
	Ranges          GlucoseRanges
}

// DefaultWindowOptions returns 24h non-overlapping windows aligned to the circadian hour
func DefaultWindowOptions() WindowOptions {
	return WindowOptions{
		Window:          24 * time.Hour,
		Hop:             24 * time.Hour,
		UseCircadian:    true,
		CircadianRadius: DefaultCircadianRadius,
		TargetBG:        DefaultTargetBG,
		Basal:           BasalByStart,
		Ranges:          DefaultGlucoseRanges(),
	}
}

// Validate checks the window parameters
func (o WindowOptions) Validate() error {
	switch {
	case o.Window <= 0:
		return apperrors.New(apperrors.KindValidation, "window", "window size must be positive")
	case o.Hop <= 0:
		return apperrors.New(apperrors.KindValidation, "hop", "hop size must be positive")
	case o.CircadianRadius < 0:
		return apperrors.New(apperrors.KindValidation, "circadian_radius", "circadian radius must not be negative")
	}
	return nil
}

// AlignedStart returns where the first window begins: the circadian hour on
// the start day, or start itself when circadian alignment is off. The hour
// is zero when alignment is off.
func AlignedStart(u *timeline.User, start, end time.Time, opts WindowOptions) (time.Time, int, error) {
	if !opts.UseCircadian {
		return start, 0, nil
	}
	hour, err := DetectCircadianHour(u.Carbs, start, end, opts.CircadianRadius)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("detecting circadian hour: %w", err)
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	return day.Add(time.Duration(hour) * time.Hour), hour, nil
}

// ComputeWindowStats produces one row per hop between start and end. Row i
// covers [s+i*hop, s+i*hop+window) where s is the aligned start. There are
// floor((end-start)/hop) rows. Windows without glucose keep NaN glucose
// fields with GlucoseDefined false.
func ComputeWindowStats(u *timeline.User, start, end time.Time, opts WindowOptions) ([]models.WindowStats, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, apperrors.New(apperrors.KindValidation, "range",
			fmt.Sprintf("end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339)))
	}

	aligned, hour, err := AlignedStart(u, start, end, opts)
	if err != nil {
		return nil, err
	}

	count := int(end.Sub(start) / opts.Hop)
	rows := make([]models.WindowStats, 0, count)

	for i := 0; i < count; i++ {
		ws := aligned.Add(time.Duration(i) * opts.Hop)
		we := ws.Add(opts.Window)
		row, err := windowRow(u, ws, we, opts)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	log.Info().
		Str("user", u.ID).
		Bool("circadian", opts.UseCircadian).
		Int("circadian_hour", hour).
		Time("aligned_start", aligned).
		Int("windows", len(rows)).
		Msg("computed window stats")

	return rows, nil
}

func windowRow(u *timeline.User, ws, we time.Time, opts WindowOptions) (models.WindowStats, error) {
	last := we.Add(-time.Nanosecond)

	ins := totalInsulin(u, ws, last, we, opts.Basal)
	carbs := TotalCarbs(u, ws, last)
	gs, err := GlucoseStats(u, ws, last, opts.Ranges)
	defined := true
	if err != nil {
		if !errors.Is(err, ErrUndefinedStatistic) {
			return models.WindowStats{}, err
		}
		defined = false
	}

	total := ins.Total()
	ratio := math.NaN()
	if total > 0 {
		ratio = carbs.Grams / (total * 0.5)
	}

	return models.WindowStats{
		Start:            ws,
		End:              we,
		TotalInsulin:     total,
		TotalBasal:       ins.Basal,
		TotalBolus:       ins.Bolus,
		TotalCarbs:       carbs.Grams,
		BolusCount:       ins.BolusCount,
		BasalCount:       ins.BasalCount,
		CarbCount:        carbs.Count,
		GlucoseCount:     gs.Count,
		CGMCount:         gs.CGMCount,
		GlucoseDefined:   defined,
		GlucoseGeoMean:   gs.GeoMean,
		GlucoseGeoStd:    gs.GeoStd,
		GlucoseMean:      gs.Mean,
		GlucoseDelta:     gs.Delta,
		PercentInRange:   gs.PercentInRange,
		PercentBelow54:   gs.PercentBelow54,
		PercentAbove250:  gs.PercentAbove250,
		PercentAvailable: gs.PercentAvailable,
		CarbInsulinRatio: ratio,
		ResidualCGM:      gs.GeoMean - opts.TargetBG,
	}, nil
}
