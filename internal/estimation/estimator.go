// Package estimation fits carb-to-insulin models to daily stats and derives
// carb ratio, insulin sensitivity and basal settings
package estimation

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
)

// Clinical constants K (ISF / CIR, mg/dL per gram)
const (
	ChildK = 12.5
	AdultK = 1700.0 / 450.0
)

// ErrNoValidBolusSamples is returned when no sample has positive bolus insulin
// for the daily-median estimate
var ErrNoValidBolusSamples = apperrors.Sentinel(apperrors.KindDegenerateFit, "no samples with positive bolus insulin")

// DegenerateFitError reports input the regression cannot be fitted to
type DegenerateFitError struct {
	Reason string
}

func (e *DegenerateFitError) Error() string {
	return "degenerate fit: " + e.Reason
}

// Kind implements errors.Kinder
func (e *DegenerateFitError) Kind() apperrors.Kind {
	return apperrors.KindDegenerateFit
}

// Params are the per-run clinical inputs
type Params struct {
	K        float64
	TargetBG float64
	Scheme   models.WeightScheme
}

// Validate checks K and the target
func (p Params) Validate() error {
	if !(p.K > 0) || math.IsInf(p.K, 0) {
		return apperrors.New(apperrors.KindValidation, "k", fmt.Sprintf("K must be positive, got %v", p.K))
	}
	if !(p.TargetBG > 0) || math.IsInf(p.TargetBG, 0) {
		return apperrors.New(apperrors.KindValidation, "target_bg", fmt.Sprintf("target must be positive, got %v", p.TargetBG))
	}
	switch p.Scheme {
	case models.SchemeNone, models.SchemeCGMWeighted, models.SchemeCarbUncertainty:
	default:
		return apperrors.New(apperrors.KindValidation, "scheme", fmt.Sprintf("unknown weight scheme %q", p.Scheme))
	}
	return nil
}

// Samples are the regression inputs after weighting
type Samples struct {
	X       []float64 // total carbs
	Y       []float64 // total insulin
	Weights []float64 // nil when unweighted
	Dropped int       // rows removed for undefined weight
}

// BuildSamples turns window rows into regression samples under the given scheme
func BuildSamples(rows []models.WindowStats, scheme models.WeightScheme, targetBG float64) (Samples, error) {
	x := make([]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = r.TotalCarbs
		y[i] = r.TotalInsulin
	}

	var w []float64
	switch scheme {
	case models.SchemeNone:
		return Samples{X: x, Y: y}, nil
	case models.SchemeCGMWeighted:
		w = cgmWeights(rows, targetBG)
	case models.SchemeCarbUncertainty:
		var err error
		if w, err = carbWeights(x); err != nil {
			return Samples{}, err
		}
	default:
		return Samples{}, fmt.Errorf("unknown weight scheme %q", scheme)
	}

	s := Samples{}
	for i := range w {
		if math.IsNaN(w[i]) {
			s.Dropped++
			continue
		}
		s.X = append(s.X, x[i])
		s.Y = append(s.Y, y[i])
		s.Weights = append(s.Weights, w[i])
	}
	return s, nil
}

// cgmWeights favors days with glucose near target, high time in range and
// good sensor coverage. Days without glucose get NaN.
func cgmWeights(rows []models.WindowStats, targetBG float64) []float64 {
	w := make([]float64, len(rows))
	for i, r := range rows {
		if !r.GlucoseDefined {
			w[i] = math.NaN()
			continue
		}
		deviation := math.Max(1, math.Abs(targetBG-r.GlucoseGeoMean))
		w[i] = r.PercentInRange * r.PercentAvailable / deviation
	}
	return w
}

// carbWeights down-weights days with unusual carb totals using the normal
// density under the sample mean and standard deviation
func carbWeights(x []float64) ([]float64, error) {
	if len(x) < 2 {
		return nil, &DegenerateFitError{Reason: "carb uncertainty weights need at least 2 samples"}
	}
	mean, std := stat.MeanStdDev(x, nil)
	if !(std > 0) {
		return nil, &DegenerateFitError{Reason: "carb totals have zero variance"}
	}

	dist := distuv.Normal{Mu: mean, Sigma: std}
	w := make([]float64, len(x))
	for i, v := range x {
		w[i] = dist.Prob(v)
	}
	return w, nil
}

// Fit runs (weighted) least squares of Y on X
func Fit(s Samples) (models.LinearModel, float64, error) {
	if len(s.X) < 2 {
		return models.LinearModel{}, 0, &DegenerateFitError{Reason: fmt.Sprintf("need at least 2 samples, have %d", len(s.X))}
	}
	for i := range s.X {
		if math.IsNaN(s.X[i]) || math.IsInf(s.X[i], 0) || math.IsNaN(s.Y[i]) || math.IsInf(s.Y[i], 0) {
			return models.LinearModel{}, 0, &DegenerateFitError{Reason: fmt.Sprintf("sample %d is not finite", i)}
		}
	}

	if s.Weights != nil {
		sum := 0.0
		for _, w := range s.Weights {
			if w < 0 || math.IsInf(w, 0) {
				return models.LinearModel{}, 0, &DegenerateFitError{Reason: "weights must be finite and non-negative"}
			}
			sum += w
		}
		if sum <= 0 {
			return models.LinearModel{}, 0, &DegenerateFitError{Reason: "weights sum to zero"}
		}
	}

	if !hasSpread(s.X, s.Weights) {
		return models.LinearModel{}, 0, &DegenerateFitError{Reason: "carb totals have zero variance"}
	}

	alpha, beta := stat.LinearRegression(s.X, s.Y, s.Weights, false)
	if beta == 0 || math.IsNaN(beta) || math.IsInf(beta, 0) {
		return models.LinearModel{}, 0, &DegenerateFitError{Reason: fmt.Sprintf("slope is %v", beta)}
	}

	// R² of the fitted line on the unweighted samples
	r2 := stat.RSquared(s.X, s.Y, nil, alpha, beta)
	return models.LinearModel{Slope: beta, Intercept: alpha}, r2, nil
}

// hasSpread reports whether x takes at least two values among samples with
// positive weight
func hasSpread(x, w []float64) bool {
	first := math.NaN()
	for i, v := range x {
		if w != nil && w[i] == 0 {
			continue
		}
		if math.IsNaN(first) {
			first = v
			continue
		}
		if v != first {
			return true
		}
	}
	return false
}

// Estimate fits the carb-to-insulin line and derives therapy settings:
// basal = intercept, CIR = 1/slope, ISF = CIR*K, plus the daily-median CIR.
func Estimate(rows []models.WindowStats, p Params) (*models.FittedSettings, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s, err := BuildSamples(rows, p.Scheme, p.TargetBG)
	if err != nil {
		return nil, err
	}

	model, r2, err := Fit(s)
	if err != nil {
		return nil, err
	}

	cir := 1 / model.Slope
	settings := &models.FittedSettings{
		CarbInsulinRatio: cir,
		ISF:              cir * p.K,
		BasalInsulin:     model.Intercept,
		R2:               r2,
		K:                p.K,
		TargetBG:         p.TargetBG,
		Model:            model,
		Scheme:           p.Scheme,
		Samples:          len(s.X),
		Dropped:          s.Dropped,
	}

	median, err := DailyMedian(s.X, s.Y, model.Intercept, p.K)
	if err != nil {
		log.Warn().Err(err).Int("excluded", median.Excluded).Msg("daily median estimate undefined")
	}
	settings.Median = median

	log.Info().
		Float64("r2", r2).
		Float64("intercept", model.Intercept).
		Float64("cir", cir).
		Float64("isf", settings.ISF).
		Float64("k", p.K).
		Str("scheme", p.Scheme.String()).
		Int("samples", settings.Samples).
		Int("dropped", s.Dropped).
		Msg("fitted therapy settings")

	return settings, nil
}

// DailyMedian estimates CIR as the median of carbs / (insulin - intercept)
// over samples whose bolus share is positive
func DailyMedian(x, y []float64, intercept, k float64) (models.MedianEstimate, error) {
	ratios := make([]float64, 0, len(x))
	excluded := 0
	for i := range x {
		bolus := y[i] - intercept
		ratio := x[i] / bolus
		if !(bolus > 0) || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
			excluded++
			continue
		}
		ratios = append(ratios, ratio)
	}

	m := models.MedianEstimate{Samples: len(ratios), Excluded: excluded}
	if len(ratios) == 0 {
		m.CarbInsulinRatio = math.NaN()
		m.ISF = math.NaN()
		return m, ErrNoValidBolusSamples
	}

	m.Defined = true
	m.CarbInsulinRatio = median(ratios)
	m.ISF = m.CarbInsulinRatio * k
	return m, nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
