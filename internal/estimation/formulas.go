package estimation

import (
	"fmt"
	"math"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
)

// Formula method names
const (
	MethodAACE    = "aace"
	MethodCompare = "compare"
)

// AACESettings returns starting pump settings from the AACE/ACE guideline:
// the starting TDD averages 0.5 U/kg and 75% of the pre-pump TDD, half of it
// basal, with the 450 and 1700 rules for CIR and ISF.
func AACESettings(weightKg, prePumpTDD float64) (models.PumpSettings, error) {
	if !(weightKg > 0) || !(prePumpTDD > 0) {
		return models.PumpSettings{}, apperrors.New(apperrors.KindValidation, "aace_inputs",
			fmt.Sprintf("weight and pre-pump TDD must be positive, got %v kg and %v U", weightKg, prePumpTDD))
	}

	tdd := (weightKg*0.5 + prePumpTDD*0.75) / 2
	return models.PumpSettings{
		Method:           MethodAACE,
		BasalRate:        tdd * 0.5 / 24,
		CarbInsulinRatio: 450 / tdd,
		ISF:              1700 / tdd,
	}, nil
}

// CompareSettings applies the regression equations relating median TDD,
// median daily carbs and BMI to basal, ISF and CIR
func CompareSettings(medianTDD, medianCarbs, bmi float64) (models.PumpSettings, error) {
	if !(medianTDD > 0) || medianCarbs < 0 || !(bmi > 0) {
		return models.PumpSettings{}, apperrors.New(apperrors.KindValidation, "compare_inputs",
			fmt.Sprintf("invalid inputs: TDD %v, carbs %v, BMI %v", medianTDD, medianCarbs, bmi))
	}

	totalDailyBasal := 0.6342 * medianTDD / math.Exp(0.0015202*medianCarbs)
	return models.PumpSettings{
		Method:           MethodCompare,
		BasalRate:        totalDailyBasal / 24,
		ISF:              94656 / (math.Pow(medianTDD, 0.41612) * math.Pow(bmi, 1.9408)),
		CarbInsulinRatio: (0.40*medianCarbs + 62.76) / math.Pow(medianTDD, 0.71148),
	}, nil
}

// MedianTotals returns the median daily insulin and carbs across rows
func MedianTotals(rows []models.WindowStats) (tdd, carbs float64) {
	ins := make([]float64, len(rows))
	cs := make([]float64, len(rows))
	for i, r := range rows {
		ins[i] = r.TotalInsulin
		cs[i] = r.TotalCarbs
	}
	return median(ins), median(cs)
}
