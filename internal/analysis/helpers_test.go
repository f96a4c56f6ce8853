package analysis

import (
	"testing"
	"time"

	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

var day0 = time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

func hoursAfter(h float64) time.Time {
	return day0.Add(time.Duration(h * float64(time.Hour)))
}

type userBuilder struct {
	t       *testing.T
	glucose []timeline.Entry[models.Glucose]
	bolus   []timeline.Entry[models.Bolus]
	basal   []timeline.Entry[models.Basal]
	carbs   []timeline.Entry[models.Carb]
}

func newUser(t *testing.T) *userBuilder {
	return &userBuilder{t: t}
}

func (b *userBuilder) cgm(at time.Time, mgdl float64) *userBuilder {
	g, err := models.NewGlucose(mgdl, models.UnitsMgdl, models.SourceCGM)
	if err != nil {
		b.t.Fatalf("NewGlucose() error = %v", err)
	}
	b.glucose = append(b.glucose, timeline.Entry[models.Glucose]{Time: at, Value: g})
	return b
}

func (b *userBuilder) smbg(at time.Time, mgdl float64) *userBuilder {
	g, err := models.NewGlucose(mgdl, models.UnitsMgdl, models.SourceManual)
	if err != nil {
		b.t.Fatalf("NewGlucose() error = %v", err)
	}
	b.glucose = append(b.glucose, timeline.Entry[models.Glucose]{Time: at, Value: g})
	return b
}

func (b *userBuilder) bolusAt(at time.Time, units float64) *userBuilder {
	v, err := models.NewBolus(units)
	if err != nil {
		b.t.Fatalf("NewBolus() error = %v", err)
	}
	b.bolus = append(b.bolus, timeline.Entry[models.Bolus]{Time: at, Value: v})
	return b
}

func (b *userBuilder) basalAt(at time.Time, rate float64, d time.Duration) *userBuilder {
	v, err := models.NewBasal(rate, d)
	if err != nil {
		b.t.Fatalf("NewBasal() error = %v", err)
	}
	b.basal = append(b.basal, timeline.Entry[models.Basal]{Time: at, Value: v})
	return b
}

func (b *userBuilder) carbAt(at time.Time, grams float64) *userBuilder {
	v, err := models.NewCarb(grams, models.CarbUnits, 0)
	if err != nil {
		b.t.Fatalf("NewCarb() error = %v", err)
	}
	b.carbs = append(b.carbs, timeline.Entry[models.Carb]{Time: at, Value: v})
	return b
}

func (b *userBuilder) build() *timeline.User {
	return &timeline.User{
		ID:      "test",
		Glucose: timeline.New(b.glucose),
		Bolus:   timeline.New(b.bolus),
		Basal:   timeline.New(b.basal),
		Carbs:   timeline.New(b.carbs),
	}
}

func approx(a, b, tol float64) bool {
	if a == b {
		return true
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

type userBuilderResult struct {
	User *timeline.User
}
