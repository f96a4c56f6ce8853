package analysis

import (
	"errors"
	"math"
	"testing"
	"time"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
)

func TestTotalInsulin_ByStart(t *testing.T) {
	u := newUser(t).
		bolusAt(hoursAfter(8), 4).
		bolusAt(hoursAfter(12), 6).
		basalAt(hoursAfter(0), 1.0, 6*time.Hour).
		basalAt(hoursAfter(22), 0.5, 4*time.Hour). // runs past midnight
		build()

	ins := TotalInsulin(u, hoursAfter(0), hoursAfter(24), BasalByStart)
	if ins.Bolus != 10 || ins.BolusCount != 2 {
		t.Errorf("bolus = %v (%d), want 10 (2)", ins.Bolus, ins.BolusCount)
	}
	if ins.Basal != 8 || ins.BasalCount != 2 {
		t.Errorf("basal = %v (%d), want 8 (2)", ins.Basal, ins.BasalCount)
	}
	if ins.Total() != 18 {
		t.Errorf("Total() = %v, want 18", ins.Total())
	}
}

func TestTotalInsulin_ProRated(t *testing.T) {
	u := newUser(t).
		basalAt(hoursAfter(-2), 1.0, 4*time.Hour). // 2h before, 2h inside
		basalAt(hoursAfter(22), 0.5, 4*time.Hour). // 2h inside, 2h after
		build()

	ins := TotalInsulin(u, hoursAfter(0), hoursAfter(24), BasalProRated)
	if !approx(ins.Basal, 3, 1e-9) {
		t.Errorf("prorated basal = %v, want 3", ins.Basal)
	}
	if ins.BasalCount != 2 {
		t.Errorf("BasalCount = %d, want 2", ins.BasalCount)
	}

	byStart := TotalInsulin(u, hoursAfter(0), hoursAfter(24), BasalByStart)
	if byStart.Basal != 2 {
		t.Errorf("by-start basal = %v, want 2", byStart.Basal)
	}
}

func TestTotalInsulin_EmptyWindow(t *testing.T) {
	u := newUser(t).bolusAt(hoursAfter(8), 4).build()

	ins := TotalInsulin(u, hoursAfter(30), hoursAfter(40), BasalByStart)
	if ins.Total() != 0 || ins.BolusCount != 0 || ins.BasalCount != 0 {
		t.Errorf("empty window = %+v, want zeros", ins)
	}
	carbs := TotalCarbs(u, hoursAfter(30), hoursAfter(40))
	if carbs.Grams != 0 || carbs.Count != 0 {
		t.Errorf("empty window carbs = %+v, want zeros", carbs)
	}
}

func TestTotalInsulin_MonotonicInWindow(t *testing.T) {
	b := newUser(t)
	for h := 0; h < 72; h += 3 {
		b.bolusAt(hoursAfter(float64(h)), 1.5).basalAt(hoursAfter(float64(h)+1), 0.9, 3*time.Hour)
	}
	u := b.build()

	prev := -1.0
	for width := 0; width <= 80; width += 4 {
		total := TotalInsulin(u, hoursAfter(10-float64(width)/4), hoursAfter(10+float64(width)), BasalByStart).Total()
		if total < prev {
			t.Fatalf("total insulin decreased from %v to %v when widening to %d h", prev, total, width)
		}
		prev = total
	}
}

func TestTotalCarbs(t *testing.T) {
	u := newUser(t).
		carbAt(hoursAfter(7), 40).
		carbAt(hoursAfter(12), 60).
		carbAt(hoursAfter(19), 80).
		build()

	c := TotalCarbs(u, hoursAfter(7), hoursAfter(12))
	if c.Grams != 100 || c.Count != 2 {
		t.Errorf("TotalCarbs() = %+v, want 100g from 2 events", c)
	}
}

func TestGlucoseStats(t *testing.T) {
	u := newUser(t).
		cgm(hoursAfter(1), 50).
		smbg(hoursAfter(2), 200).
		build()

	s, err := GlucoseStats(u, hoursAfter(0), hoursAfter(3), DefaultGlucoseRanges())
	if err != nil {
		t.Fatalf("GlucoseStats() error = %v", err)
	}

	if !approx(s.GeoMean, 100, 1e-9) {
		t.Errorf("GeoMean = %v, want 100", s.GeoMean)
	}
	wantStd := math.Exp(math.Log(4) / math.Sqrt2)
	if !approx(s.GeoStd, wantStd, 1e-9) {
		t.Errorf("GeoStd = %v, want %v", s.GeoStd, wantStd)
	}
	if s.Mean != 125 || s.Count != 2 || s.CGMCount != 1 {
		t.Errorf("Mean/Count/CGMCount = %v/%d/%d, want 125/2/1", s.Mean, s.Count, s.CGMCount)
	}
	if s.PercentBelow54 != 0.5 || s.PercentInRange != 0 || s.PercentAbove250 != 0 {
		t.Errorf("ranges = %v/%v/%v, want 0.5/0/0", s.PercentBelow54, s.PercentInRange, s.PercentAbove250)
	}
	if s.Delta != 150 {
		t.Errorf("Delta = %v, want 150", s.Delta)
	}
}

func TestGlucoseStats_SingleSample(t *testing.T) {
	u := newUser(t).cgm(hoursAfter(1), 120).build()

	s, err := GlucoseStats(u, hoursAfter(0), hoursAfter(2), DefaultGlucoseRanges())
	if err != nil {
		t.Fatalf("GlucoseStats() error = %v", err)
	}
	if math.Abs(s.GeoMean-120) > 1e-9 || !math.IsNaN(s.GeoStd) {
		t.Errorf("GeoMean/GeoStd = %v/%v, want 120/NaN", s.GeoMean, s.GeoStd)
	}
}

func TestGlucoseStats_Empty(t *testing.T) {
	u := newUser(t).cgm(hoursAfter(1), 120).build()

	s, err := GlucoseStats(u, hoursAfter(5), hoursAfter(6), DefaultGlucoseRanges())
	if !errors.Is(err, ErrUndefinedStatistic) {
		t.Fatalf("GlucoseStats() error = %v, want ErrUndefinedStatistic", err)
	}
	if !math.IsNaN(s.GeoMean) || s.GeoMean == 0 {
		t.Errorf("GeoMean = %v, want NaN", s.GeoMean)
	}
	if apperrors.KindOf(err) != apperrors.KindUndefinedStatistic {
		t.Errorf("KindOf() = %v, want undefined_statistic", apperrors.KindOf(err))
	}
}

func TestGlucoseStats_Available(t *testing.T) {
	b := newUser(t)
	for m := 0; m < 60; m += 5 {
		b.cgm(day0.Add(time.Duration(m)*time.Minute), 100)
	}
	u := b.build()

	s, err := GlucoseStats(u, day0, day0.Add(2*time.Hour), DefaultGlucoseRanges())
	if err != nil {
		t.Fatalf("GlucoseStats() error = %v", err)
	}
	if !approx(s.PercentAvailable, 0.5, 1e-9) {
		t.Errorf("PercentAvailable = %v, want 0.5", s.PercentAvailable)
	}
	if s.PercentInRange != 1 {
		t.Errorf("PercentInRange = %v, want 1", s.PercentInRange)
	}
}

func TestParseBasalPolicy(t *testing.T) {
	if p, err := ParseBasalPolicy("prorated"); err != nil || p != BasalProRated {
		t.Errorf("ParseBasalPolicy(prorated) = %v, %v", p, err)
	}
	if p, err := ParseBasalPolicy(""); err != nil || p != BasalByStart {
		t.Errorf("ParseBasalPolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParseBasalPolicy("weird"); err == nil {
		t.Error("ParseBasalPolicy(weird) should fail")
	}
}
