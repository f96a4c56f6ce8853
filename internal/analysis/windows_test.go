package analysis

import (
	"math"
	"testing"
	"time"
)

// threeDays builds a user eating at 08:00, 12:00 and 18:00 for three days
// with 1 U/hr basal starting at 04:00 and a 4 U bolus per meal
func threeDays(t *testing.T) *userBuilderResult {
	b := newUser(t)
	for d := 0; d < 3; d++ {
		dayStart := float64(24 * d)
		for _, h := range []float64{8, 12, 18} {
			b.carbAt(hoursAfter(dayStart+h), 50).bolusAt(hoursAfter(dayStart+h), 4)
		}
		b.basalAt(hoursAfter(dayStart+4), 1.0, 24*time.Hour)
		if d < 2 {
			for h := 0.0; h < 24; h += 1 {
				b.cgm(hoursAfter(dayStart+h), 110)
			}
		}
	}
	return &userBuilderResult{b.build()}
}

func TestComputeWindowStats_Daily(t *testing.T) {
	u := threeDays(t).User
	opts := DefaultWindowOptions()
	opts.UseCircadian = false

	rows, err := ComputeWindowStats(u, day0, day0.Add(72*time.Hour), opts)
	if err != nil {
		t.Fatalf("ComputeWindowStats() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}

	for i, r := range rows {
		if !r.Start.Equal(day0.Add(time.Duration(i) * 24 * time.Hour)) {
			t.Errorf("row %d start = %v", i, r.Start)
		}
		if r.TotalCarbs != 150 || r.TotalBolus != 12 || r.TotalBasal != 24 {
			t.Errorf("row %d totals = %v/%v/%v, want 150/12/24", i, r.TotalCarbs, r.TotalBolus, r.TotalBasal)
		}
		if !approx(r.CarbInsulinRatio, 150/(36*0.5), 1e-9) {
			t.Errorf("row %d CarbInsulinRatio = %v, want %v", i, r.CarbInsulinRatio, 150/(36*0.5))
		}
	}

	if !rows[0].GlucoseDefined || !approx(rows[0].ResidualCGM, 10, 1e-9) {
		t.Errorf("row 0 residual = %v (defined %v), want 10", rows[0].ResidualCGM, rows[0].GlucoseDefined)
	}
	if rows[2].GlucoseDefined || !math.IsNaN(rows[2].GlucoseGeoMean) {
		t.Errorf("row 2 should have undefined glucose, got %v", rows[2].GlucoseGeoMean)
	}
}

func TestComputeWindowStats_HalfOpen(t *testing.T) {
	u := newUser(t).carbAt(hoursAfter(24), 40).build()
	opts := DefaultWindowOptions()
	opts.UseCircadian = false

	rows, err := ComputeWindowStats(u, day0, day0.Add(48*time.Hour), opts)
	if err != nil {
		t.Fatalf("ComputeWindowStats() error = %v", err)
	}
	if rows[0].TotalCarbs != 0 || rows[1].TotalCarbs != 40 {
		t.Errorf("carbs = %v/%v, want 0/40: boundary event belongs to the later window", rows[0].TotalCarbs, rows[1].TotalCarbs)
	}
}

func TestComputeWindowStats_CircadianAlignment(t *testing.T) {
	u := threeDays(t).User
	opts := DefaultWindowOptions()

	rows, err := ComputeWindowStats(u, day0, day0.Add(72*time.Hour), opts)
	if err != nil {
		t.Fatalf("ComputeWindowStats() error = %v", err)
	}

	// meals at 8, 12, 18 with radius 3 leave 0-4 and 22-23 empty
	if rows[0].Start.Hour() != 0 {
		t.Errorf("aligned start hour = %d, want 0", rows[0].Start.Hour())
	}

	_, hour, err := AlignedStart(u, day0, day0.Add(72*time.Hour), opts)
	if err != nil || hour != 0 {
		t.Errorf("AlignedStart() hour = %d, err = %v", hour, err)
	}
}

func TestComputeWindowStats_Overlapping(t *testing.T) {
	u := threeDays(t).User
	opts := DefaultWindowOptions()
	opts.UseCircadian = false
	opts.Window = 48 * time.Hour
	opts.Hop = 12 * time.Hour

	rows, err := ComputeWindowStats(u, day0, day0.Add(72*time.Hour), opts)
	if err != nil {
		t.Fatalf("ComputeWindowStats() error = %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("len(rows) = %d, want 6", len(rows))
	}
	if rows[0].Duration() != 48*time.Hour {
		t.Errorf("Duration() = %v, want 48h", rows[0].Duration())
	}
	if rows[0].TotalCarbs != 300 {
		t.Errorf("first window carbs = %v, want 300", rows[0].TotalCarbs)
	}
}

func TestComputeWindowStats_Invalid(t *testing.T) {
	u := threeDays(t).User

	tests := []struct {
		name   string
		mutate func(*WindowOptions)
		end    time.Time
	}{
		{"zero hop", func(o *WindowOptions) { o.Hop = 0 }, day0.Add(72 * time.Hour)},
		{"negative window", func(o *WindowOptions) { o.Window = -time.Hour }, day0.Add(72 * time.Hour)},
		{"end before start", func(o *WindowOptions) {}, day0.Add(-time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultWindowOptions()
			tt.mutate(&opts)
			if _, err := ComputeWindowStats(u, day0, tt.end, opts); err == nil {
				t.Error("ComputeWindowStats() should fail")
			}
		})
	}
}

func TestComputeWindowStats_Deterministic(t *testing.T) {
	u := threeDays(t).User
	opts := DefaultWindowOptions()

	a, err := ComputeWindowStats(u, day0, day0.Add(72*time.Hour), opts)
	if err != nil {
		t.Fatalf("ComputeWindowStats() error = %v", err)
	}
	b, _ := ComputeWindowStats(u, day0, day0.Add(72*time.Hour), opts)

	for i := range a {
		if a[i].TotalInsulin != b[i].TotalInsulin || a[i].TotalCarbs != b[i].TotalCarbs {
			t.Errorf("row %d differs between runs", i)
		}
	}
}

func TestComputeWindowStats_ProRatedBasalConserved(t *testing.T) {
	u := newUser(t).basalAt(hoursAfter(19), 1, 10*time.Hour).build()
	opts := DefaultWindowOptions()
	opts.UseCircadian = false
	opts.Basal = BasalProRated

	rows, err := ComputeWindowStats(u, day0, day0.Add(48*time.Hour), opts)
	if err != nil {
		t.Fatalf("ComputeWindowStats() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].TotalBasal != 5 || rows[1].TotalBasal != 5 {
		t.Errorf("TotalBasal = %v/%v, want 5/5", rows[0].TotalBasal, rows[1].TotalBasal)
	}
	if sum := rows[0].TotalBasal + rows[1].TotalBasal; sum != 10 {
		t.Errorf("sum = %v, want 10", sum)
	}
}
