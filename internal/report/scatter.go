package report

import (
	"fmt"
	"image"
	"math"

	"github.com/mrcode/therapy-settings/internal/analysis"
	"github.com/mrcode/therapy-settings/internal/models"
)

// ScatterOptions configures DailyScatter
type ScatterOptions struct {
	Width, Height int
	Title         string
	Ranges        analysis.GlucoseRanges
	// Reference is drawn as a dashed line y = x/CIR + 24*BasalRate when set,
	// e.g. AACE or compare-equation starting settings
	Reference *models.PumpSettings
}

// pointColor colors a window by its glucose geometric mean
func pointColor(w models.WindowStats, r analysis.GlucoseRanges) string {
	switch {
	case !w.HasGlucose():
		return colorUnknown
	case w.GlucoseGeoMean < r.Low:
		return colorLow
	case w.GlucoseGeoMean > r.High:
		return colorHigh
	default:
		return colorInRange
	}
}

// DailyScatter plots total carbs against total insulin per window, with the
// fitted line, the basal and endogenous-glucose estimates and an optional
// reference line. fit may be nil.
func DailyScatter(rows []models.WindowStats, fit *models.FittedSettings, opts ScatterOptions) image.Image {
	if opts.Ranges == (analysis.GlucoseRanges{}) {
		opts.Ranges = analysis.DefaultGlucoseRanges()
	}

	maxX, maxY := 0.0, 0.0
	for _, w := range rows {
		maxX = math.Max(maxX, w.TotalCarbs)
		maxY = math.Max(maxY, w.TotalInsulin)
	}
	if fit != nil {
		maxY = math.Max(maxY, fit.BasalInsulin)
	}

	dc := newCanvas(opts.Width, opts.Height)
	f := newFrame(dc, 0, maxX*1.1, 0, maxY*1.1)

	title := opts.Title
	if title == "" {
		title = fmt.Sprintf("Insulin vs carbs per window, %d windows", len(rows))
		if len(rows) > 0 {
			title = fmt.Sprintf("Insulin vs carbs, %s to %s, %d windows", rows[0].Date(), rows[len(rows)-1].Date(), len(rows))
		}
	}
	f.axes(title, "Total carbs (g)", "Total insulin (U)")

	for _, w := range rows {
		if !f.contains(w.TotalCarbs, w.TotalInsulin) {
			continue
		}
		setHex(dc, pointColor(w, opts.Ranges))
		dc.DrawCircle(f.px(w.TotalCarbs), f.py(w.TotalInsulin), 5)
		dc.Fill()
	}

	legend := [][2]string{
		{"Geo mean in range", colorInRange},
		{"Geo mean low", colorLow},
		{"Geo mean high", colorHigh},
	}

	if opts.Reference != nil && opts.Reference.CarbInsulinRatio > 0 {
		ref := opts.Reference
		basal := ref.BasalRate * 24
		f.line(0, basal, f.maxX, basal+f.maxX/ref.CarbInsulinRatio, colorReference, 2, true)
		legend = append(legend, [2]string{fmt.Sprintf("Reference (%s)", ref.Method), colorReference})
	}

	if fit != nil {
		m := fit.Model
		f.line(0, m.Predict(0), f.maxX, m.Predict(f.maxX), colorFit, 2.5, false)
		f.star(0, fit.BasalInsulin, 10, colorBasal)
		if m.Slope != 0 {
			if endo := -m.Intercept / m.Slope; endo > 0 && endo <= f.maxX {
				f.star(endo, 0, 10, colorLow)
			}
		}
		if mx, my, ok := means(rows); ok {
			f.star(mx, my, 10, colorMean)
		}
		legend = append(legend,
			[2]string{fmt.Sprintf("Fit (weights: %s)", fit.Scheme), colorFit},
			[2]string{"Basal estimate", colorBasal},
			[2]string{"Mean insulin/carbs", colorMean},
		)

		setFont(dc, 13)
		setHex(dc, colorAxis)
		tx, ty := f.x0+(f.x1-f.x0)*0.55, f.y1-(f.y1-f.y0)*0.25
		dc.DrawStringAnchored(fmt.Sprintf("y = %.4f*x + %.2f (R² = %.2f)", m.Slope, m.Intercept, fit.R2), tx, ty, 0, 0.5)
		dc.DrawStringAnchored(fmt.Sprintf("CIR = %.2f g/U, basal = %.2f U", fit.CarbInsulinRatio, fit.BasalInsulin), tx, ty+18, 0, 0.5)
		dc.DrawStringAnchored(fmt.Sprintf("ISF = %.2f mg/dL/U (K = %.2f)", fit.ISF, fit.K), tx, ty+36, 0, 0.5)
	}

	f.legend(legend)
	return dc.Image()
}

func means(rows []models.WindowStats) (x, y float64, ok bool) {
	if len(rows) == 0 {
		return 0, 0, false
	}
	for _, w := range rows {
		x += w.TotalCarbs
		y += w.TotalInsulin
	}
	n := float64(len(rows))
	return x / n, y / n, true
}
