package report

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/mrcode/therapy-settings/internal/estimation"
	"github.com/mrcode/therapy-settings/internal/models"
)

// TimelineOptions configures DailyTimeline
type TimelineOptions struct {
	Width, Height int
	Title         string
	TargetBG      float64
	// Markers are drawn as dashed vertical lines, e.g. reservoir changes
	Markers []time.Time
}

// DailyTimeline draws one column per window: insulin and carbs/10 as bars,
// and the glucose geometric mean as a line on its own scale
func DailyTimeline(rows []models.WindowStats, opts TimelineOptions) image.Image {
	dc := newCanvas(opts.Width, opts.Height)

	maxY := 1.0
	for _, w := range rows {
		maxY = math.Max(maxY, math.Max(w.TotalInsulin, w.TotalCarbs/10))
	}
	f := newFrame(dc, 0, math.Max(1, float64(len(rows))), 0, maxY*1.1)

	title := opts.Title
	if title == "" {
		title = fmt.Sprintf("Daily totals, %d windows", len(rows))
	}
	f.axes(title, "Window", "Insulin (U) / carbs (g/10)")

	barW := (f.x1 - f.x0) / math.Max(1, float64(len(rows))) / 3
	for i, w := range rows {
		x := f.px(float64(i) + 0.5)

		setHexAlpha(dc, colorInsulin, 0.8)
		dc.DrawRectangle(x-barW, f.py(w.TotalInsulin), barW, f.y1-f.py(w.TotalInsulin))
		dc.Fill()

		setHexAlpha(dc, colorCarbs, 0.8)
		dc.DrawRectangle(x, f.py(w.TotalCarbs/10), barW, f.y1-f.py(w.TotalCarbs/10))
		dc.Fill()
	}

	// Glucose uses a fixed 40..400 mg/dL scale mapped onto the plot height
	gy := func(v float64) float64 {
		v = math.Min(400, math.Max(40, v))
		return f.y1 - (v-40)/360*(f.y1-f.y0)
	}
	if opts.TargetBG > 0 {
		setHex(dc, colorInRange)
		dc.SetLineWidth(1)
		dc.SetDash(4, 4)
		dc.DrawLine(f.x0, gy(opts.TargetBG), f.x1, gy(opts.TargetBG))
		dc.Stroke()
		dc.SetDash()
	}

	setHex(dc, colorMean)
	dc.SetLineWidth(2)
	started := false
	for i, w := range rows {
		if !w.HasGlucose() {
			started = false
			continue
		}
		x, y := f.px(float64(i)+0.5), gy(w.GlucoseGeoMean)
		if started {
			dc.LineTo(x, y)
		} else {
			dc.MoveTo(x, y)
			started = true
		}
	}
	dc.Stroke()

	legend := [][2]string{
		{"Total insulin", colorInsulin},
		{"Total carbs / 10", colorCarbs},
		{"Glucose geo mean (40-400)", colorMean},
	}
	if drawMarkers(f, rows, opts.Markers) > 0 {
		legend = append(legend, [2]string{"Reservoir change", colorReference})
	}
	f.legend(legend)
	return dc.Image()
}

// drawMarkers places each marker inside the window that contains it and
// returns how many were drawn
func drawMarkers(f *frame, rows []models.WindowStats, markers []time.Time) int {
	drawn := 0
	f.dc.SetLineWidth(1)
	f.dc.SetDash(2, 3)
	setHexAlpha(f.dc, colorReference, 0.7)
	for _, m := range markers {
		for i, w := range rows {
			if m.Before(w.Start) || !m.Before(w.End) {
				continue
			}
			frac := m.Sub(w.Start).Seconds() / w.Duration().Seconds()
			x := f.px(float64(i) + frac)
			f.dc.DrawLine(x, f.y0, x, f.y1)
			f.dc.Stroke()
			drawn++
			break
		}
	}
	f.dc.SetDash()
	return drawn
}

// SlidingChart plots carb ratio and basal estimates from sliding-window fits.
// Failed fits leave gaps.
func SlidingChart(points []estimation.SlidingPoint, width, height int) image.Image {
	dc := newCanvas(width, height)

	maxY := 1.0
	for _, p := range points {
		if p.Err == nil && p.Settings != nil {
			maxY = math.Max(maxY, math.Max(p.Settings.CarbInsulinRatio, p.Settings.BasalInsulin))
		}
	}
	f := newFrame(dc, 0, math.Max(1, float64(len(points)-1)), 0, maxY*1.1)
	f.axes(fmt.Sprintf("Sliding estimates, %d fits", len(points)), "Fit", "CIR (g/U) / basal (U/day)")

	series := []struct {
		hex   string
		value func(*models.FittedSettings) float64
	}{
		{colorFit, func(s *models.FittedSettings) float64 { return s.CarbInsulinRatio }},
		{colorBasal, func(s *models.FittedSettings) float64 { return s.BasalInsulin }},
	}
	for _, s := range series {
		for i, p := range points {
			if p.Err != nil || p.Settings == nil {
				continue
			}
			v := s.value(p.Settings)
			if !f.contains(float64(i), v) {
				continue
			}
			setHex(dc, s.hex)
			dc.DrawCircle(f.px(float64(i)), f.py(v), 4)
			dc.Fill()
			if i > 0 && points[i-1].Err == nil && points[i-1].Settings != nil {
				f.line(float64(i-1), s.value(points[i-1].Settings), float64(i), v, s.hex, 1.5, false)
			}
		}
	}

	f.legend([][2]string{{"Carb ratio", colorFit}, {"Basal", colorBasal}})
	return dc.Image()
}

// CircadianChart draws the hourly carb-event histogram and marks the
// detected boundary hour
func CircadianChart(hist [24]int, hour, width, height int) image.Image {
	dc := newCanvas(width, height)

	maxY := 1.0
	for _, n := range hist {
		maxY = math.Max(maxY, float64(n))
	}
	f := newFrame(dc, 0, 24, 0, maxY*1.1)
	f.axes(fmt.Sprintf("Carb events by hour, boundary at %02d:00", hour), "Hour of day", "Carb events")

	barW := (f.x1 - f.x0) / 24 * 0.8
	for h, n := range hist {
		hex := colorCarbs
		if h == hour {
			hex = colorFit
		}
		setHex(dc, hex)
		x := f.px(float64(h) + 0.5)
		dc.DrawRectangle(x-barW/2, f.py(float64(n)), barW, f.y1-f.py(float64(n)))
		dc.Fill()
	}
	return dc.Image()
}
