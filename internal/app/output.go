package app

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mrcode/therapy-settings/internal/cohort"
	"github.com/mrcode/therapy-settings/internal/estimation"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/store"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// WindowHeader is the column order of WriteWindowsCSV
var WindowHeader = []string{
	"start", "end",
	"total_insulin", "total_basal", "total_bolus", "total_carbs",
	"bolus_count", "basal_count", "carb_count", "glucose_count", "cgm_count",
	"glucose_geo_mean", "glucose_geo_std", "glucose_mean", "glucose_delta",
	"percent_in_range", "percent_below_54", "percent_above_250", "percent_available",
	"carb_insulin_ratio", "residual_cgm",
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteWindowsCSV writes the window table as CSV; undefined values are "NaN"
func WriteWindowsCSV(w io.Writer, rows []models.WindowStats) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(WindowHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339),
			formatFloat(r.TotalInsulin), formatFloat(r.TotalBasal), formatFloat(r.TotalBolus), formatFloat(r.TotalCarbs),
			strconv.Itoa(r.BolusCount), strconv.Itoa(r.BasalCount), strconv.Itoa(r.CarbCount),
			strconv.Itoa(r.GlucoseCount), strconv.Itoa(r.CGMCount),
			formatFloat(r.GlucoseGeoMean), formatFloat(r.GlucoseGeoStd), formatFloat(r.GlucoseMean), formatFloat(r.GlucoseDelta),
			formatFloat(r.PercentInRange), formatFloat(r.PercentBelow54), formatFloat(r.PercentAbove250), formatFloat(r.PercentAvailable),
			formatFloat(r.CarbInsulinRatio), formatFloat(r.ResidualCGM),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEstimate prints an estimate report
func WriteEstimate(w io.Writer, rep *EstimateReport) {
	fmt.Fprintf(w, "user:       %s\n", rep.UserID)
	fmt.Fprintf(w, "range:      %s to %s\n", timeline.FormatDate(rep.Start), timeline.FormatDate(rep.End))
	fmt.Fprintf(w, "windows:    %d (day starts %02d:00)\n", len(rep.Rows), rep.CircadianHour)
	if rep.RunID != "" {
		fmt.Fprintf(w, "run:        %s\n", rep.RunID)
	}
	if rep.Err != nil {
		fmt.Fprintf(w, "error:      %v\n", rep.Err)
	}

	if s := rep.Settings; s != nil {
		fmt.Fprintf(w, "settings:   %s\n", s)
		fmt.Fprintf(w, "basal rate: %.2f U/hr\n", s.BasalRate())
		fmt.Fprintf(w, "samples:    %d used, %d dropped (%s weights)\n", s.Samples, s.Dropped, s.Scheme)
		if s.Median.Defined {
			fmt.Fprintf(w, "median:     CIR %.1f g/U, ISF %.1f mg/dL/U from %d days\n",
				s.Median.CarbInsulinRatio, s.Median.ISF, s.Median.Samples)
		} else {
			fmt.Fprintln(w, "median:     undefined")
		}
	}

	for _, ref := range rep.References {
		fmt.Fprintf(w, "%-11s CIR %.1f g/U, ISF %.1f mg/dL/U, basal %.2f U/hr\n",
			ref.Method+":", ref.CarbInsulinRatio, ref.ISF, ref.BasalRate)
	}
}

// WriteCircadian prints the smoothed-input histogram and detected hour
func WriteCircadian(w io.Writer, rep *CircadianReport) {
	fmt.Fprintf(w, "user %s: day starts at %02d:00 (%d carb events)\n", rep.UserID, rep.Hour, rep.Total)
	for h, n := range rep.Histogram {
		mark := ""
		if h == rep.Hour {
			mark = " <"
		}
		fmt.Fprintf(w, "%02d %5d %s%s\n", h, n, strings.Repeat("#", barLength(n, rep.Histogram)), mark)
	}
}

func barLength(n int, hist [24]int) int {
	peak := 0
	for _, v := range hist {
		peak = max(peak, v)
	}
	if peak == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(peak) * 40))
}

// WriteSliding prints one line per sliding fit
func WriteSliding(w io.Writer, points []estimation.SlidingPoint) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tCIR\tISF\tBASAL\tR2\tERROR")
	for _, p := range points {
		if p.Err != nil || p.Settings == nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t%v\n", timeline.FormatDate(p.Start), timeline.FormatDate(p.End), p.Err)
			continue
		}
		s := p.Settings
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%.2f\t%.2f\t\n",
			timeline.FormatDate(p.Start), timeline.FormatDate(p.End), s.CarbInsulinRatio, s.ISF, s.BasalInsulin, s.R2)
	}
	return tw.Flush()
}

// WriteCohort prints one line per user
func WriteCohort(w io.Writer, results []cohort.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tWINDOWS\tCIR\tISF\tBASAL\tR2\tRUN\tERROR")
	for _, r := range results {
		id := r.UserID
		if id == "" {
			id = r.Dir
		}
		if r.Settings == nil {
			fmt.Fprintf(tw, "%s\t%d\t-\t-\t-\t-\t%s\t%v\n", id, len(r.Rows), r.RunID, r.Err)
			continue
		}
		s := r.Settings
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%.2f\t%.2f\t%s\t\n",
			id, len(r.Rows), s.CarbInsulinRatio, s.ISF, s.BasalInsulin, s.R2, r.RunID)
	}
	return tw.Flush()
}

// WriteRuns prints recorded runs
func WriteRuns(w io.Writer, runs []*store.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tCREATED\tRANGE\tWINDOWS\tSETTINGS")
	for _, r := range runs {
		result := r.Error
		if r.Settings != nil {
			result = r.Settings.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s..%s\t%d\t%s\n",
			r.ID, r.UserID, r.CreatedAt.UTC().Format(time.RFC3339),
			timeline.FormatDate(r.DataStart), timeline.FormatDate(r.DataEnd), r.Windows, result)
	}
	return tw.Flush()
}

// WriteDuplicates prints a duplicate report, one timeline per line
func WriteDuplicates(w io.Writer, rep *timeline.DuplicateReport) error {
	names := make([]string, 0, len(rep.Close))
	for name := range rep.Close {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TIMELINE\tWITHIN %s\tEXACT\n", rep.Threshold)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", name, rep.Close[name], rep.Exact[name])
	}
	return tw.Flush()
}

// WriteTags prints tag counts and period spans
func WriteTags(w io.Writer, rep *TagReport) {
	fmt.Fprintf(w, "user %s: %d notes\n", rep.UserID, rep.Notes)
	for _, t := range rep.Tags {
		fmt.Fprintf(w, "#%-20s %d\n", t.Tag, t.Count)
	}

	repeated := make([]string, 0, len(rep.Messages))
	for msg, n := range rep.Messages {
		if n > 1 {
			repeated = append(repeated, msg)
		}
	}
	sort.Strings(repeated)
	for _, msg := range repeated {
		fmt.Fprintf(w, "repeated %dx: %q\n", rep.Messages[msg], msg)
	}
	for _, p := range rep.Periods {
		fmt.Fprintf(w, "period %s to %s (%.1f days)\n", timeline.FormatDate(p.Start), timeline.FormatDate(p.End), p.Days())
	}
}
