package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrcode/therapy-settings/internal/analysis"
	"github.com/mrcode/therapy-settings/internal/cohort"
	"github.com/mrcode/therapy-settings/internal/dataset"
	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/estimation"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/report"
	"github.com/mrcode/therapy-settings/internal/store"
	"github.com/mrcode/therapy-settings/internal/tags"
	"github.com/mrcode/therapy-settings/internal/tidepool"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// SharedUsers selects every account sharing data with the logged in user
const SharedUsers = "shared"

// ErrMissingCredentials is returned by API commands without a login
var ErrMissingCredentials = apperrors.Sentinel(apperrors.KindValidation, "tidepool username and password are required")

// Range bounds an analysis. Zero values fall back to the user's data span.
type Range struct {
	Start, End time.Time
}

// EstimateOptions configures Estimate
type EstimateOptions struct {
	Range
	Save bool
	// Reference formulas run when their inputs are positive
	WeightKg   float64
	PrePumpTDD float64
	BMI        float64
}

// EstimateReport is the outcome of Estimate
type EstimateReport struct {
	cohort.Result
	References []models.PumpSettings
}

// CircadianReport is the carb histogram and the detected day boundary
type CircadianReport struct {
	UserID    string
	Start     time.Time
	End       time.Time
	Hour      int
	Histogram [24]int
	Total     int
}

// TagReport summarizes a user's note tags
type TagReport struct {
	UserID   string
	Notes    int
	Tags     []tags.TagCount
	Messages map[string]int
	Periods  []tags.Span
}

func (a *App) windowOptions() (analysis.WindowOptions, error) {
	return a.cfg.WindowOptions()
}

func (a *App) params() (estimation.Params, error) {
	return a.cfg.Params()
}

// Download fetches events and notes for each user and writes one dataset
// directory per user. An empty list downloads the logged in user; the single
// entry SharedUsers downloads every account sharing with them.
func (a *App) Download(ctx context.Context, userIDs []string, start, end time.Time) ([]string, error) {
	if !a.cfg.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	client := a.Client()
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Logout failed")
		}
	}()

	switch {
	case len(userIDs) == 0:
		userIDs = []string{client.LoginUserID()}
	case len(userIDs) == 1 && userIDs[0] == SharedUsers:
		shared, err := client.SharedUserIDs(ctx)
		if err != nil {
			return nil, err
		}
		userIDs = shared
	}

	dirs := make([]string, 0, len(userIDs))
	for i, id := range userIDs {
		events, notes, err := client.Download(ctx, id, start, end)
		if err != nil {
			return dirs, err
		}
		dir, err := dataset.Save(a.cfg.Storage.DataDir, id, start, end, events, notes)
		if err != nil {
			return dirs, err
		}
		dirs = append(dirs, dir)
		log.Info().
			Str("user_id", id).
			Int("events", len(events)).
			Int("notes", len(notes)).
			Int("done", i+1).
			Int("total", len(userIDs)).
			Msg("Downloaded user")
	}
	return dirs, nil
}

// AcceptInvitations accepts every pending data-sharing invitation
func (a *App) AcceptInvitations(ctx context.Context) (*tidepool.AcceptResult, error) {
	if !a.cfg.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	client := a.Client()
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Logout failed")
		}
	}()
	return client.AcceptInvitations(ctx)
}

// Windows computes the windowed daily-stats table for one user
func (a *App) Windows(path string, r Range) ([]models.WindowStats, error) {
	u, err := a.Load(path)
	if err != nil {
		return nil, err
	}
	opts, err := a.windowOptions()
	if err != nil {
		return nil, err
	}
	start, end, err := cohort.Bounds(u, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	return analysis.ComputeWindowStats(u, start, end, opts)
}

// Estimate fits therapy settings for one user. With Save set the run and
// its windows are recorded in the results database.
func (a *App) Estimate(ctx context.Context, path string, opts EstimateOptions) (*EstimateReport, error) {
	window, err := a.windowOptions()
	if err != nil {
		return nil, err
	}
	params, err := a.params()
	if err != nil {
		return nil, err
	}

	runner := cohort.NewRunner(a, cohort.Options{
		Workers: 1,
		Window:  window,
		Params:  params,
		Start:   opts.Start,
		End:     opts.End,
	})
	if opts.Save {
		results, err := a.Results()
		if err != nil {
			return nil, err
		}
		runner.WithRecorder(results)
	}

	out, err := runner.Run(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	rep := &EstimateReport{Result: out[0]}

	if rep.Err != nil {
		if nerr := a.notifyManager.NotifyFailure(rep.UserID, rep.Err); nerr != nil {
			log.Warn().Err(nerr).Msg("Notification failed")
		}
		if rep.Rows == nil {
			return rep, rep.Err
		}
	} else if nerr := a.notifyManager.NotifyEstimate(rep.UserID, rep.Settings); nerr != nil {
		log.Warn().Err(nerr).Msg("Notification failed")
	}

	rep.References = references(rep.Rows, opts)
	return rep, nil
}

func references(rows []models.WindowStats, opts EstimateOptions) []models.PumpSettings {
	var refs []models.PumpSettings
	tdd, carbs := estimation.MedianTotals(rows)

	if opts.WeightKg > 0 {
		prePump := opts.PrePumpTDD
		if prePump <= 0 {
			prePump = tdd
		}
		if s, err := estimation.AACESettings(opts.WeightKg, prePump); err == nil {
			refs = append(refs, s)
		} else {
			log.Warn().Err(err).Msg("AACE settings unavailable")
		}
	}
	if opts.BMI > 0 {
		if s, err := estimation.CompareSettings(tdd, carbs, opts.BMI); err == nil {
			refs = append(refs, s)
		} else {
			log.Warn().Err(err).Msg("Compare settings unavailable")
		}
	}
	return refs
}

// Circadian detects the circadian day boundary for one user
func (a *App) Circadian(path string, r Range) (*CircadianReport, error) {
	u, err := a.Load(path)
	if err != nil {
		return nil, err
	}
	start, end, err := cohort.Bounds(u, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	radius := a.cfg.Analysis.CircadianRadius

	hour, err := analysis.DetectCircadianHour(u.Carbs, start, end, radius)
	if err != nil {
		return nil, err
	}
	hist, total := analysis.CircadianHistogram(u.Carbs, start, end, radius)
	return &CircadianReport{
		UserID:    u.ID,
		Start:     start,
		End:       end,
		Hour:      hour,
		Histogram: hist,
		Total:     total,
	}, nil
}

// Sliding fits settings over sliding blocks of windows for one user
func (a *App) Sliding(path string, r Range) ([]estimation.SlidingPoint, error) {
	rows, err := a.Windows(path, r)
	if err != nil {
		return nil, err
	}
	params, err := a.params()
	if err != nil {
		return nil, err
	}
	return estimation.Sliding(rows, a.cfg.Analysis.SlidingDays, a.cfg.Analysis.SlidingStep, params), nil
}

// Plot writes the scatter, timeline, sliding and circadian charts for one
// user into outDir and returns the written paths
func (a *App) Plot(ctx context.Context, path, outDir string, opts EstimateOptions) ([]string, error) {
	opts.Save = false
	rep, err := a.Estimate(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	u, err := a.Load(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "plot_dir", "creating plot directory")
	}

	scatter := report.ScatterOptions{
		Title:  fmt.Sprintf("%s: insulin vs carbs", rep.UserID),
		Ranges: a.cfg.Analysis.Ranges,
	}
	if len(rep.References) > 0 {
		scatter.Reference = &rep.References[0]
	}

	var markers []time.Time
	for _, e := range u.ReservoirChanges.Range(rep.Start, rep.End) {
		markers = append(markers, e.Time)
	}

	params, err := a.params()
	if err != nil {
		return nil, err
	}
	sliding := estimation.Sliding(rep.Rows, a.cfg.Analysis.SlidingDays, a.cfg.Analysis.SlidingStep, params)
	hist, _ := analysis.CircadianHistogram(u.Carbs, rep.Start, rep.End, a.cfg.Analysis.CircadianRadius)

	charts := []struct {
		name string
		draw func() error
	}{
		{"scatter.png", func() error {
			return report.SavePNG(filepath.Join(outDir, "scatter.png"), report.DailyScatter(rep.Rows, rep.Settings, scatter))
		}},
		{"timeline.png", func() error {
			img := report.DailyTimeline(rep.Rows, report.TimelineOptions{
				Title:    fmt.Sprintf("%s: daily totals", rep.UserID),
				TargetBG: a.cfg.Analysis.TargetBG,
				Markers:  markers,
			})
			return report.SavePNG(filepath.Join(outDir, "timeline.png"), img)
		}},
		{"sliding.png", func() error {
			return report.SavePNG(filepath.Join(outDir, "sliding.png"), report.SlidingChart(sliding, 0, 0))
		}},
		{"circadian.png", func() error {
			return report.SavePNG(filepath.Join(outDir, "circadian.png"), report.CircadianChart(hist, rep.CircadianHour, 0, 0))
		}},
	}

	written := make([]string, 0, len(charts))
	for _, c := range charts {
		if err := c.draw(); err != nil {
			return written, err
		}
		written = append(written, filepath.Join(outDir, c.name))
	}
	log.Info().Str("user_id", rep.UserID).Int("charts", len(written)).Str("dir", outDir).Msg("Charts written")
	return written, nil
}

// Cohort estimates every user directory under groupDir in parallel and
// records each run in the results database
func (a *App) Cohort(ctx context.Context, groupDir string, r Range) ([]cohort.Result, error) {
	if groupDir == "" {
		groupDir = a.cfg.Storage.DataDir
	}
	dirs, err := dataset.List(groupDir)
	if err != nil {
		return nil, err
	}
	window, err := a.windowOptions()
	if err != nil {
		return nil, err
	}
	params, err := a.params()
	if err != nil {
		return nil, err
	}
	results, err := a.Results()
	if err != nil {
		return nil, err
	}

	runner := cohort.NewRunner(a, cohort.Options{
		Workers: a.cfg.Cohort.Workers,
		Window:  window,
		Params:  params,
		Start:   r.Start,
		End:     r.End,
	}).WithRecorder(results).WithNotifier(a.notifyManager)

	return runner.Run(ctx, dirs)
}

// Runs lists recorded runs, for one user or all when userID is empty
func (a *App) Runs(ctx context.Context, userID string) ([]*store.Run, error) {
	results, err := a.Results()
	if err != nil {
		return nil, err
	}
	return results.ListRuns(ctx, userID)
}

// Duplicates reports near-duplicate events for one user
func (a *App) Duplicates(path string) (*timeline.DuplicateReport, error) {
	u, err := a.Load(path)
	if err != nil {
		return nil, err
	}
	rep := u.AnalyzeDuplicates(a.cfg.Analysis.DuplicateWindow)
	return &rep, nil
}

// Tags summarizes the note tags of one user, including period spans
func (a *App) Tags(path string, minDays, maxDays float64) (*TagReport, error) {
	u, err := a.Load(path)
	if err != nil {
		return nil, err
	}
	return &TagReport{
		UserID:   u.ID,
		Notes:    u.Notes.Len(),
		Tags:     tags.AllTags(u),
		Messages: tags.MessageCounts(u),
		Periods:  tags.PeriodSpans(u, minDays, maxDays),
	}, nil
}
