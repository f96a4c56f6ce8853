// Package cohort runs the window and estimation pipeline over many users in parallel
package cohort

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/therapy-settings/internal/analysis"
	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/estimation"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/store"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// ErrNoData is returned for a user with no events
var ErrNoData = apperrors.Sentinel(apperrors.KindValidation, "user has no events")

// Loader returns the user stored under a dataset directory
type Loader interface {
	Load(dir string) (*timeline.User, error)
}

// Recorder persists runs and their window tables
type Recorder interface {
	SaveRun(ctx context.Context, run *store.Run) (string, error)
	SaveWindowStats(ctx context.Context, runID string, rows []models.WindowStats) error
}

// Notifier is told when a whole run finishes
type Notifier interface {
	NotifyCohortDone(total, failed int, elapsed time.Duration) error
}

// Options are the per-user pipeline parameters
type Options struct {
	Workers int
	Window  analysis.WindowOptions
	Params  estimation.Params
	// Start and End bound every user's analysis; zero values use each
	// user's own data span, starting at midnight of the first day
	Start, End time.Time
}

// Result is the outcome for one user. Err is set when any stage failed;
// Rows are kept when only the fit failed.
type Result struct {
	Dir           string
	UserID        string
	Start, End    time.Time
	CircadianHour int
	Rows          []models.WindowStats
	Settings      *models.FittedSettings
	RunID         string
	Err           error
}

// Runner processes users concurrently
type Runner struct {
	loader   Loader
	opts     Options
	recorder Recorder
	notifier Notifier

	mu       sync.RWMutex
	progress models.Progress
}

// NewRunner creates a runner reading users through loader
func NewRunner(loader Loader, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{loader: loader, opts: opts}
}

// WithRecorder stores every result
func (r *Runner) WithRecorder(rec Recorder) *Runner {
	r.recorder = rec
	return r
}

// WithNotifier announces the end of each run
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// Progress returns a copy of the current progress
func (r *Runner) Progress() models.Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

func (r *Runner) advance(failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Advance(failed, time.Now())
}

// Run processes every directory and returns results in input order.
// Per-user failures are recorded in the results; the error is non-nil only
// when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, dirs []string) ([]Result, error) {
	started := time.Now()
	r.mu.Lock()
	r.progress = models.Progress{Stage: "Estimating", Total: len(dirs), StartedAt: started}
	r.mu.Unlock()

	results := make([]Result, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Dir: dir, Err: err}
				return err
			}
			res := r.runOne(gctx, dir)
			results[i] = res
			r.advance(res.Err != nil)

			ev := log.Info()
			if res.Err != nil {
				ev = log.Warn().Err(res.Err)
			}
			p := r.Progress()
			ev.Str("user_id", res.UserID).
				Int("processed", p.Processed).
				Int("total", p.Total).
				Msg("User finished")
			return nil
		})
	}
	err := g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}

	r.mu.Lock()
	r.progress.Stage = "Complete"
	if err != nil {
		r.progress.Stage = "Cancelled"
		r.progress.Error = err.Error()
	}
	r.mu.Unlock()

	elapsed := time.Since(started)
	log.Info().Int("users", len(dirs)).Int("failed", failed).Dur("elapsed", elapsed).Msg("Cohort run finished")

	if r.notifier != nil {
		if nerr := r.notifier.NotifyCohortDone(len(dirs), failed, elapsed); nerr != nil {
			log.Warn().Err(nerr).Msg("Cohort notification failed")
		}
	}
	return results, err
}

func (r *Runner) runOne(ctx context.Context, dir string) Result {
	u, err := r.loader.Load(dir)
	if err != nil {
		return Result{Dir: dir, Err: err}
	}

	res := EstimateUser(u, r.opts.Start, r.opts.End, r.opts.Window, r.opts.Params)
	res.Dir = dir

	if r.recorder != nil && res.Rows != nil {
		runID, err := r.save(ctx, res)
		if err != nil {
			log.Error().Err(err).Str("user_id", res.UserID).Msg("Saving run failed")
			if res.Err == nil {
				res.Err = err
			}
		}
		res.RunID = runID
	}
	return res
}

func (r *Runner) save(ctx context.Context, res Result) (string, error) {
	run := &store.Run{
		UserID:        res.UserID,
		DataStart:     res.Start,
		DataEnd:       res.End,
		Scheme:        r.opts.Params.Scheme,
		K:             r.opts.Params.K,
		TargetBG:      r.opts.Params.TargetBG,
		CircadianHour: res.CircadianHour,
		Windows:       len(res.Rows),
		Settings:      res.Settings,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}

	id, err := r.recorder.SaveRun(ctx, run)
	if err != nil {
		return "", err
	}
	if err := r.recorder.SaveWindowStats(ctx, id, res.Rows); err != nil {
		return id, err
	}
	return id, nil
}

// Bounds returns the analysis range for a user: start and end when both are
// set, otherwise the user's data span starting at midnight of its first day
func Bounds(u *timeline.User, start, end time.Time) (time.Time, time.Time, error) {
	if !start.IsZero() && !end.IsZero() {
		return start, end, nil
	}
	first, last, ok := u.Span()
	if !ok {
		return time.Time{}, time.Time{}, ErrNoData
	}
	if start.IsZero() {
		start = time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = last
	}
	return start, end, nil
}

// EstimateUser runs the window generator and the estimator for one user
func EstimateUser(u *timeline.User, start, end time.Time, window analysis.WindowOptions, params estimation.Params) Result {
	res := Result{UserID: u.ID}

	start, end, err := Bounds(u, start, end)
	if err != nil {
		res.Err = err
		return res
	}
	res.Start, res.End = start, end

	if window.UseCircadian {
		if _, hour, err := analysis.AlignedStart(u, start, end, window); err == nil {
			res.CircadianHour = hour
		}
	}

	rows, err := analysis.ComputeWindowStats(u, start, end, window)
	if err != nil {
		res.Err = err
		return res
	}
	res.Rows = rows

	settings, err := estimation.Estimate(rows, params)
	if err != nil {
		res.Err = err
		return res
	}
	res.Settings = settings
	return res
}
