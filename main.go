// Package main is the entry point for the therapy-settings command line
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrcode/therapy-settings/internal/app"
	"github.com/mrcode/therapy-settings/internal/config"
	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/logger"
)

const usage = `usage: therapy-settings [-config file] [-env file] <command> [flags]

commands:
  download            download users from Tidepool into the data directory
  accept-invitations  accept pending data-sharing invitations
  windows             print the windowed daily-stats table as CSV
  estimate            fit carb ratio, ISF and basal for one user
  sliding             fit settings over sliding blocks of windows
  circadian           detect the circadian day boundary
  plot                write scatter, timeline, sliding and circadian charts
  cohort              estimate every user under a directory in parallel
  runs                list recorded runs
  duplicates          count near-duplicate events
  tags                summarize note tags and period spans
  validate-config     load and validate the configuration
  test-notification   send a desktop test notification
`

type command func(ctx context.Context, a *app.App, args []string, out io.Writer) error

var commands = map[string]command{
	"download":           runDownload,
	"accept-invitations": runAcceptInvitations,
	"windows":            runWindows,
	"estimate":           runEstimate,
	"sliding":            runSliding,
	"circadian":          runCircadian,
	"plot":               runPlot,
	"cohort":             runCohort,
	"runs":               runRuns,
	"duplicates":         runDuplicates,
	"tags":               runTags,
	"validate-config":    runValidateConfig,
	"test-notification":  runTestNotification,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("therapy-settings", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", os.Getenv("THERAPY_CONFIG"), "YAML configuration file")
	envPath := global.String("env", ".env", "dotenv file loaded before the configuration")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	name := global.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		global.Usage()
		return 2
	}

	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return apperrors.ExitCode(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return apperrors.ExitCode(err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(stderr, "Error initializing logger: %v\n", err)
		return apperrors.ExitCode(err)
	}
	defer func() {
		_ = logger.Close()
	}()

	a, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")
		return apperrors.ExitCode(err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Shutdown failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, a, global.Args()[1:], stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Str("command", name).Msg("Command failed")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return apperrors.ExitCode(err)
	}
	return 0
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, apperrors.Wrap(err, apperrors.KindDateParse, "flag_date",
			fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s))
	}
	return t, nil
}

// rangeFlags registers -start and -end on fs
type rangeFlags struct {
	start, end *string
}

func addRange(fs *flag.FlagSet) rangeFlags {
	return rangeFlags{
		start: fs.String("start", "", "first day of the analysis (YYYY-MM-DD); default is the first day of data"),
		end:   fs.String("end", "", "end of the analysis, exclusive (YYYY-MM-DD); default is the last event"),
	}
}

func (r rangeFlags) parse() (app.Range, error) {
	start, err := parseDate(*r.start)
	if err != nil {
		return app.Range{}, err
	}
	end, err := parseDate(*r.end)
	if err != nil {
		return app.Range{}, err
	}
	return app.Range{Start: start, End: end}, nil
}

// pathArg returns the single dataset argument of a per-user command
func pathArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", apperrors.New(apperrors.KindValidation, "usage",
			fmt.Sprintf("%s takes exactly one user directory or CSV file", fs.Name()))
	}
	return fs.Arg(0), nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: therapy-settings %s [flags] [args]\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func runDownload(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("download")
	start := fs.String("start", "", "first day to download (YYYY-MM-DD)")
	end := fs.String("end", "", "last day to download, inclusive (YYYY-MM-DD)")
	shared := fs.Bool("shared", false, "download every account sharing data with the login user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	from, err := parseDate(*start)
	if err != nil {
		return err
	}
	to, err := parseDate(*end)
	if err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return apperrors.New(apperrors.KindValidation, "usage", "download needs -start and -end")
	}

	users := fs.Args()
	if *shared {
		users = []string{app.SharedUsers}
	}
	dirs, err := a.Download(ctx, users, from, to)
	for _, d := range dirs {
		fmt.Fprintln(out, d)
	}
	return err
}

func runAcceptInvitations(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("accept-invitations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := a.AcceptInvitations(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "accepted %d of %d invitations\n", res.Accepted, res.Total)
	for _, f := range res.Failed {
		fmt.Fprintf(out, "failed: %s: %v\n", f.Invitation.CreatorID, f.Err)
	}
	return nil
}

func runWindows(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("windows")
	rf := addRange(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}
	r, err := rf.parse()
	if err != nil {
		return err
	}

	rows, err := a.Windows(path, r)
	if err != nil {
		return err
	}
	return app.WriteWindowsCSV(out, rows)
}

func addEstimateFlags(fs *flag.FlagSet) (rangeFlags, *app.EstimateOptions) {
	opts := &app.EstimateOptions{}
	fs.Float64Var(&opts.WeightKg, "weight", 0, "body weight in kg, enables the AACE reference settings")
	fs.Float64Var(&opts.PrePumpTDD, "pre-pump-tdd", 0, "pre-pump total daily dose for AACE; default is the median daily insulin")
	fs.Float64Var(&opts.BMI, "bmi", 0, "body mass index, enables the compare-equations reference settings")
	return addRange(fs), opts
}

func runEstimate(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("estimate")
	rf, opts := addEstimateFlags(fs)
	fs.BoolVar(&opts.Save, "save", false, "record the run in the results database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}
	if opts.Range, err = rf.parse(); err != nil {
		return err
	}

	rep, err := a.Estimate(ctx, path, *opts)
	if err != nil {
		return err
	}
	app.WriteEstimate(out, rep)
	return rep.Err
}

func runSliding(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("sliding")
	rf := addRange(fs)
	days := fs.Int("days", a.Config().Analysis.SlidingDays, "windows per fit")
	step := fs.Int("step", a.Config().Analysis.SlidingStep, "windows between fits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}
	r, err := rf.parse()
	if err != nil {
		return err
	}

	a.Config().Analysis.SlidingDays = *days
	a.Config().Analysis.SlidingStep = *step
	points, err := a.Sliding(path, r)
	if err != nil {
		return err
	}
	return app.WriteSliding(out, points)
}

func runCircadian(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("circadian")
	rf := addRange(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}
	r, err := rf.parse()
	if err != nil {
		return err
	}

	rep, err := a.Circadian(path, r)
	if err != nil {
		return err
	}
	app.WriteCircadian(out, rep)
	return nil
}

func runPlot(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("plot")
	rf, opts := addEstimateFlags(fs)
	dir := fs.String("out", "plots", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}
	if opts.Range, err = rf.parse(); err != nil {
		return err
	}

	written, err := a.Plot(ctx, path, *dir, *opts)
	for _, p := range written {
		fmt.Fprintln(out, p)
	}
	return err
}

func runCohort(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("cohort")
	rf := addRange(fs)
	workers := fs.Int("workers", a.Config().Cohort.Workers, "users processed in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := rf.parse()
	if err != nil {
		return err
	}
	if *workers < 1 {
		return apperrors.New(apperrors.KindValidation, "workers", "workers must be at least 1")
	}
	a.Config().Cohort.Workers = *workers

	results, err := a.Cohort(ctx, fs.Arg(0), r)
	if werr := app.WriteCohort(out, results); werr != nil && err == nil {
		err = werr
	}
	return err
}

func runRuns(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("runs")
	user := fs.String("user", "", "only runs for this user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	runs, err := a.Runs(ctx, *user)
	if err != nil {
		return err
	}
	return app.WriteRuns(out, runs)
}

func runDuplicates(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("duplicates")
	within := fs.Duration("within", a.Config().Analysis.DuplicateWindow, "events of one type closer than this are counted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}

	a.Config().Analysis.DuplicateWindow = *within
	rep, err := a.Duplicates(path)
	if err != nil {
		return err
	}
	return app.WriteDuplicates(out, rep)
}

func runTags(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("tags")
	minDays := fs.Float64("min-days", 1, "shortest period span in days")
	maxDays := fs.Float64("max-days", 14, "longest period span in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := pathArg(fs)
	if err != nil {
		return err
	}

	rep, err := a.Tags(path, *minDays, *maxDays)
	if err != nil {
		return err
	}
	app.WriteTags(out, rep)
	return nil
}

func runValidateConfig(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("validate-config")
	save := fs.String("save", "", "write the effective configuration to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := a.Config()
	if _, err := cfg.Params(); err != nil {
		return err
	}
	if _, err := cfg.WindowOptions(); err != nil {
		return err
	}
	if *save != "" {
		if err := cfg.Save(*save); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "configuration ok (K %.1f, target %.0f mg/dL, %s weights, %s windows every %s)\n",
		cfg.Analysis.K, cfg.Analysis.TargetBG, cfg.Analysis.WeightScheme, cfg.Analysis.Window, cfg.Analysis.Hop)
	if !cfg.HasCredentials() {
		fmt.Fprintln(out, "no Tidepool credentials: download and accept-invitations are unavailable")
	}
	if len(cfg.Analysis.IgnoreTypes) > 0 {
		fmt.Fprintf(out, "ignored types: %s\n", strings.Join(cfg.Analysis.IgnoreTypes, ", "))
	}
	return nil
}

func runTestNotification(_ context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlagSet("test-notification")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.Notifications().SendTestNotification(); err != nil {
		return err
	}
	fmt.Fprintln(out, "notification sent")
	return nil
}
