// Package store persists analysis runs and their window tables in SQLite
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
)

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = apperrors.Sentinel(apperrors.KindStorage, "analysis run not found")

const schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	data_start      TEXT NOT NULL,
	data_end        TEXT NOT NULL,
	scheme          TEXT NOT NULL,
	k               REAL NOT NULL,
	target_bg       REAL NOT NULL,
	circadian_hour  INTEGER NOT NULL,
	windows         INTEGER NOT NULL,
	fitted          INTEGER NOT NULL,
	cir             REAL,
	isf             REAL,
	basal           REAL,
	r2              REAL,
	slope           REAL,
	intercept       REAL,
	samples         INTEGER NOT NULL DEFAULT 0,
	dropped         INTEGER NOT NULL DEFAULT 0,
	median_defined  INTEGER NOT NULL DEFAULT 0,
	median_cir      REAL,
	median_isf      REAL,
	median_samples  INTEGER NOT NULL DEFAULT 0,
	median_excluded INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_user ON analysis_runs(user_id, created_at);

CREATE TABLE IF NOT EXISTS window_stats (
	run_id            TEXT NOT NULL REFERENCES analysis_runs(id) ON DELETE CASCADE,
	idx               INTEGER NOT NULL,
	window_start      TEXT NOT NULL,
	window_end        TEXT NOT NULL,
	total_insulin     REAL,
	total_basal       REAL,
	total_bolus       REAL,
	total_carbs       REAL,
	bolus_count       INTEGER NOT NULL,
	basal_count       INTEGER NOT NULL,
	carb_count        INTEGER NOT NULL,
	glucose_count     INTEGER NOT NULL,
	cgm_count         INTEGER NOT NULL,
	glucose_defined   INTEGER NOT NULL,
	geo_mean          REAL,
	geo_std           REAL,
	mean              REAL,
	delta             REAL,
	in_range          REAL,
	below_54          REAL,
	above_250         REAL,
	available         REAL,
	carb_insulin_ratio REAL,
	residual_cgm      REAL,
	PRIMARY KEY (run_id, idx)
);
`

// Run is one persisted estimation for one user
type Run struct {
	ID            string
	UserID        string
	CreatedAt     time.Time
	DataStart     time.Time
	DataEnd       time.Time
	Scheme        models.WeightScheme
	K             float64
	TargetBG      float64
	CircadianHour int
	Windows       int
	// Settings is nil when the fit failed; Error then holds the reason
	Settings *models.FittedSettings
	Error    string
}

// Store wraps the results database
type Store struct {
	db *sql.DB
}

// Open opens or creates the results database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStorage, "mkdir", "creating database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "open", "opening results database")
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, apperrors.Wrap(err, apperrors.KindStorage, "pragma", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "migrate", "creating schema")
	}

	log.Debug().Str("path", path).Msg("Results database opened")
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// transaction executes fn within a database transaction
func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindStorage, "begin", "beginning transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.KindStorage, "commit", "committing transaction")
	}
	return nil
}

// SaveRun inserts a run, assigning an id and creation time when unset, and returns the id
func (s *Store) SaveRun(ctx context.Context, run *Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	fs := run.Settings
	if fs == nil {
		fs = &models.FittedSettings{}
	}
	fitted := run.Settings != nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (
			id, user_id, created_at, data_start, data_end, scheme, k, target_bg,
			circadian_hour, windows, fitted, cir, isf, basal, r2, slope, intercept,
			samples, dropped, median_defined, median_cir, median_isf, median_samples,
			median_excluded, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, formatTime(run.CreatedAt), formatTime(run.DataStart), formatTime(run.DataEnd),
		run.Scheme.String(), run.K, run.TargetBG, run.CircadianHour, run.Windows, fitted,
		nullable(fitted, fs.CarbInsulinRatio), nullable(fitted, fs.ISF), nullable(fitted, fs.BasalInsulin),
		nullable(fitted, fs.R2), nullable(fitted, fs.Model.Slope), nullable(fitted, fs.Model.Intercept),
		fs.Samples, fs.Dropped, fs.Median.Defined,
		nullable(fs.Median.Defined, fs.Median.CarbInsulinRatio), nullable(fs.Median.Defined, fs.Median.ISF),
		fs.Median.Samples, fs.Median.Excluded, run.Error,
	)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindStorage, "insert_run", "saving analysis run").
			WithContext("user_id", run.UserID)
	}
	return run.ID, nil
}

const runColumns = `id, user_id, created_at, data_start, data_end, scheme, k, target_bg,
	circadian_hour, windows, fitted, cir, isf, basal, r2, slope, intercept,
	samples, dropped, median_defined, median_cir, median_isf, median_samples,
	median_excluded, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                              Run
		created, start, end, scheme      string
		fitted, medianDefined            bool
		cir, isf, basal, r2, slope, icpt sql.NullFloat64
		medianCIR, medianISF             sql.NullFloat64
		fs                               models.FittedSettings
	)
	err := row.Scan(&run.ID, &run.UserID, &created, &start, &end, &scheme, &run.K, &run.TargetBG,
		&run.CircadianHour, &run.Windows, &fitted, &cir, &isf, &basal, &r2, &slope, &icpt,
		&fs.Samples, &fs.Dropped, &medianDefined, &medianCIR, &medianISF, &fs.Median.Samples,
		&fs.Median.Excluded, &run.Error)
	if err != nil {
		return nil, err
	}

	run.CreatedAt = parseTime(created)
	run.DataStart = parseTime(start)
	run.DataEnd = parseTime(end)
	run.Scheme, _ = models.ParseWeightScheme(scheme)

	if fitted {
		fs.CarbInsulinRatio = float(cir)
		fs.ISF = float(isf)
		fs.BasalInsulin = float(basal)
		fs.R2 = float(r2)
		fs.Model = models.LinearModel{Slope: float(slope), Intercept: float(icpt)}
		fs.K = run.K
		fs.TargetBG = run.TargetBG
		fs.Scheme = run.Scheme
		fs.Median.Defined = medianDefined
		fs.Median.CarbInsulinRatio = float(medianCIR)
		fs.Median.ISF = float(medianISF)
		run.Settings = &fs
	}
	return &run, nil
}

// GetRun returns one run by id
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM analysis_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "get_run", "reading analysis run")
	}
	return run, nil
}

// ListRuns returns a user's runs, oldest first. An empty userID lists every run.
func (s *Store) ListRuns(ctx context.Context, userID string) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM analysis_runs"
	var args []interface{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "list_runs", "listing analysis runs")
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStorage, "list_runs", "scanning analysis run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its window rows
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM analysis_runs WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindStorage, "delete_run", "deleting analysis run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SaveWindowStats stores the window table of a run, replacing any existing rows
func (s *Store) SaveWindowStats(ctx context.Context, runID string, rows []models.WindowStats) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM window_stats WHERE run_id = ?", runID); err != nil {
			return apperrors.Wrap(err, apperrors.KindStorage, "clear_windows", "clearing window stats")
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO window_stats (
				run_id, idx, window_start, window_end, total_insulin, total_basal, total_bolus, total_carbs,
				bolus_count, basal_count, carb_count, glucose_count, cgm_count, glucose_defined,
				geo_mean, geo_std, mean, delta, in_range, below_54, above_250, available,
				carb_insulin_ratio, residual_cgm
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindStorage, "prepare", "preparing window insert")
		}
		defer func() {
			_ = stmt.Close()
		}()

		for i, w := range rows {
			_, err := stmt.ExecContext(ctx,
				runID, i, formatTime(w.Start), formatTime(w.End),
				nullFloat(w.TotalInsulin), nullFloat(w.TotalBasal), nullFloat(w.TotalBolus), nullFloat(w.TotalCarbs),
				w.BolusCount, w.BasalCount, w.CarbCount, w.GlucoseCount, w.CGMCount, w.GlucoseDefined,
				nullFloat(w.GlucoseGeoMean), nullFloat(w.GlucoseGeoStd), nullFloat(w.GlucoseMean), nullFloat(w.GlucoseDelta),
				nullFloat(w.PercentInRange), nullFloat(w.PercentBelow54), nullFloat(w.PercentAbove250), nullFloat(w.PercentAvailable),
				nullFloat(w.CarbInsulinRatio), nullFloat(w.ResidualCGM),
			)
			if err != nil {
				return apperrors.Wrap(err, apperrors.KindStorage, "insert_window", "saving window stats").
					WithContext("index", i)
			}
		}
		return nil
	})
}

// WindowStats returns the window table of a run in window order
func (s *Store) WindowStats(ctx context.Context, runID string) ([]models.WindowStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start, window_end, total_insulin, total_basal, total_bolus, total_carbs,
			bolus_count, basal_count, carb_count, glucose_count, cgm_count, glucose_defined,
			geo_mean, geo_std, mean, delta, in_range, below_54, above_250, available,
			carb_insulin_ratio, residual_cgm
		FROM window_stats WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "windows", "reading window stats")
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.WindowStats
	for rows.Next() {
		var (
			w          models.WindowStats
			start, end string
			f          [14]sql.NullFloat64
		)
		err := rows.Scan(&start, &end, &f[0], &f[1], &f[2], &f[3],
			&w.BolusCount, &w.BasalCount, &w.CarbCount, &w.GlucoseCount, &w.CGMCount, &w.GlucoseDefined,
			&f[4], &f[5], &f[6], &f[7], &f[8], &f[9], &f[10], &f[11], &f[12], &f[13])
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStorage, "windows", "scanning window stats")
		}
		w.Start, w.End = parseTime(start), parseTime(end)
		w.TotalInsulin, w.TotalBasal, w.TotalBolus, w.TotalCarbs = float(f[0]), float(f[1]), float(f[2]), float(f[3])
		w.GlucoseGeoMean, w.GlucoseGeoStd, w.GlucoseMean, w.GlucoseDelta = float(f[4]), float(f[5]), float(f[6]), float(f[7])
		w.PercentInRange, w.PercentBelow54, w.PercentAbove250, w.PercentAvailable = float(f[8]), float(f[9]), float(f[10]), float(f[11])
		w.CarbInsulinRatio, w.ResidualCGM = float(f[12]), float(f[13])
		out = append(out, w)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullFloat stores NaN and infinities as NULL
func nullFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func nullable(valid bool, f float64) interface{} {
	if !valid {
		return nil
	}
	return nullFloat(f)
}

func float(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}
