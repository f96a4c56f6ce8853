// Package config loads analysis, API and storage settings from YAML, .env and the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mrcode/therapy-settings/internal/analysis"
	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/estimation"
	"github.com/mrcode/therapy-settings/internal/logger"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// Config contains all application settings
type Config struct {
	Analysis      AnalysisConfig     `yaml:"analysis"`
	Tidepool      TidepoolConfig     `yaml:"tidepool"`
	Storage       StorageConfig      `yaml:"storage"`
	Cohort        CohortConfig       `yaml:"cohort"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logger        logger.Config      `yaml:"logger"`
}

// AnalysisConfig holds the window and estimation parameters
type AnalysisConfig struct {
	K               float64                `yaml:"k"`
	TargetBG        float64                `yaml:"target_bg"`
	WeightScheme    string                 `yaml:"weight_scheme"`
	Window          time.Duration          `yaml:"window"`
	Hop             time.Duration          `yaml:"hop"`
	UseCircadian    bool                   `yaml:"use_circadian"`
	CircadianRadius int                    `yaml:"circadian_radius"`
	BasalPolicy     string                 `yaml:"basal_policy"`
	Ranges          analysis.GlucoseRanges `yaml:"ranges"`
	Duplicates      string                 `yaml:"duplicates"`
	IgnoreTypes     []string               `yaml:"ignore_types"`
	SlidingDays     int                    `yaml:"sliding_days"`
	SlidingStep     int                    `yaml:"sliding_step"`
	DuplicateWindow time.Duration          `yaml:"duplicate_window"`
}

// TidepoolConfig holds API connection settings
type TidepoolConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password,omitempty"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// StorageConfig holds dataset and results locations
type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	ResultsDB string `yaml:"results_db"`
	CacheSize int    `yaml:"cache_size"`
}

// CohortConfig controls population runs
type CohortConfig struct {
	Workers int `yaml:"workers"`
}

// NotificationConfig controls desktop notifications
type NotificationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultIgnoreTypes are Tidepool record types that carry no measurement
// the timelines use. Listing them acknowledges they are skipped.
var DefaultIgnoreTypes = []string{
	"upload",
	"pumpSettings",
	"cgmSettings",
	"wizard",
	"physicalActivity",
	"deviceEvent/alarm",
	"deviceEvent/status",
	"deviceEvent/calibration",
	"deviceEvent/prime",
	"deviceEvent/pumpSettingsOverride",
}

// DefaultConfig returns settings with default values
func DefaultConfig() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			K:               estimation.ChildK,
			TargetBG:        analysis.DefaultTargetBG,
			WeightScheme:    "none",
			Window:          24 * time.Hour,
			Hop:             24 * time.Hour,
			UseCircadian:    true,
			CircadianRadius: analysis.DefaultCircadianRadius,
			BasalPolicy:     "prorated",
			Ranges:          analysis.DefaultGlucoseRanges(),
			Duplicates:      "keep_all",
			IgnoreTypes:     append([]string(nil), DefaultIgnoreTypes...),
			SlidingDays:     30,
			SlidingStep:     7,
			DuplicateWindow: time.Hour,
		},
		Tidepool: TidepoolConfig{
			BaseURL:           "https://api.tidepool.org",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 2,
		},
		Storage: StorageConfig{
			DataDir:   "data",
			ResultsDB: filepath.Join("data", "results.db"),
			CacheSize: 16,
		},
		Cohort: CohortConfig{
			Workers: 4,
		},
		Notifications: NotificationConfig{
			Enabled: false,
		},
		Logger: logger.DefaultConfig(),
	}
}

// LoadEnvFile loads a .env file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and environment overrides, then validates it
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindIO, "config_read", "reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindValidation, "config_parse", "parsing config file")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, leaving the password out
func (c *Config) Save(path string) error {
	clone := *c
	clone.Tidepool.Password = ""

	data, err := yaml.Marshal(&clone)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) error {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return apperrors.Wrap(err, apperrors.KindValidation, "env", key+" is not a number")
			}
			*dst = f
		}
		return nil
	}
	integer := func(key string, dst *int) error {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return apperrors.Wrap(err, apperrors.KindValidation, "env", key+" is not an integer")
			}
			*dst = n
		}
		return nil
	}

	if err := float("THERAPY_K", &c.Analysis.K); err != nil {
		return err
	}
	if err := float("THERAPY_TARGET_BG", &c.Analysis.TargetBG); err != nil {
		return err
	}
	if err := integer("THERAPY_WORKERS", &c.Cohort.Workers); err != nil {
		return err
	}
	str("THERAPY_WEIGHT_SCHEME", &c.Analysis.WeightScheme)
	str("THERAPY_BASAL_POLICY", &c.Analysis.BasalPolicy)
	str("THERAPY_LOG_LEVEL", &c.Logger.Level)
	str("THERAPY_LOG_FORMAT", &c.Logger.Format)
	str("THERAPY_LOG_OUTPUT", &c.Logger.Output)
	str("THERAPY_DATA_DIR", &c.Storage.DataDir)
	str("THERAPY_RESULTS_DB", &c.Storage.ResultsDB)
	str("TIDEPOOL_BASE_URL", &c.Tidepool.BaseURL)
	str("TIDEPOOL_USERNAME", &c.Tidepool.Username)
	str("TIDEPOOL_PASSWORD", &c.Tidepool.Password)
	if v := os.Getenv("THERAPY_NOTIFY"); v != "" {
		c.Notifications.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	return nil
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	invalid := func(code, msg string) error {
		return apperrors.New(apperrors.KindValidation, code, msg)
	}

	if _, err := c.Params(); err != nil {
		return err
	}
	if _, err := c.WindowOptions(); err != nil {
		return err
	}
	if _, err := c.IngestOptions(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.Logger.Level); err != nil {
		return invalid("log_level", err.Error())
	}

	switch {
	case c.Cohort.Workers < 1:
		return invalid("workers", "cohort workers must be at least 1")
	case c.Storage.CacheSize < 1:
		return invalid("cache_size", "cache size must be at least 1")
	case c.Tidepool.Timeout <= 0:
		return invalid("timeout", "API timeout must be positive")
	case c.Tidepool.RequestsPerSecond <= 0:
		return invalid("requests_per_second", "API request rate must be positive")
	case c.Analysis.SlidingDays < 0 || c.Analysis.SlidingStep < 0:
		return invalid("sliding", "sliding window sizes must not be negative")
	}
	return nil
}

// Params returns the estimator inputs
func (c *Config) Params() (estimation.Params, error) {
	scheme, err := models.ParseWeightScheme(c.Analysis.WeightScheme)
	if err != nil {
		return estimation.Params{}, apperrors.Wrap(err, apperrors.KindValidation, "weight_scheme", "invalid weight scheme")
	}
	p := estimation.Params{K: c.Analysis.K, TargetBG: c.Analysis.TargetBG, Scheme: scheme}
	if err := p.Validate(); err != nil {
		return estimation.Params{}, err
	}
	return p, nil
}

// WindowOptions returns the daily-stats generator options
func (c *Config) WindowOptions() (analysis.WindowOptions, error) {
	policy, err := analysis.ParseBasalPolicy(c.Analysis.BasalPolicy)
	if err != nil {
		return analysis.WindowOptions{}, apperrors.Wrap(err, apperrors.KindValidation, "basal_policy", "invalid basal policy")
	}
	opts := analysis.WindowOptions{
		Window:          c.Analysis.Window,
		Hop:             c.Analysis.Hop,
		UseCircadian:    c.Analysis.UseCircadian,
		CircadianRadius: c.Analysis.CircadianRadius,
		TargetBG:        c.Analysis.TargetBG,
		Basal:           policy,
		Ranges:          c.Analysis.Ranges,
	}
	if err := opts.Validate(); err != nil {
		return analysis.WindowOptions{}, err
	}
	return opts, nil
}

// IngestOptions returns the timeline ingestion options
func (c *Config) IngestOptions() (timeline.IngestOptions, error) {
	policy, err := timeline.ParseDuplicatePolicy(c.Analysis.Duplicates)
	if err != nil {
		return timeline.IngestOptions{}, apperrors.Wrap(err, apperrors.KindValidation, "duplicates", "invalid duplicate policy")
	}
	return timeline.IngestOptions{
		Duplicates:  policy,
		IgnoreTypes: c.Analysis.IgnoreTypes,
	}, nil
}

// HasCredentials reports whether Tidepool login details are set
func (c *Config) HasCredentials() bool {
	return c.Tidepool.Username != "" && c.Tidepool.Password != ""
}
