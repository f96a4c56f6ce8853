package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrcode/therapy-settings/internal/analysis"
	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Analysis.K != 12.5 {
		t.Errorf("K = %v, want 12.5", cfg.Analysis.K)
	}
	if cfg.Analysis.TargetBG != 100 {
		t.Errorf("TargetBG = %v, want 100", cfg.Analysis.TargetBG)
	}
	if cfg.Analysis.Window != 24*time.Hour || cfg.Analysis.Hop != 24*time.Hour {
		t.Errorf("Window/Hop = %v/%v, want 24h/24h", cfg.Analysis.Window, cfg.Analysis.Hop)
	}
	if !cfg.Analysis.UseCircadian || cfg.Analysis.CircadianRadius != 3 {
		t.Errorf("circadian = %v r=%d, want true r=3", cfg.Analysis.UseCircadian, cfg.Analysis.CircadianRadius)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
analysis:
  k: 3.78
  target_bg: 110
  weight_scheme: CGM Weighted
  window: 48h
  hop: 12h
  basal_policy: by_start
cohort:
  workers: 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("THERAPY_TARGET_BG", "120")
	t.Setenv("TIDEPOOL_USERNAME", "researcher@example.com")
	t.Setenv("TIDEPOOL_PASSWORD", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Analysis.K != 3.78 {
		t.Errorf("K = %v, want 3.78", cfg.Analysis.K)
	}
	if cfg.Analysis.TargetBG != 120 {
		t.Errorf("TargetBG = %v, want 120 from env", cfg.Analysis.TargetBG)
	}
	if cfg.Cohort.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Cohort.Workers)
	}
	if !cfg.HasCredentials() {
		t.Error("HasCredentials() should be true")
	}

	opts, err := cfg.WindowOptions()
	if err != nil {
		t.Fatalf("WindowOptions() error = %v", err)
	}
	if opts.Window != 48*time.Hour || opts.Hop != 12*time.Hour || opts.Basal != analysis.BasalByStart {
		t.Errorf("WindowOptions() = %+v", opts)
	}

	p, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params() error = %v", err)
	}
	if p.Scheme != models.SchemeCGMWeighted || p.TargetBG != 120 {
		t.Errorf("Params() = %+v", p)
	}

	// Unset fields keep their defaults
	if cfg.Storage.CacheSize != 16 {
		t.Errorf("CacheSize = %d, want default 16", cfg.Storage.CacheSize)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative K", "analysis:\n  k: -1\n"},
		{"unknown scheme", "analysis:\n  weight_scheme: magic\n"},
		{"zero hop", "analysis:\n  hop: 0s\n"},
		{"bad duplicates", "analysis:\n  duplicates: sometimes\n"},
		{"no workers", "cohort:\n  workers: 0\n"},
		{"bad yaml", "analysis: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if !apperrors.IsKind(err, apperrors.KindValidation) {
				t.Errorf("Load() error = %v, want validation error", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !apperrors.IsKind(err, apperrors.KindIO) {
		t.Errorf("Load() error = %v, want io error", err)
	}
}

func TestLoad_EnvNotNumber(t *testing.T) {
	t.Setenv("THERAPY_K", "twelve")
	if _, err := Load(""); !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Errorf("Load() error = %v, want validation error", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadEnvFile(missing) error = %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("THERAPY_TEST_VALUE=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("THERAPY_TEST_VALUE", "")
	_ = os.Unsetenv("THERAPY_TEST_VALUE")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("THERAPY_TEST_VALUE"); got != "from-dotenv" {
		t.Errorf("THERAPY_TEST_VALUE = %q, want from-dotenv", got)
	}
}

func TestSave_OmitsPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tidepool.Username = "me"
	cfg.Tidepool.Password = "secret"

	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if cfg.Tidepool.Password != "secret" {
		t.Error("Save() should not modify the receiver")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Tidepool.Password != "" || loaded.Tidepool.Username != "me" {
		t.Errorf("loaded credentials = %q/%q, want me/empty", loaded.Tidepool.Username, loaded.Tidepool.Password)
	}
	if loaded.Analysis.Window != 24*time.Hour {
		t.Errorf("loaded Window = %v, want 24h", loaded.Analysis.Window)
	}
}

func TestIngestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Analysis.Duplicates = "keep_last"

	opts, err := cfg.IngestOptions()
	if err != nil {
		t.Fatalf("IngestOptions() error = %v", err)
	}
	if opts.Duplicates != timeline.KeepLast {
		t.Errorf("Duplicates = %v, want KeepLast", opts.Duplicates)
	}
	if len(opts.IgnoreTypes) != len(DefaultIgnoreTypes) {
		t.Errorf("IgnoreTypes = %v", opts.IgnoreTypes)
	}
}
