// Package app provides the main application logic
package app

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mrcode/therapy-settings/internal/config"
	"github.com/mrcode/therapy-settings/internal/dataset"
	"github.com/mrcode/therapy-settings/internal/notifications"
	"github.com/mrcode/therapy-settings/internal/store"
	"github.com/mrcode/therapy-settings/internal/tidepool"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// App holds the collaborators shared by every command
type App struct {
	cfg           *config.Config
	ingest        timeline.IngestOptions
	datasets      *dataset.Store
	notifyManager *notifications.Manager

	mu      sync.Mutex
	client  *tidepool.Client
	results *store.Store
}

// New creates an App from a validated configuration
func New(cfg *config.Config) (*App, error) {
	ingest, err := cfg.IngestOptions()
	if err != nil {
		return nil, err
	}
	datasets, err := dataset.NewStore(cfg.Storage.DataDir, cfg.Storage.CacheSize, ingest)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:           cfg,
		ingest:        ingest,
		datasets:      datasets,
		notifyManager: notifications.NewManager(cfg.Notifications.Enabled, 0),
	}, nil
}

// Config returns the configuration the app was built with
func (a *App) Config() *config.Config {
	return a.cfg
}

// Notifications returns the notification manager
func (a *App) Notifications() *notifications.Manager {
	return a.notifyManager
}

// Client returns the Tidepool client, creating it on first use
func (a *App) Client() *tidepool.Client {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		tc := a.cfg.Tidepool
		a.client = tidepool.NewClient(tc.BaseURL, tc.Username, tc.Password,
			tidepool.WithTimeout(tc.Timeout),
			tidepool.WithRateLimit(rate.Limit(tc.RequestsPerSecond), 1),
		)
	}
	return a.client
}

// SetClient replaces the Tidepool client
func (a *App) SetClient(c *tidepool.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

// Results opens the results database on first use
func (a *App) Results() (*store.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.results == nil {
		s, err := store.Open(a.cfg.Storage.ResultsDB)
		if err != nil {
			return nil, err
		}
		a.results = s
	}
	return a.results, nil
}

// Load reads a user from a dataset directory or a CSV export
func (a *App) Load(path string) (*timeline.User, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return dataset.LoadCSV(path, a.ingest)
	}
	return a.datasets.Load(path)
}

// Close releases the results database
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.results != nil {
		errs = append(errs, a.results.Close())
		a.results = nil
	}
	hits, misses := a.datasets.Stats()
	log.Debug().Int("cache_hits", hits).Int("cache_misses", misses).Msg("App closed")
	return errors.Join(errs...)
}
