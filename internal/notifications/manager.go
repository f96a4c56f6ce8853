// Package notifications sends desktop notices when long analyses finish
package notifications

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog/log"

	"github.com/mrcode/therapy-settings/internal/models"
)

// Notice kinds
const (
	noticeEstimate = "estimate"
	noticeCohort   = "cohort"
	noticeFailure  = "failure"
)

// Sender delivers one notification
type Sender func(title, message string) error

// beeepSender uses beeep for cross-platform notifications
func beeepSender(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Manager formats and sends run notifications
type Manager struct {
	enabled    bool
	repeat     time.Duration
	send       Sender
	lastNotice map[string]time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewManager creates a notification manager. Notices of the same kind are
// suppressed for repeat after one was sent; zero sends every notice.
func NewManager(enabled bool, repeat time.Duration) *Manager {
	return &Manager{
		enabled:    enabled,
		repeat:     repeat,
		send:       beeepSender,
		lastNotice: make(map[string]time.Time),
		now:        time.Now,
	}
}

// WithSender replaces the delivery function
func (m *Manager) WithSender(s Sender) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send = s
	return m
}

// Enabled reports whether notices are sent
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled turns notices on or off
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

func (m *Manager) notify(kind, title, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}
	if last, ok := m.lastNotice[kind]; ok && m.repeat > 0 && m.now().Sub(last) < m.repeat {
		return nil
	}

	if err := m.send(title, message); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("Notification failed")
		return fmt.Errorf("sending notification: %w", err)
	}
	m.lastNotice[kind] = m.now()
	return nil
}

// NotifyEstimate announces fitted settings for one user
func (m *Manager) NotifyEstimate(userID string, s *models.FittedSettings) error {
	title, message := formatEstimate(userID, s)
	return m.notify(noticeEstimate, title, message)
}

// NotifyFailure announces a run that produced no settings
func (m *Manager) NotifyFailure(userID string, err error) error {
	return m.notify(noticeFailure, "Therapy settings: estimate failed",
		fmt.Sprintf("User %s: %v", userID, err))
}

// NotifyCohortDone announces the end of a population run
func (m *Manager) NotifyCohortDone(total, failed int, elapsed time.Duration) error {
	title, message := formatCohort(total, failed, elapsed)
	return m.notify(noticeCohort, title, message)
}

func formatEstimate(userID string, s *models.FittedSettings) (string, string) {
	title := "Therapy settings estimated"
	if s == nil {
		return title, fmt.Sprintf("User %s: no settings", userID)
	}
	quality := "good fit"
	switch {
	case math.IsNaN(s.R2):
		quality = "fit quality unknown"
	case s.R2 < 0.3:
		quality = "weak fit"
	case s.R2 < 0.6:
		quality = "moderate fit"
	}
	return title, fmt.Sprintf("User %s: %s (%s)", userID, s.String(), quality)
}

func formatCohort(total, failed int, elapsed time.Duration) (string, string) {
	title := "Cohort run finished"
	if failed > 0 {
		title = "Cohort run finished with failures"
	}
	return title, fmt.Sprintf("%d of %d users estimated in %s", total-failed, total, elapsed.Round(time.Second))
}

// ClearState forgets sent notices so the next of each kind is delivered
func (m *Manager) ClearState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastNotice = make(map[string]time.Time)
}

// SendTestNotification sends a test notification regardless of Enabled
func (m *Manager) SendTestNotification() error {
	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	return send("Therapy settings", "Test notification - notices are working!")
}
