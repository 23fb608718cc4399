// Package notify publishes annotation lifecycle events as desktop
// notifications. On Linux it talks to org.freedesktop.Notifications
// over the session bus; elsewhere it is a no-op.
package notify

import (
	"errors"
	"log/slog"

	"annotd/internal/config"
)

var errUnsupported = errors.New("desktop notifications not supported on this platform")

// backend delivers one notification to the desktop.
type backend interface {
	send(summary, body string) error
	close() error
}

// Manager filters lifecycle events against the configured interest
// list and forwards matches to the platform backend. A Manager with no
// backend (disabled, unsupported platform, or bus connection failure)
// swallows publishes silently.
type Manager struct {
	cfg    config.NotifyConfig
	log    *slog.Logger
	wanted map[string]bool
	be     backend
}

// New creates a notification manager. Backend connection failures are
// logged and degrade to a disabled manager rather than failing the
// daemon.
func New(cfg config.NotifyConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		log:    log.With("component", "notify"),
		wanted: make(map[string]bool, len(cfg.Events)),
	}
	for _, ev := range cfg.Events {
		m.wanted[ev] = true
	}

	if !cfg.Enabled {
		return m
	}

	be, err := newPlatformBackend(cfg)
	if err != nil {
		if !errors.Is(err, errUnsupported) {
			m.log.Warn("desktop notifications unavailable", "error", err)
		}
		return m
	}
	m.be = be
	m.log.Info("desktop notifications enabled", "events", len(m.wanted))
	return m
}

// Active reports whether notifications will actually be delivered.
func (m *Manager) Active() bool {
	return m.be != nil
}

// Wants reports whether the event type is on the interest list.
func (m *Manager) Wants(eventType string) bool {
	return m.wanted[eventType]
}

// Publish sends a notification for the event if it is wanted. Delivery
// failures are logged, never returned; notifications are advisory.
func (m *Manager) Publish(eventType, summary, body string) {
	if m.be == nil || !m.wanted[eventType] {
		return
	}
	if err := m.be.send(summary, body); err != nil {
		m.log.Warn("notification delivery failed", "event", eventType, "error", err)
	}
}

// Close releases the backend connection.
func (m *Manager) Close() {
	if m.be == nil {
		return
	}
	if err := m.be.close(); err != nil {
		m.log.Warn("closing notification backend", "error", err)
	}
	m.be = nil
}
