package metrics

import (
	"time"
)

// AnnotdMetrics holds all annotd-specific metrics.
type AnnotdMetrics struct {
	registry *Registry

	// Counters
	AnnotationsCreatedTotal *Counter
	AnnotationsUpdatedTotal *Counter
	AnnotationsDeletedTotal *Counter
	SelectionsTotal         *Counter
	CancellationsTotal      *Counter
	EventsTotal             *Counter
	IPCRequestsTotal        *Counter
	ErrorsTotal             *Counter

	// Gauges
	Annotations     *Gauge
	SelectionActive *Gauge
	IPCClients      *Gauge
	UptimeSeconds   *Gauge

	// Histograms
	CommitDuration *Histogram
	ReloadDuration *Histogram

	startTime time.Time
}

// NewAnnotdMetrics creates and registers all annotd metrics.
func NewAnnotdMetrics(registry *Registry) *AnnotdMetrics {
	if registry == nil {
		registry = NewRegistry("annotd")
	}

	return &AnnotdMetrics{
		registry:  registry,
		startTime: time.Now(),

		AnnotationsCreatedTotal: registry.RegisterCounter(
			"annotations_created_total",
			"Total number of annotations created"),
		AnnotationsUpdatedTotal: registry.RegisterCounter(
			"annotations_updated_total",
			"Total number of annotations updated"),
		AnnotationsDeletedTotal: registry.RegisterCounter(
			"annotations_deleted_total",
			"Total number of annotations deleted"),
		SelectionsTotal: registry.RegisterCounter(
			"selections_total",
			"Total number of selections opened"),
		CancellationsTotal: registry.RegisterCounter(
			"cancellations_total",
			"Total number of selections cancelled"),
		EventsTotal: registry.RegisterCounter(
			"events_total",
			"Total number of lifecycle events emitted"),
		IPCRequestsTotal: registry.RegisterCounter(
			"ipc_requests_total",
			"Total number of IPC requests handled"),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors"),

		Annotations: registry.RegisterGauge(
			"annotations",
			"Number of annotations on the active source"),
		SelectionActive: registry.RegisterGauge(
			"selection_active",
			"Whether a selection is currently open (0 or 1)"),
		IPCClients: registry.RegisterGauge(
			"ipc_clients",
			"Number of connected IPC clients"),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running"),

		CommitDuration: registry.RegisterHistogram(
			"commit_duration_seconds",
			"Duration of annotation commits including the sidecar write",
			DurationBuckets),
		ReloadDuration: registry.RegisterHistogram(
			"reload_duration_seconds",
			"Duration of watcher-driven collection reloads",
			DurationBuckets),
	}
}

// Registry returns the backing registry.
func (m *AnnotdMetrics) Registry() *Registry {
	return m.registry
}

// RecordEvent counts one lifecycle event by type.
func (m *AnnotdMetrics) RecordEvent(eventType string) {
	m.EventsTotal.Inc()
	switch eventType {
	case "annotation.created":
		m.AnnotationsCreatedTotal.Inc()
	case "annotation.updated":
		m.AnnotationsUpdatedTotal.Inc()
	case "annotation.deleted":
		m.AnnotationsDeletedTotal.Inc()
	case "selection.created", "selection.opened":
		m.SelectionsTotal.Inc()
	case "selection.cancelled":
		m.CancellationsTotal.Inc()
	}
}

// RecordIPCRequest counts one handled IPC request.
func (m *AnnotdMetrics) RecordIPCRequest() {
	m.IPCRequestsTotal.Inc()
}

// RecordError records an error.
func (m *AnnotdMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// ClientConnected records an IPC client attach.
func (m *AnnotdMetrics) ClientConnected() {
	m.IPCClients.Inc()
}

// ClientDisconnected records an IPC client detach.
func (m *AnnotdMetrics) ClientDisconnected() {
	m.IPCClients.Dec()
}

// SetAnnotationCount sets the active-source annotation gauge.
func (m *AnnotdMetrics) SetAnnotationCount(n int) {
	m.Annotations.Set(int64(n))
}

// SetSelectionActive flips the selection gauge.
func (m *AnnotdMetrics) SetSelectionActive(active bool) {
	if active {
		m.SelectionActive.Set(1)
	} else {
		m.SelectionActive.Set(0)
	}
}

// StartCommitTimer returns a timer for commit operations.
func (m *AnnotdMetrics) StartCommitTimer() *HistogramTimer {
	return m.CommitDuration.Timer()
}

// RecordReload records a collection reload.
func (m *AnnotdMetrics) RecordReload(d time.Duration) {
	m.ReloadDuration.ObserveDuration(d)
}

// UpdateUptime refreshes the uptime gauge.
func (m *AnnotdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.startTime).Seconds()))
}
