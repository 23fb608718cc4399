package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("annotd")

	c := r.RegisterCounter("events_total", "Total events")
	c.Inc()
	c.Add(2)
	if c.Value() != 3 {
		t.Errorf("counter = %d, want 3", c.Value())
	}
	if c.metricName() != "annotd_events_total" {
		t.Errorf("counter name = %q", c.metricName())
	}

	g := r.RegisterGauge("clients", "Connected clients")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Errorf("gauge = %d, want 1", g.Value())
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry("annotd")

	a := r.RegisterCounter("events_total", "Total events")
	b := r.RegisterCounter("events_total", "Total events")
	if a != b {
		t.Error("expected the same counter instance for a repeated name")
	}

	a.Inc()
	if b.Value() != 1 {
		t.Errorf("shared counter = %d, want 1", b.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("commit_duration_seconds", "Commit duration", []float64{0.01, 0.1, 1})

	h.Observe(0.005)
	h.Observe(0.05)
	h.Observe(0.1) // le buckets are inclusive
	h.Observe(5)

	if h.Count() != 4 {
		t.Errorf("count = %d, want 4", h.Count())
	}
	if got := h.Sum(); got < 5.15 || got > 5.16 {
		t.Errorf("sum = %f", got)
	}

	var sb strings.Builder
	if err := r.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}

	out := sb.String()
	for _, want := range []string{
		`commit_duration_seconds_bucket{le="0.01"} 1`,
		`commit_duration_seconds_bucket{le="0.1"} 3`,
		`commit_duration_seconds_bucket{le="1"} 3`,
		`commit_duration_seconds_bucket{le="+Inf"} 4`,
		`commit_duration_seconds_count 4`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestHistogramTimer(t *testing.T) {
	h := newHistogram("d", "Duration", nil)

	timer := h.Timer()
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()

	if d < 5*time.Millisecond {
		t.Errorf("timer d = %v, want >= 5ms", d)
	}
	if h.Count() != 1 {
		t.Errorf("count = %d, want 1", h.Count())
	}
}

func TestExpositionFollowsRegistrationOrder(t *testing.T) {
	r := NewRegistry("annotd")
	r.RegisterGauge("clients", "Connected clients").Set(2)
	r.RegisterCounter("events_total", "Total events").Inc()

	var sb strings.Builder
	r.WritePrometheus(&sb)

	out := sb.String()
	if strings.Index(out, "annotd_clients") > strings.Index(out, "annotd_events_total") {
		t.Errorf("metrics out of registration order:\n%s", out)
	}
}

func TestHandlerServesText(t *testing.T) {
	r := NewRegistry("annotd")
	r.RegisterCounter("events_total", "Total events").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "annotd_events_total 1") {
		t.Errorf("body missing counter:\n%s", body)
	}
}

func TestAnnotdMetricsSet(t *testing.T) {
	m := NewAnnotdMetrics(nil)

	m.RecordEvent("annotation.created")
	m.RecordEvent("annotation.updated")
	m.RecordEvent("annotation.deleted")
	m.RecordEvent("selection.created")
	m.RecordEvent("selection.cancelled")
	m.RecordEvent("hover.enter")

	if m.EventsTotal.Value() != 6 {
		t.Errorf("events_total = %d, want 6", m.EventsTotal.Value())
	}
	if m.AnnotationsCreatedTotal.Value() != 1 {
		t.Errorf("created_total = %d, want 1", m.AnnotationsCreatedTotal.Value())
	}
	if m.SelectionsTotal.Value() != 1 {
		t.Errorf("selections_total = %d, want 1", m.SelectionsTotal.Value())
	}
	if m.CancellationsTotal.Value() != 1 {
		t.Errorf("cancellations_total = %d, want 1", m.CancellationsTotal.Value())
	}

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	if m.IPCClients.Value() != 1 {
		t.Errorf("ipc_clients = %d, want 1", m.IPCClients.Value())
	}

	m.SetSelectionActive(true)
	if m.SelectionActive.Value() != 1 {
		t.Errorf("selection_active = %d, want 1", m.SelectionActive.Value())
	}
	m.SetSelectionActive(false)
	if m.SelectionActive.Value() != 0 {
		t.Errorf("selection_active = %d, want 0", m.SelectionActive.Value())
	}
}
