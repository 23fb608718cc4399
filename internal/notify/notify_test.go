package notify

import (
	"errors"
	"testing"

	"annotd/internal/config"
)

type fakeBackend struct {
	sent   []string
	failed bool
	closed bool
}

func (f *fakeBackend) send(summary, body string) error {
	if f.failed {
		return errors.New("bus gone")
	}
	f.sent = append(f.sent, summary+"|"+body)
	return nil
}

func (f *fakeBackend) close() error {
	f.closed = true
	return nil
}

func testNotifyConfig() config.NotifyConfig {
	return config.NotifyConfig{
		Enabled:   true,
		Events:    []string{"annotation.created", "annotation.deleted"},
		TimeoutMs: 1000,
	}
}

func TestDisabledManagerIsInactive(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.Enabled = false

	m := New(cfg, nil)
	if m.Active() {
		t.Error("disabled manager should not be active")
	}
	// Publishing on an inactive manager is a no-op, not a panic.
	m.Publish("annotation.created", "x", "y")
	m.Close()
}

func TestWants(t *testing.T) {
	m := New(testNotifyConfig(), nil)

	if !m.Wants("annotation.created") {
		t.Error("annotation.created should be wanted")
	}
	if m.Wants("annotation.updated") {
		t.Error("annotation.updated is not on the interest list")
	}
	if m.Wants("") {
		t.Error("empty event type should not be wanted")
	}
}

func TestPublishFiltersEvents(t *testing.T) {
	m := New(testNotifyConfig(), nil)
	fake := &fakeBackend{}
	m.be = fake

	m.Publish("annotation.created", "created", "cat.png")
	m.Publish("annotation.updated", "updated", "cat.png")
	m.Publish("annotation.deleted", "deleted", "cat.png")

	if len(fake.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2: %v", len(fake.sent), fake.sent)
	}
	if fake.sent[0] != "created|cat.png" || fake.sent[1] != "deleted|cat.png" {
		t.Errorf("unexpected notifications: %v", fake.sent)
	}
}

func TestPublishSwallowsBackendErrors(t *testing.T) {
	m := New(testNotifyConfig(), nil)
	m.be = &fakeBackend{failed: true}

	// Failure is logged, not surfaced.
	m.Publish("annotation.created", "x", "y")
}

func TestCloseReleasesBackend(t *testing.T) {
	m := New(testNotifyConfig(), nil)
	fake := &fakeBackend{}
	m.be = fake

	m.Close()
	if !fake.closed {
		t.Error("backend should be closed")
	}
	if m.Active() {
		t.Error("manager should be inactive after Close")
	}

	// Double close is safe.
	m.Close()
}
