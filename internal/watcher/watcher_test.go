package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(Options{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log failed: %v", err)
	}
	defer file.Close()
	if _, err := file.WriteString(line + "\n"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case event := <-w.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func TestDetectsCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B1.log")
	appendLine(t, path, "old line before watching: protocol ended")

	w := newTestWatcher(t)
	if err := w.Watch("B1", path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	appendLine(t, path, "running trial 40")
	appendLine(t, path, "protocol ended")

	event := waitEvent(t, w)
	if event.BoxID != "B1" || event.Kind != KindCompleted {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestDetectsFailureWithDetail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B2.log")
	w := newTestWatcher(t)
	if err := w.Watch("B2", path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	appendLine(t, path, "protocol error: state machine rejected trial")

	event := waitEvent(t, w)
	if event.Kind != KindFailed {
		t.Fatalf("unexpected kind %q", event.Kind)
	}
	if event.Detail != "state machine rejected trial" {
		t.Fatalf("unexpected detail %q", event.Detail)
	}
}

func TestIgnoresMarkersBeforeWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B3.log")
	appendLine(t, path, "protocol ended")

	w := newTestWatcher(t)
	if err := w.Watch("B3", path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected replayed event %+v", event)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTruncationRestartsFromTop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B4.log")
	appendLine(t, path, "session output that moves the offset forward quite a bit")

	w := newTestWatcher(t)
	if err := w.Watch("B4", path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// Rotate: replace with a shorter file carrying a marker.
	if err := os.WriteFile(path, []byte("protocol ended\n"), 0o644); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	event := waitEvent(t, w)
	if event.Kind != KindCompleted {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestUnwatchStopsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B5.log")
	w := newTestWatcher(t)
	if err := w.Watch("B5", path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	w.Unwatch("B5")

	appendLine(t, path, "protocol ended")

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event after unwatch %+v", event)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPartialLinesAreBuffered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B6.log")
	w := newTestWatcher(t)
	if err := w.Watch("B6", path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := file.WriteString("protocol en"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := file.WriteString("ded\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	file.Close()

	event := waitEvent(t, w)
	if event.Kind != KindCompleted {
		t.Fatalf("unexpected event %+v", event)
	}
}
