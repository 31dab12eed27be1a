package signal

import (
	"testing"
)

func TestStopSignalRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if m.ShouldStop() {
		t.Error("fresh manager reports stop")
	}

	if err := m.SendStop(); err != nil {
		t.Fatalf("SendStop failed: %v", err)
	}
	// The stat fallback sees the file even if the watcher misses it.
	if !m.ShouldStop() {
		t.Error("stop signal not observed")
	}

	m.ClearSignals()
	if m.ShouldStop() {
		t.Error("stop signal survived ClearSignals")
	}
}

func TestPauseSignalRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if err := m.SendPause(); err != nil {
		t.Fatalf("SendPause failed: %v", err)
	}
	if !m.ShouldPause() {
		t.Error("pause signal not observed")
	}
	if m.ShouldStop() {
		t.Error("pause signal reported as stop")
	}

	m.ClearSignals()
	if m.ShouldPause() {
		t.Error("pause signal survived ClearSignals")
	}
}

func TestSeparateProcessesShareSignals(t *testing.T) {
	workspace := t.TempDir()

	sender, err := NewManager(workspace)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer sender.Close()

	receiver, err := NewManager(workspace)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer receiver.Close()

	if err := sender.SendStop(); err != nil {
		t.Fatalf("SendStop failed: %v", err)
	}
	if !receiver.ShouldStop() {
		t.Error("stop signal not visible to a second manager")
	}
}
