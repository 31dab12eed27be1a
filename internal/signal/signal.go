// Package signal provides file-based operator control over a running
// devflow process via the workspace .devflow directory. Operators drop
// signal files (stop, pause) to steer loops without killing the
// process; a filesystem watcher picks them up immediately, with a
// direct stat fallback in case the watcher misses an event.
package signal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	stopFile  = "stop"
	pauseFile = "pause"
)

// Manager watches the workspace signal directory for control files.
type Manager struct {
	signalsDir string

	mu          sync.RWMutex
	stopSignal  bool
	pauseSignal bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates a signal manager rooted at the workspace's
// .devflow directory. The watcher is best effort; if it cannot be set
// up the manager falls back to stat checks on every query.
func NewManager(workspace string) (*Manager, error) {
	signalsDir := filepath.Join(workspace, ".devflow", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	m := &Manager{
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		return m, nil
	}
	m.watcher = watcher

	go m.watchSignals()

	return m, nil
}

// watchSignals monitors the signals directory for stop/pause files.
func (m *Manager) watchSignals() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			m.mu.Lock()
			switch filepath.Base(event.Name) {
			case stopFile:
				m.stopSignal = true
			case pauseFile:
				m.pauseSignal = true
			}
			m.mu.Unlock()
		case <-m.watcher.Errors:
			// Keep watching; stat fallback covers missed events.
		}
	}
}

// ShouldStop returns true if a stop signal has been received.
func (m *Manager) ShouldStop() bool {
	if _, err := os.Stat(filepath.Join(m.signalsDir, stopFile)); err == nil {
		m.mu.Lock()
		m.stopSignal = true
		m.mu.Unlock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopSignal
}

// ShouldPause reports whether the pause file is present. Unlike stop,
// pause is not sticky: deleting the file resumes.
func (m *Manager) ShouldPause() bool {
	_, err := os.Stat(filepath.Join(m.signalsDir, pauseFile))
	present := err == nil

	m.mu.Lock()
	m.pauseSignal = present
	m.mu.Unlock()
	return present
}

// SendResume removes the pause signal file.
func (m *Manager) SendResume() error {
	err := os.Remove(filepath.Join(m.signalsDir, pauseFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SendStop creates a stop signal file.
func (m *Manager) SendStop() error {
	path := filepath.Join(m.signalsDir, stopFile)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates a pause signal file.
func (m *Manager) SendPause() error {
	path := filepath.Join(m.signalsDir, pauseFile)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files and resets signal state.
func (m *Manager) ClearSignals() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopSignal = false
	m.pauseSignal = false

	os.Remove(filepath.Join(m.signalsDir, stopFile))
	os.Remove(filepath.Join(m.signalsDir, pauseFile))
}

// Close shuts down the signal manager.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
