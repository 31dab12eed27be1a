// Package notify implements the operator notification channel: outbound,
// fire-and-forget messages for task failures, stalls, exhausted retries,
// and deploy results. No acknowledgement is awaited.
package notify

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Severity classifies an operator notification.
type Severity int

const (
	// SeverityInfo is routine operational news (deploy succeeded).
	SeverityInfo Severity = iota
	// SeverityWarning needs attention soon (task failed, worker stalled).
	SeverityWarning
	// SeverityCritical needs attention now (CI fix attempts exhausted).
	SeverityCritical
)

// String returns a human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// maxMessageLen bounds notification size; longer messages are truncated.
const maxMessageLen = 2000

// Notifier delivers operator-visible messages.
type Notifier interface {
	Notify(severity Severity, format string, args ...interface{})
}

// ConsoleNotifier writes colorized notifications to a console writer
// and optionally appends them to a log file.
type ConsoleNotifier struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File

	infoColor     *color.Color
	warningColor  *color.Color
	criticalColor *color.Color
}

// NewConsoleNotifier creates a notifier writing to out. If logPath is
// non-empty, notifications are also appended there for later audit.
func NewConsoleNotifier(out io.Writer, logPath string) (*ConsoleNotifier, error) {
	n := &ConsoleNotifier{
		out:           out,
		infoColor:     color.New(color.FgCyan),
		warningColor:  color.New(color.FgYellow),
		criticalColor: color.New(color.FgRed, color.Bold),
	}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create notification log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open notification log: %w", err)
		}
		n.file = f
	}

	return n, nil
}

// Notify formats and delivers a message. Delivery failures are ignored:
// the channel is fire-and-forget and must never block orchestration.
func (n *ConsoleNotifier) Notify(severity Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen-3] + "..."
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] [%s] %s", timestamp, severity, msg)

	c := n.colorFor(severity)
	fmt.Fprintln(n.out, c.Sprint(line))

	if n.file != nil {
		fmt.Fprintln(n.file, line)
	}
}

func (n *ConsoleNotifier) colorFor(severity Severity) *color.Color {
	switch severity {
	case SeverityWarning:
		return n.warningColor
	case SeverityCritical:
		return n.criticalColor
	default:
		return n.infoColor
	}
}

// Close closes the notification log file, if any.
func (n *ConsoleNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.file == nil {
		return nil
	}
	return n.file.Close()
}

// Nop is a Notifier that discards all messages, for tests.
type Nop struct{}

// Notify discards the message.
func (Nop) Notify(Severity, string, ...interface{}) {}

// Excerpt returns at most limit bytes of s for inclusion in a
// notification, marking truncation.
func Excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}
