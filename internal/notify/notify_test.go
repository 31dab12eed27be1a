package notify

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConsoleNotifierOutput(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewConsoleNotifier(&buf, "")
	if err != nil {
		t.Fatalf("NewConsoleNotifier failed: %v", err)
	}
	defer n.Close()

	n.Notify(SeverityWarning, "task %s failed", "proj/1")

	out := buf.String()
	if !strings.Contains(out, "[warning]") {
		t.Errorf("output missing severity: %q", out)
	}
	if !strings.Contains(out, "task proj/1 failed") {
		t.Errorf("output missing message: %q", out)
	}
}

func TestConsoleNotifierAppendsLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "notify.log")

	var buf bytes.Buffer
	n, err := NewConsoleNotifier(&buf, logPath)
	if err != nil {
		t.Fatalf("NewConsoleNotifier failed: %v", err)
	}

	n.Notify(SeverityCritical, "fix budget exhausted")
	n.Notify(SeverityInfo, "deployed")
	n.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(content), "fix budget exhausted") {
		t.Errorf("log missing first message: %q", content)
	}
	if !strings.Contains(string(content), "deployed") {
		t.Errorf("log missing second message: %q", content)
	}
}

func TestNotifyTruncatesLongMessages(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewConsoleNotifier(&buf, "")
	if err != nil {
		t.Fatalf("NewConsoleNotifier failed: %v", err)
	}
	defer n.Close()

	n.Notify(SeverityInfo, "%s", strings.Repeat("x", 3*maxMessageLen))

	if len(buf.String()) > maxMessageLen+100 {
		t.Errorf("output length %d, want bounded near %d", len(buf.String()), maxMessageLen)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.sev.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
		}
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("short", 10); got != "short" {
		t.Errorf("Excerpt(short) = %q", got)
	}
	got := Excerpt("abcdefghij", 4)
	if got != "abcd... (truncated)" {
		t.Errorf("Excerpt = %q", got)
	}
}
