package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Verbose("should not appear")
	l.Info("should appear: %d", 1)
	l.Error("also appears")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("verbose message leaked at LevelInfo: %q", out)
	}
	if !strings.Contains(out, "should appear: 1") {
		t.Errorf("info message missing: %q", out)
	}
	if !strings.Contains(out, "also appears") {
		t.Errorf("error message missing: %q", out)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("no panic please")
}
