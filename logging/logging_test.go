package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn)

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("low-severity messages not filtered: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn and error messages, got %q", out)
	}
}

func TestLoggerComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo).WithComponent("bus").WithSwarm("s1")

	log.Info("reconnected")

	out := buf.String()
	if !strings.Contains(out, "component=bus") {
		t.Errorf("missing component field: %q", out)
	}
	if !strings.Contains(out, "swarm=s1") {
		t.Errorf("missing swarm field: %q", out)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo)

	log.Info("vote closed", Fields{"vote_id": "v1", "winner": "a"})

	out := buf.String()
	if !strings.Contains(out, "vote_id=v1") || !strings.Contains(out, "winner=a") {
		t.Errorf("missing fields: %q", out)
	}
}

func TestDiscardDoesNotPanic(t *testing.T) {
	log := Discard()
	log.Info("dropped")
	log.Error("dropped too", Fields{"k": "v"})
}
