package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, JSON: true})

	t.Run("Levels", func(t *testing.T) {
		for _, msg := range []string{"debug msg", "info msg", "warn msg", "error msg"} {
			buf.Reset()
			switch msg {
			case "debug msg":
				logger.Debug(msg)
			case "info msg":
				logger.Info(msg)
			case "warn msg":
				logger.Warn(msg)
			default:
				logger.Error(msg)
			}
			if !strings.Contains(buf.String(), msg) {
				t.Errorf("%q not logged", msg)
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}
		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}
		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("store").Info("msg")
		if !strings.Contains(buf.String(), `"component":"store"`) {
			t.Errorf("WithComponent missing component field: %s", buf.String())
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"host": "10.0.0.1"}).Info("msg")
		if !strings.Contains(buf.String(), "10.0.0.1") {
			t.Error("WithFields missing fields")
		}
	})

	t.Run("AuditIgnoresLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		defer logger.SetLevel(LevelDebug)
		buf.Reset()
		logger.Audit("version.create", "policy:web", map[string]any{"version": 3})
		out := buf.String()
		if !strings.Contains(out, `"level":"AUDIT"`) {
			t.Errorf("audit record missing AUDIT level: %s", out)
		}
		if !strings.Contains(out, "policy:web") {
			t.Error("Audit log missing resource")
		}
	})
}

func TestConsoleHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("Deploy").Info("host applied", "host", "web-1", "log", "two words")
	line := buf.String()

	if !strings.Contains(line, "[info] deploy: host applied") {
		t.Errorf("unexpected header: %q", line)
	}
	if !strings.Contains(line, "host=web-1") {
		t.Errorf("missing attr: %q", line)
	}
	if !strings.Contains(line, `log="two words"`) {
		t.Errorf("value with spaces not quoted: %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should be promoted, not repeated: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug": LevelDebug, "": LevelInfo, "INFO": LevelInfo,
		"warning": LevelWarn, "error": LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("dropped")
	l.Audit("a", "b", nil)
}
