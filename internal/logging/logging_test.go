package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log, err := New("WARN", "json")
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) || !log.Core().Enabled(zapcore.WarnLevel) {
		t.Error("level not applied")
	}
	if _, err := New("debug", "console"); err != nil {
		t.Errorf("console logger: %v", err)
	}
	if _, err := New("loud", "json"); err == nil {
		t.Error("expected bad level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("expected bad format error")
	}
}
