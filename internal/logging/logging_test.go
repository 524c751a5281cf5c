package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFileInStdioMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "controlbar.log")

	logger, err := New(Options{Level: "debug", File: path, Stdio: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("pass finished")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), "pass finished") {
		t.Errorf("log file missing message: %s", data)
	}
}

func TestNewStdioWithoutFileIsNop(t *testing.T) {
	logger, err := New(Options{Stdio: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if logger.Core().Enabled(0) {
		t.Error("expected a disabled logger")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
