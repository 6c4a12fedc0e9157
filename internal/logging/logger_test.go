package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/logging"
)

func TestNewConsoleWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")

	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("conversion started", logging.Int("items", 3))
	logger.Debug("suppressed at info level")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(content)
	if !strings.Contains(out, "conversion started") {
		t.Fatalf("expected info line, got %q", out)
	}
	if !strings.Contains(out, "items=3") {
		t.Fatalf("expected items attr, got %q", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Fatalf("debug line should be filtered, got %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestComponentPromotedIntoPrefix(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "component.log")

	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "batch").Info("permit acquired")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "batch: permit acquired") {
		t.Fatalf("expected component prefix, got %q", content)
	}
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := logging.NewProgressSampler(0.05)

	if !s.ShouldLog(0.01, "encoding") {
		t.Fatal("first event should log")
	}
	if s.ShouldLog(0.02, "encoding") {
		t.Fatal("same bucket should not log")
	}
	if !s.ShouldLog(0.07, "encoding") {
		t.Fatal("next bucket should log")
	}
	if !s.ShouldLog(0.07, "finalizing") {
		t.Fatal("stage change should log")
	}

	s.Reset()
	if !s.ShouldLog(0.0, "encoding") {
		t.Fatal("reset sampler should log again")
	}
}

func TestProgressSamplerNil(t *testing.T) {
	var s *logging.ProgressSampler
	if !s.ShouldLog(0.5, "stage") {
		t.Fatal("nil sampler always logs")
	}
	s.Reset()
}
