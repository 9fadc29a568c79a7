package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNamedPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	parent := log.New(&buf, "", 0)

	Named(parent, "monitor").Printf("Watching %s", "/data/in")

	if got := buf.String(); got != "[monitor] Watching /data/in\n" {
		t.Errorf("output = %q", got)
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dirwatch.log")
	cfg := DefaultConfig()
	cfg.File = path

	logger, closer := New(cfg)
	logger.Printf("Imported %s", "a.csv")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "Imported a.csv") {
		t.Errorf("log file missing line, got %q", data)
	}
}

func TestNewDefaultsToStderr(t *testing.T) {
	logger, closer := New(Config{})
	defer closer.Close()

	if logger.Writer() != os.Stderr {
		t.Error("expected stderr output when no file is configured")
	}
}
