package daemonlog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitStderrDefault(t *testing.T) {
	if err := Init(BackendStderr, LevelInfo, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Logger().GetLevel().String() != "info" {
		t.Fatalf("expected info level, got %v", Logger().GetLevel())
	}
}

func TestInitFileWritesLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vasum.log")
	if err := Init(BackendFile, LevelDebug, path); err != nil {
		t.Fatalf("Init: %v", err)
	}

	WithFields(map[string]interface{}{"zone": "z1"}).Info("started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "started") {
		t.Fatalf("expected log file to contain %q, got %q", "started", data)
	}

	var buf bytes.Buffer
	Logger().SetOutput(&buf)
	Logger().Info("in-memory")
	if buf.Len() == 0 {
		t.Fatalf("expected log output captured")
	}
}

func TestLevelMapping(t *testing.T) {
	cases := map[Level]string{
		LevelTrace: "trace",
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warning",
		LevelError: "error",
	}
	for lvl, want := range cases {
		if got := lvl.logrusLevel().String(); got != want {
			t.Fatalf("level %s: got %s, want %s", lvl, got, want)
		}
	}
}
