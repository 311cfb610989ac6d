package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		"WARNING": "warn",
		"error":   "error",
		"":        "info",
		"bogus":   "info",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "broker.log")
	logger, err := New(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("worker registered", zap.String("type", "Mesh2D->Mesh3D"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"worker registered"`) || !strings.Contains(out, `"type":"Mesh2D->Mesh3D"`) {
		t.Errorf("log output missing fields: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written at info level")
	}
}

func TestNewWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	logger, err := New(config.LogConfig{
		Outputs:  []string{path},
		Rotation: config.RotationConfig{Enable: true, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("rotated log not created: %v", err)
	}
}

func TestInstallRestores(t *testing.T) {
	before := zap.L()
	logger := zap.NewNop()
	restore := Install(logger)
	if zap.L() != logger {
		t.Error("Install() did not replace global logger")
	}
	restore()
	if zap.L() != before {
		t.Error("restore did not put back the previous logger")
	}
}
