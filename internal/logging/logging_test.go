package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mind-engage/mindengage-webwork/internal/config"
)

func TestNew_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ww.log")
	log := New(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	log.Named("renderer").Debug("render")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatalf("not json: %q", raw)
	}
	if line["msg"] != "render" || line["logger"] != "renderer" || line["level"] != "DEBUG" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ww.log")
	log := New(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1})
	log.Info("dropped")
	_ = log.Sync()
	raw, _ := os.ReadFile(path)
	if len(raw) != 0 {
		t.Fatalf("info written at warn level: %q", raw)
	}
}
