package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeWithoutConfigIsSilent(t *testing.T) {
	ws := t.TempDir()

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsDebugMode() {
		t.Error("Expected production mode when no config exists")
	}

	// No logs directory should be created in production mode
	if _, err := os.Stat(filepath.Join(ws, ".persona", "logs")); !os.IsNotExist(err) {
		t.Error("Expected no logs directory in production mode")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	ws := t.TempDir()
	cfgDir := filepath.Join(ws, ".persona")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := `{"debug_mode": true, "level": "debug"}`
	if err := os.WriteFile(filepath.Join(cfgDir, "logging.json"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if !IsDebugMode() {
		t.Fatal("Expected debug mode")
	}

	Scheduler("timer armed for %s", "topic_post")

	entries, err := os.ReadDir(filepath.Join(ws, ".persona", "logs"))
	if err != nil {
		t.Fatalf("Logs directory missing: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			found = true
		}
	}
	if !found {
		t.Error("Expected at least one category log file")
	}
}

func TestCategoryFilter(t *testing.T) {
	ws := t.TempDir()
	cfgDir := filepath.Join(ws, ".persona")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := `{"debug_mode": true, "level": "debug", "categories": {"policy": false}}`
	if err := os.WriteFile(filepath.Join(cfgDir, "logging.json"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryPolicy) {
		t.Error("Expected policy category to be disabled")
	}
	if !IsCategoryEnabled(CategoryScheduler) {
		t.Error("Expected scheduler category to be enabled by default")
	}
}
