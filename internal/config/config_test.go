package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSettingsMergeProjectOverridesUser(t *testing.T) {
	dir := t.TempDir()
	userDir := filepath.Join(dir, "user")
	projectDir := filepath.Join(dir, "project")

	um := NewSettingsManager()
	um.user = &Settings{DefaultProvider: "claude", DefaultModel: "user-model", AutoCompaction: true}
	if err := um.SaveUser(userDir); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	pm := NewSettingsManager()
	pm.user = &Settings{DefaultModel: "project-model"}
	if err := pm.SaveUser(filepath.Join(projectDir, ".agentmux")); err != nil {
		t.Fatalf("save project settings: %v", err)
	}

	m := NewSettingsManager()
	if err := m.Load(userDir, projectDir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get().DefaultModel != "project-model" {
		t.Fatalf("expected project-model from project settings, got %q", m.Get().DefaultModel)
	}
	if m.Get().DefaultProvider != "claude" {
		t.Fatalf("expected claude from user settings, got %q", m.Get().DefaultProvider)
	}
	if !m.Get().AutoCompaction {
		t.Fatal("expected auto compaction true from user settings")
	}
}

func TestSettingsLoadMissingFilesYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	m := NewSettingsManager()
	if err := m.Load(filepath.Join(dir, "nope"), filepath.Join(dir, "also-nope")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get().DefaultProvider != "claude" {
		t.Fatalf("expected default provider claude, got %q", m.Get().DefaultProvider)
	}
}

func TestDaemonConfigDefaultsOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadDaemonConfig(dir)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if cfg.MaxSessions != 100 {
		t.Fatalf("expected default MaxSessions=100, got %d", cfg.MaxSessions)
	}
	if cfg.ZombieTimeoutDuration() != 10*time.Minute {
		t.Fatalf("expected default zombie timeout 10m, got %v", cfg.ZombieTimeoutDuration())
	}
}

func TestDaemonConfigSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &DaemonConfig{Port: 9999, MaxSessions: 5, ZombieTimeout: "1m"}
	if err := SaveDaemonConfig(dir, cfg); err != nil {
		t.Fatalf("SaveDaemonConfig: %v", err)
	}
	loaded, err := LoadDaemonConfig(dir)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if loaded.Port != 9999 || loaded.MaxSessions != 5 {
		t.Fatalf("unexpected loaded config: %+v", loaded)
	}
	if loaded.ZombieTimeoutDuration() != time.Minute {
		t.Fatalf("expected 1m zombie timeout, got %v", loaded.ZombieTimeoutDuration())
	}
}

func TestDataDirRespectsEnvOverride(t *testing.T) {
	t.Setenv("AGENTMUX_HOME", "/tmp/custom-agentmux-home")
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if dir != "/tmp/custom-agentmux-home" {
		t.Fatalf("expected env override, got %q", dir)
	}
}
