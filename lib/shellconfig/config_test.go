// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package shellconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	piDir := filepath.Join(dir, ".pi")
	if err := os.MkdirAll(piDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(piDir, "interactive-shell.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreInRange(t *testing.T) {
	t.Parallel()

	cfg := Default()
	clamped := cfg
	clamped.Clamp()
	if cfg != clamped {
		t.Errorf("defaults change under Clamp:\n got %+v\nwant %+v", clamped, cfg)
	}
}

func TestLoadFileOverridesAndClamps(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), `{
		// project overrides
		"overlayWidthPercent": 5,
		"scrollbackLines": 999999,
		"quietThresholdMs": 5000,
		"handsFreeUpdateMode": "interval",
		"minQueryIntervalSeconds": 2,
		"unknownKey": true
	}`)

	cfg, found, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !found {
		t.Fatal("LoadFile: file not found")
	}

	if cfg.OverlayWidthPercent != 10 {
		t.Errorf("overlayWidthPercent: got %d, want clamp to 10", cfg.OverlayWidthPercent)
	}
	if cfg.ScrollbackLines != 50000 {
		t.Errorf("scrollbackLines: got %d, want clamp to 50000", cfg.ScrollbackLines)
	}
	if cfg.QuietThresholdMs != 5000 {
		t.Errorf("quietThresholdMs: got %d, want 5000", cfg.QuietThresholdMs)
	}
	if cfg.HandsFreeUpdateMode != UpdateInterval {
		t.Errorf("handsFreeUpdateMode: got %q, want interval", cfg.HandsFreeUpdateMode)
	}
	if cfg.MinQueryIntervalSeconds != 5 {
		t.Errorf("minQueryIntervalSeconds: got %d, want clamp to 5", cfg.MinQueryIntervalSeconds)
	}
	// Absent keys keep their defaults.
	if cfg.MaxTotalChars != Default().MaxTotalChars {
		t.Errorf("maxTotalChars: got %d, want default", cfg.MaxTotalChars)
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()

	cfg, found, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFile on missing file: %v", err)
	}
	if found {
		t.Error("found on missing file")
	}
	if cfg != Default() {
		t.Error("missing file did not yield defaults")
	}
}

func TestLoadBadJSONFallsBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, dir, `{not json`)

	cfg := Load(dir, nil)
	if cfg != Default() {
		t.Error("unparsable project file did not fall back to defaults")
	}
}

func TestLoadProjectWinsOverGlobal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, dir, `{"overlayWidthPercent": 42}`)

	cfg := Load(dir, nil)
	if cfg.OverlayWidthPercent != 42 {
		t.Errorf("project file not honored: got %d", cfg.OverlayWidthPercent)
	}
}

func TestInvalidModeDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, dir, `{"handsFreeUpdateMode": "sometimes"}`)

	cfg := Load(dir, nil)
	if cfg.HandsFreeUpdateMode != UpdateOnQuiet {
		t.Errorf("invalid mode: got %q, want onQuiet", cfg.HandsFreeUpdateMode)
	}
}
