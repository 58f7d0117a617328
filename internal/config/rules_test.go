package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHeuristicRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	content := `priority_keywords:
  - " OnCall "
  - Sev1
skip_prefixes:
  - "[CI]"
min_message_length: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write rules file: %v", err)
	}

	rules, err := LoadHeuristicRules(path)
	if err != nil {
		t.Fatalf("LoadHeuristicRules failed: %v", err)
	}

	if len(rules.PriorityKeywords) != 2 {
		t.Fatalf("Expected 2 keywords, got %d", len(rules.PriorityKeywords))
	}
	// Keywords are normalized to trimmed lowercase at load time
	if rules.PriorityKeywords[0] != "oncall" || rules.PriorityKeywords[1] != "sev1" {
		t.Errorf("Expected normalized keywords, got %v", rules.PriorityKeywords)
	}
	if len(rules.SkipPrefixes) != 1 || rules.SkipPrefixes[0] != "[ci]" {
		t.Errorf("Expected normalized skip prefixes, got %v", rules.SkipPrefixes)
	}
	if rules.MinMessageLength != 5 {
		t.Errorf("Expected min message length 5, got %d", rules.MinMessageLength)
	}
}

func TestLoadHeuristicRules_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	if err := os.WriteFile(path, []byte("min_message_length: 8\n"), 0o644); err != nil {
		t.Fatalf("Failed to write rules file: %v", err)
	}

	rules, err := LoadHeuristicRules(path)
	if err != nil {
		t.Fatalf("LoadHeuristicRules failed: %v", err)
	}
	if rules.MinMessageLength != 8 {
		t.Errorf("Expected overridden min length 8, got %d", rules.MinMessageLength)
	}
	if len(rules.PriorityKeywords) == 0 {
		t.Error("Expected default keywords retained for partial file")
	}
}

func TestLoadHeuristicRules_MissingFile(t *testing.T) {
	if _, err := LoadHeuristicRules("/nonexistent/rules.yaml"); err == nil {
		t.Error("Expected error for missing rules file")
	}
}

func TestConfigLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "3002" {
		t.Errorf("Expected default port 3002, got %s", cfg.Port)
	}
	if cfg.CacheTTLHours != 24 {
		t.Errorf("Expected default cache TTL 24h, got %v", cfg.CacheTTLHours)
	}
	if cfg.StalenessMessageDelta != 10 {
		t.Errorf("Expected default staleness delta 10, got %d", cfg.StalenessMessageDelta)
	}
	if cfg.ReferenceTimezone != "UTC" {
		t.Errorf("Expected default reference timezone UTC, got %s", cfg.ReferenceTimezone)
	}
	if len(cfg.DailyLimits) != 4 {
		t.Errorf("Expected 4 per-feature daily limits, got %d", len(cfg.DailyLimits))
	}

	if _, err := cfg.ReferenceLocation(); err != nil {
		t.Errorf("Expected default timezone to resolve: %v", err)
	}
}

func TestConfig_ReferenceLocation_Invalid(t *testing.T) {
	cfg := &Config{ReferenceTimezone: "Mars/Olympus_Mons"}
	if _, err := cfg.ReferenceLocation(); err == nil {
		t.Error("Expected error for unknown timezone")
	}
}
