package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// HeuristicRules are the service-level defaults for the fast heuristic
// filter. Per-user priority keywords from preferences are merged on top.
type HeuristicRules struct {
	// PriorityKeywords always trigger a notification when matched
	// (case-insensitive substring match)
	PriorityKeywords []string `yaml:"priority_keywords"`

	// SkipPrefixes mark automated chatter that never warrants a push
	// (e.g. bot status lines)
	SkipPrefixes []string `yaml:"skip_prefixes"`

	// MinMessageLength below which a message is considered too trivial to
	// analyze with the model ("ok", "lol"); such messages skip unless a
	// keyword or mention says otherwise
	MinMessageLength int `yaml:"min_message_length"`
}

// DefaultHeuristicRules returns the built-in rule set used when no rules
// file is configured
func DefaultHeuristicRules() *HeuristicRules {
	return &HeuristicRules{
		PriorityKeywords: []string{
			"urgent",
			"emergency",
			"asap",
			"production down",
			"critical",
		},
		SkipPrefixes: []string{
			"[bot]",
			"[automated]",
		},
		MinMessageLength: 3,
	}
}

// LoadHeuristicRules parses a YAML rules file. Missing fields keep their
// built-in defaults so a partial file is valid.
func LoadHeuristicRules(path string) (*HeuristicRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	rules := DefaultHeuristicRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	// Normalize keywords once at load time so the hot path only does
	// lowercase substring checks
	for i, kw := range rules.PriorityKeywords {
		rules.PriorityKeywords[i] = strings.ToLower(strings.TrimSpace(kw))
	}
	for i, p := range rules.SkipPrefixes {
		rules.SkipPrefixes[i] = strings.ToLower(strings.TrimSpace(p))
	}

	return rules, nil
}
