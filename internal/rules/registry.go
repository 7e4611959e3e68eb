package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry holds the compiled rule set. It is read-only after
// construction; there is no hot-reload.
type Registry struct {
	rules []Rule
	byID  map[string]*Rule
}

// NewRegistry compiles the given rules and builds the registry. Duplicate
// IDs are rejected.
func NewRegistry(ruleList []Rule) (*Registry, error) {
	reg := &Registry{
		rules: make([]Rule, 0, len(ruleList)),
		byID:  make(map[string]*Rule, len(ruleList)),
	}
	for _, rule := range ruleList {
		if err := rule.Compile(); err != nil {
			return nil, err
		}
		if _, exists := reg.byID[rule.ID]; exists {
			return nil, fmt.Errorf("duplicate rule ID %q", rule.ID)
		}
		reg.rules = append(reg.rules, rule)
		reg.byID[rule.ID] = &reg.rules[len(reg.rules)-1]
	}
	return reg, nil
}

// All returns every rule in the registry. Callers must not mutate.
func (r *Registry) All() []Rule {
	return r.rules
}

// ByID returns the rule with the given ID, or nil.
func (r *Registry) ByID(id string) *Rule {
	return r.byID[id]
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// SeedRules returns the built-in rule set.
func SeedRules() []Rule {
	return []Rule{
		{
			ID:   "port_scan_correlation",
			Name: "Repeated port scans from one source",
			Conditions: []Condition{
				{Op: OpEquals, Field: "type", Value: "port_scan"},
				{Op: OpSameValue, Field: "source_ip"},
				{Op: OpWithinWindow, WindowMs: 600000},
			},
			Threshold:      5,
			Severity:       "medium",
			BaseConfidence: 0.8,
			Action:         ActionCreateAlert,
		},
		{
			ID:   "geo_anomaly_transfer",
			Name: "Geographic anomaly with large transfer",
			Conditions: []Condition{
				{Op: OpContains, Field: "tags", Value: "geo_anomaly"},
				{Op: OpGreaterThan, Field: "bytes_total", Number: 10 * 1024 * 1024},
				{Op: OpSameValue, Field: "source_ip"},
			},
			Threshold:      2,
			Severity:       "high",
			BaseConfidence: 0.75,
			Action:         ActionCreateAlert,
		},
		{
			ID:   "data_exfiltration_destination",
			Name: "Sustained outbound transfer to one destination",
			Conditions: []Condition{
				{Op: OpGreaterThan, Field: "bytes_sent", Number: 10 * 1024 * 1024},
				{Op: OpSameValue, Field: "destination_ip"},
				{Op: OpWithinWindow, WindowMs: 300000},
			},
			Threshold:      3,
			Severity:       "critical",
			BaseConfidence: 0.8,
			Action:         ActionCreateAlert,
		},
		{
			ID:   "protocol_diversity_source",
			Name: "Protocol diversity from one source",
			Conditions: []Condition{
				{Op: OpSameValue, Field: "source_ip"},
				{Op: OpDistinctCountAtLeast, Field: "protocol", MinDistinct: 4},
				{Op: OpWithinWindow, WindowMs: 300000},
			},
			Threshold:      6,
			Severity:       "medium",
			BaseConfidence: 0.6,
			Action:         ActionRaiseThreat,
		},
		{
			ID:   "circuit_malicious_correlation",
			Name: "Repeated malicious traffic on one circuit",
			Conditions: []Condition{
				{Op: OpContains, Field: "tags", Value: "malicious"},
				{Op: OpSameValue, Field: "circuit_id"},
				{Op: OpWithinWindow, WindowMs: 600000},
			},
			Threshold:      3,
			Severity:       "high",
			BaseConfidence: 0.7,
			Action:         ActionCreateAlert,
		},
	}
}

// ruleFile is the YAML document shape for rule files.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadDir reads rule files (*.yaml, *.yml) from dir and appends them to
// the seed set. A file that fails to parse or validate is skipped with a
// warning; the remaining files still load.
func LoadDir(dir string, logger *slog.Logger) []Rule {
	ruleList := SeedRules()
	if dir == "" {
		return ruleList
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("Failed to read rules directory", "dir", dir, "error", err)
		return ruleList
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	for _, file := range files {
		loaded, err := loadRulesFromFile(file)
		if err != nil {
			logger.Warn("Failed to load rules from file", "file", file, "error", err)
			continue
		}
		logger.Info("Loaded rules from file", "file", file, "count", len(loaded))
		ruleList = append(ruleList, loaded...)
	}

	return ruleList
}

func loadRulesFromFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i := range doc.Rules {
		if err := doc.Rules[i].Compile(); err != nil {
			return nil, fmt.Errorf("invalid rule: %w", err)
		}
	}

	return doc.Rules, nil
}
