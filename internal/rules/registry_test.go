package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSeedRules_AllCompile(t *testing.T) {
	registry, err := NewRegistry(SeedRules())
	require.NoError(t, err)
	assert.Equal(t, 5, registry.Len())

	rule := registry.ByID("port_scan_correlation")
	require.NotNil(t, rule)
	assert.Equal(t, 5, rule.Threshold)
	assert.Equal(t, "medium", rule.Severity)
	assert.InDelta(t, 0.8, rule.BaseConfidence, 1e-9)
}

func TestRegistry_RejectsDuplicateIDs(t *testing.T) {
	ruleList := append(SeedRules(), SeedRules()[0])
	_, err := NewRegistry(ruleList)
	assert.ErrorContains(t, err, "duplicate rule ID")
}

func TestRegistry_ByIDUnknown(t *testing.T) {
	registry, err := NewRegistry(SeedRules())
	require.NoError(t, err)
	assert.Nil(t, registry.ByID("no-such-rule"))
}

func TestLoadDir_ReadsYAMLRules(t *testing.T) {
	dir := t.TempDir()

	ruleYAML := `rules:
  - id: dns_tunnel
    name: Oversized DNS responses
    conditions:
      - op: equals
        field: protocol
        value: dns
      - op: greater_than
        field: bytes_received
        number: 4096
      - op: same_value
        field: source_ip
    threshold: 10
    severity: high
    base_confidence: 0.65
    action: create_alert
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dns.yaml"), []byte(ruleYAML), 0o644))

	loaded := LoadDir(dir, testLogger())
	registry, err := NewRegistry(loaded)
	require.NoError(t, err)

	assert.Equal(t, len(SeedRules())+1, registry.Len())
	rule := registry.ByID("dns_tunnel")
	require.NotNil(t, rule)
	assert.Equal(t, 10, rule.Threshold)
	assert.Equal(t, ActionCreateAlert, rule.Action)
}

func TestLoadDir_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("rules: [nonsense"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_rule.yaml"), []byte(`rules:
  - id: nameless
    conditions:
      - op: equals
        field: type
        value: x
    threshold: 1
    severity: low
    action: none
`), 0o644))

	loaded := LoadDir(dir, testLogger())
	// Both files are skipped; the seed set still loads.
	assert.Len(t, loaded, len(SeedRules()))
}

func TestLoadDir_MissingDirFallsBackToSeeds(t *testing.T) {
	loaded := LoadDir("/nonexistent/rules.d", testLogger())
	assert.Len(t, loaded, len(SeedRules()))
}
