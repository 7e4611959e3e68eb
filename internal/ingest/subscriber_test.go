package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsentry/netsentry/internal/buffer"
	"github.com/netsentry/netsentry/internal/classify"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/rules"
)

// Collectors register once per test binary.
var testMetrics = metrics.NewMetrics()

type captureSink struct {
	persisted []*model.Correlation
	published []*model.Correlation
}

func (s *captureSink) Persist(_ context.Context, c *model.Correlation) error {
	s.persisted = append(s.persisted, c)
	return nil
}

func (s *captureSink) RequestAlert(_ context.Context, _ *model.AlertDraft) (string, error) {
	return "alert-1", nil
}

func (s *captureSink) Publish(c *model.Correlation) {
	s.published = append(s.published, c)
}

func newTestSubscriber(t *testing.T) (*Subscriber, *captureSink) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := rules.NewRegistry(rules.SeedRules())
	require.NoError(t, err)

	findings := &captureSink{}
	buf := buffer.New(1000, 10*time.Minute)
	detector := detect.NewDetector(buf, registry, findings, nil, testMetrics, logger)

	history := classify.NewHistory()
	classifier := classify.NewClassifier(history, 100, 100*1024*1024, 0.1)

	sub := NewSubscriber(nil, classifier, history, detector, nil, testMetrics, logger, "netsentry")
	return sub, findings
}

func TestParseEvent(t *testing.T) {
	sub, _ := newTestSubscriber(t)

	event, err := sub.parseEvent([]byte(`{"id":"ev-1","protocol":"tcp","source_ip":"10.0.0.1"}`))
	require.NoError(t, err)
	assert.Equal(t, "ev-1", event.ID)
	assert.Equal(t, "tcp", event.Protocol)
	assert.False(t, event.Timestamp.IsZero())
}

func TestParseEvent_DefaultsID(t *testing.T) {
	sub, _ := newTestSubscriber(t)

	event, err := sub.parseEvent([]byte(`{"protocol":"udp"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
}

func TestParseEvent_Rejects(t *testing.T) {
	sub, _ := newTestSubscriber(t)

	_, err := sub.parseEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = sub.parseEvent([]byte(`{"id":"ev-1"}`))
	assert.ErrorContains(t, err, "missing protocol")
}

func TestProcess_TagsMaliciousEvents(t *testing.T) {
	sub, _ := newTestSubscriber(t)

	event := &model.Event{
		ID:              "ev-1",
		Type:            "connection",
		SourceIP:        "10.0.0.1",
		DestinationIP:   "192.168.1.50",
		DestinationPort: 22,
		Protocol:        "tcp",
		Timestamp:       time.Now(),
	}

	verdict := sub.Process(context.Background(), event, time.Now())

	assert.True(t, verdict.IsMalicious)
	assert.True(t, event.HasTag("malicious"))
	assert.True(t, event.HasTag(model.ThreatScanning))
}

func TestProcess_LeavesCleanEventsUntagged(t *testing.T) {
	sub, _ := newTestSubscriber(t)

	event := &model.Event{
		ID:              "ev-1",
		Type:            "connection",
		SourceIP:        "10.0.0.1",
		DestinationPort: 443,
		Protocol:        "https",
		Timestamp:       time.Now(),
	}

	verdict := sub.Process(context.Background(), event, time.Now())

	assert.False(t, verdict.IsMalicious)
	assert.Empty(t, event.Tags)
}

func TestProcess_TaggedEventsDriveTagRules(t *testing.T) {
	sub, findings := newTestSubscriber(t)

	// Three classified-malicious events on one circuit trip the circuit
	// correlation rule.
	now := time.Now()
	for i := 0; i < 3; i++ {
		sub.Process(context.Background(), &model.Event{
			ID:              fmt.Sprintf("ev-%d", i),
			Type:            "connection",
			SourceIP:        "10.0.0.1",
			DestinationIP:   "192.168.1.50",
			DestinationPort: 22,
			Protocol:        "tcp",
			CircuitID:       "circ-7",
			Timestamp:       now,
		}, now)
	}

	require.NotEmpty(t, findings.published)
	var matched bool
	for _, c := range findings.published {
		if c.RuleID == "circuit_malicious_correlation" {
			matched = true
		}
	}
	assert.True(t, matched)
}
