package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/netsentry/netsentry/internal/buffer"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/rules"
	"github.com/netsentry/netsentry/internal/sink"
)

// Sharer forwards locally detected correlations to federation peers.
type Sharer interface {
	Share(c *model.Correlation)
}

// Detector matches incoming events against buffered history per rule and
// emits correlations through the findings sink.
type Detector struct {
	buf      *buffer.Buffer
	registry *rules.Registry
	sink     sink.Sink
	sharer   Sharer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDetector creates a detector. sharer may be nil when federation is
// disabled.
func NewDetector(buf *buffer.Buffer, registry *rules.Registry, findings sink.Sink, sharer Sharer, m *metrics.Metrics, logger *slog.Logger) *Detector {
	return &Detector{
		buf:      buf,
		registry: registry,
		sink:     findings,
		sharer:   sharer,
		metrics:  m,
		logger:   logger,
	}
}

// Process inserts the event into the buffer and sweeps every rule against
// it. Each matching rule emits its own correlation; a failure in one rule
// never stops the others.
func (d *Detector) Process(ctx context.Context, e *model.Event, now time.Time) []*model.Correlation {
	if e == nil {
		return nil
	}

	d.buf.Insert(e)

	var emitted []*model.Correlation
	for _, rule := range d.registry.All() {
		d.metrics.RulesEvaluated.Inc()

		c, err := d.evaluateRule(&rule, e, now)
		if err != nil {
			d.metrics.RuleEvaluationErrors.Inc()
			d.logger.Error("Rule evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if c == nil {
			continue
		}

		d.emit(ctx, c, &rule)
		emitted = append(emitted, c)
	}

	return emitted
}

// evaluateRule runs one rule against the event and buffered history.
// Panics are isolated to the failing rule.
func (d *Detector) evaluateRule(rule *rules.Rule, e *model.Event, now time.Time) (c *model.Correlation, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	// The incoming event triggers the rule only when it passes the rule's
	// own per-event conditions.
	if !rule.MatchesEvent(e) {
		return nil, nil
	}

	relevant := d.buf.Relevant(rule, e, now)
	if len(relevant) < rule.Threshold {
		return nil, nil
	}
	if !rule.EvaluateAggregate(relevant) {
		return nil, nil
	}

	return &model.Correlation{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		MatchedEvents: relevant,
		Severity:      rule.Severity,
		Confidence:    Score(rule, relevant),
		Timestamp:     now,
		Metadata:      buildMetadata(relevant),
	}, nil
}

// emit hands the correlation to the findings sink and offers it for
// federation. Persist failure degrades to publish-only.
func (d *Detector) emit(ctx context.Context, c *model.Correlation, rule *rules.Rule) {
	d.metrics.CorrelationsEmitted.WithLabelValues(c.Severity).Inc()

	d.logger.Info("Correlation detected",
		"correlation_id", c.ID,
		"rule_id", c.RuleID,
		"severity", c.Severity,
		"confidence", c.Confidence,
		"event_count", c.Metadata.EventCount)

	if err := d.sink.Persist(ctx, c); err != nil {
		d.metrics.PersistErrors.Inc()
		d.logger.Warn("Failed to persist correlation, continuing with publish",
			"correlation_id", c.ID, "error", err)
	}

	d.sink.Publish(c)

	if rule.Action == rules.ActionCreateAlert {
		draft := &model.AlertDraft{
			CorrelationID: c.ID,
			RuleID:        c.RuleID,
			Title:         rule.Name,
			Severity:      c.Severity,
			Confidence:    c.Confidence,
			Timestamp:     c.Timestamp,
		}
		if _, err := d.sink.RequestAlert(ctx, draft); err != nil {
			d.logger.Warn("Failed to request alert", "correlation_id", c.ID, "error", err)
		}
	}

	if d.sharer != nil && !c.Federated {
		d.sharer.Share(c)
	}
}

func buildMetadata(events []*model.Event) model.CorrelationMetadata {
	sources := make(map[string]bool)
	destinations := make(map[string]bool)
	protocols := make(map[string]bool)

	for _, e := range events {
		if e.SourceIP != "" {
			sources[e.SourceIP] = true
		}
		if e.DestinationIP != "" {
			destinations[e.DestinationIP] = true
		}
		if e.Protocol != "" {
			protocols[e.Protocol] = true
		}
	}

	return model.CorrelationMetadata{
		EventCount:           len(events),
		DistinctSources:      len(sources),
		DistinctDestinations: len(destinations),
		DistinctProtocols:    len(protocols),
	}
}
