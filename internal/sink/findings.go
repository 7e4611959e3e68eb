package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/store"
)

// NATS subjects for findings output.
const (
	SubjectCorrelations = "netsentry.correlations"
	SubjectAlerts       = "netsentry.alerts"
)

// FindingsSink is the shipped Sink implementation: an in-memory store for
// the HTTP API, NATS publication for subscribers, and optional Postgres
// persistence.
type FindingsSink struct {
	store  *store.MemoryStore
	nc     *nats.Conn
	db     *PostgresStore
	logger *slog.Logger
}

// NewFindingsSink composes the sink. nc and db may be nil; the
// corresponding outputs are skipped.
func NewFindingsSink(memStore *store.MemoryStore, nc *nats.Conn, db *PostgresStore, logger *slog.Logger) *FindingsSink {
	return &FindingsSink{
		store:  memStore,
		nc:     nc,
		db:     db,
		logger: logger,
	}
}

// Persist adds the correlation to the in-memory store and, when
// configured, the database. A database failure is returned to the caller
// but the in-memory copy is already in place.
func (s *FindingsSink) Persist(ctx context.Context, c *model.Correlation) error {
	if !s.store.Add(c) {
		return nil // already persisted
	}
	if s.db != nil {
		if err := s.db.InsertCorrelation(ctx, c); err != nil {
			return fmt.Errorf("storage unavailable: %w", err)
		}
	}
	return nil
}

// RequestAlert publishes an alert draft for the alerting subsystem.
func (s *FindingsSink) RequestAlert(ctx context.Context, draft *model.AlertDraft) (string, error) {
	alertID := uuid.NewString()

	if s.nc == nil || !s.nc.IsConnected() {
		return "", fmt.Errorf("NATS connection not available")
	}

	payload, err := json.Marshal(struct {
		AlertID string `json:"alert_id"`
		*model.AlertDraft
	}{AlertID: alertID, AlertDraft: draft})
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert draft: %w", err)
	}

	if err := s.nc.Publish(SubjectAlerts, payload); err != nil {
		return "", fmt.Errorf("failed to publish alert request: %w", err)
	}

	s.logger.Info("Requested alert",
		"alert_id", alertID,
		"correlation_id", draft.CorrelationID,
		"rule_id", draft.RuleID,
		"severity", draft.Severity)

	return alertID, nil
}

// Publish notifies real-time subscribers over NATS. Failures are logged
// and dropped.
func (s *FindingsSink) Publish(c *model.Correlation) {
	if s.nc == nil || !s.nc.IsConnected() {
		return
	}

	payload, err := json.Marshal(c)
	if err != nil {
		s.logger.Error("Failed to marshal correlation for publish", "correlation_id", c.ID, "error", err)
		return
	}

	headers := nats.Header{}
	headers.Set("x-correlation-id", c.ID)
	headers.Set("x-rule-id", c.RuleID)
	headers.Set("x-severity", c.Severity)
	headers.Set("x-federated", strconv.FormatBool(c.Federated))

	msg := &nats.Msg{
		Subject: SubjectCorrelations,
		Data:    payload,
		Header:  headers,
	}

	if err := s.nc.PublishMsg(msg); err != nil {
		s.logger.Warn("Failed to publish correlation", "correlation_id", c.ID, "error", err)
		return
	}

	s.logger.Debug("Published correlation",
		"correlation_id", c.ID,
		"rule_id", c.RuleID,
		"subject", SubjectCorrelations)
}

// Store exposes the in-memory store for the HTTP API.
func (s *FindingsSink) Store() *store.MemoryStore {
	return s.store
}
