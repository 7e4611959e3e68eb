package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/sink"
)

// Federation error taxonomy. Both reject the inbound message outright;
// neither is retried or partially trusted.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedMessage = errors.New("malformed federated message")
)

// summaryListCap bounds the source/destination lists shared with peers.
const summaryListCap = 3

// messageSchema validates the shape of inbound messages before any field
// is trusted. Signature verification runs after this gate.
const messageSchema = `{
	"type": "object",
	"required": ["type", "source", "timestamp", "correlation", "signature"],
	"properties": {
		"type": {"type": "string", "enum": ["correlation"]},
		"source": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"signature": {"type": "string", "minLength": 1},
		"correlation": {
			"type": "object",
			"required": ["id", "severity", "confidence"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
				"confidence": {"type": "number", "minimum": 0}
			}
		}
	}
}`

// Gateway signs and fans out local correlations to peer endpoints, and
// verifies and ingests correlations received from peers.
type Gateway struct {
	nodeID    string
	endpoints []string
	signer    Signer
	keys      KeyDirectory
	cipher    *Cipher
	compress  bool
	timeout   time.Duration

	client  *http.Client
	schema  *gojsonschema.Schema
	sink    sink.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	inflight sync.WaitGroup
}

var _ detect.Sharer = (*Gateway)(nil)

// NewGateway creates a federation gateway. cipher may be nil for
// unencrypted payloads.
func NewGateway(nodeID string, endpoints []string, signer Signer, keys KeyDirectory, cphr *Cipher, compress bool, timeout time.Duration, findings sink.Sink, m *metrics.Metrics, logger *slog.Logger) (*Gateway, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(messageSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile message schema: %w", err)
	}

	return &Gateway{
		nodeID:    nodeID,
		endpoints: endpoints,
		signer:    signer,
		keys:      keys,
		cipher:    cphr,
		compress:  compress,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		schema:    schema,
		sink:      findings,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Share signs a locally detected correlation and delivers it to every
// configured peer endpoint independently. Best-effort: a failed endpoint
// is logged and the rest still receive the message; the correlation's
// local processing is already complete. Federated correlations are never
// re-shared.
func (g *Gateway) Share(c *model.Correlation) {
	if c == nil || c.Federated || len(g.endpoints) == 0 {
		return
	}

	msg, err := g.buildMessage(c)
	if err != nil {
		g.logger.Error("Failed to build federated message", "correlation_id", c.ID, "error", err)
		return
	}

	serialized, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error("Failed to marshal federated message", "correlation_id", c.ID, "error", err)
		return
	}

	body, err := encodeBody(serialized, g.cipher, g.compress)
	if err != nil {
		g.logger.Error("Failed to encode federated payload", "correlation_id", c.ID, "error", err)
		return
	}

	for _, endpoint := range g.endpoints {
		g.inflight.Add(1)
		go func(endpoint string) {
			defer g.inflight.Done()
			g.deliver(endpoint, body, c.ID)
		}(endpoint)
	}
}

// Wait blocks until in-flight deliveries complete. Each delivery is
// already bounded by the gateway timeout.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) buildMessage(c *model.Correlation) (*model.FederatedMessage, error) {
	msg := &model.FederatedMessage{
		Type:        "correlation",
		Source:      g.nodeID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Correlation: buildSummary(c),
	}

	payload, err := signingPayload(msg)
	if err != nil {
		return nil, err
	}
	signature, err := g.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	msg.Signature = signature
	return msg, nil
}

func (g *Gateway) deliver(endpoint string, body []byte, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		g.metrics.FederationSendErrors.Inc()
		g.logger.Warn("Failed to build federation request", "endpoint", endpoint, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.metrics.FederationSendErrors.Inc()
		g.logger.Warn("Federation delivery failed",
			"endpoint", endpoint, "correlation_id", correlationID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		g.metrics.FederationSendErrors.Inc()
		g.logger.Warn("Federation delivery rejected by peer",
			"endpoint", endpoint, "correlation_id", correlationID, "status", resp.StatusCode)
		return
	}

	g.metrics.FederationSent.Inc()
	g.logger.Debug("Delivered federated correlation",
		"endpoint", endpoint, "correlation_id", correlationID)
}

// HandleInbound verifies and ingests a received message body. The message
// moves Received -> Verified -> Ingested, or is Rejected; there is no
// retry state. Verified messages reach the findings sink exactly as a
// local correlation would, but are never re-federated.
func (g *Gateway) HandleInbound(ctx context.Context, body []byte) (*model.Correlation, error) {
	serialized, err := decodeBody(body, g.cipher)
	if err != nil {
		g.metrics.FederationRejected.WithLabelValues("malformed").Inc()
		return nil, err
	}

	result, err := g.schema.Validate(gojsonschema.NewBytesLoader(serialized))
	if err != nil {
		g.metrics.FederationRejected.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !result.Valid() {
		g.metrics.FederationRejected.WithLabelValues("malformed").Inc()
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, details)
	}

	var msg model.FederatedMessage
	if err := json.Unmarshal(serialized, &msg); err != nil {
		g.metrics.FederationRejected.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	verifier, err := g.keys.VerifierFor(msg.Source)
	if err != nil {
		g.metrics.FederationRejected.WithLabelValues("unknown_source").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	payload, err := signingPayload(&msg)
	if err != nil {
		g.metrics.FederationRejected.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := verifier.Verify(payload, msg.Signature); err != nil {
		g.metrics.FederationRejected.WithLabelValues("invalid_signature").Inc()
		g.logger.Warn("Rejected federated message", "source", msg.Source, "error", err)
		if errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	c := correlationFromMessage(&msg)

	if err := g.sink.Persist(ctx, c); err != nil {
		g.metrics.PersistErrors.Inc()
		g.logger.Warn("Failed to persist federated correlation, continuing with publish",
			"correlation_id", c.ID, "error", err)
	}
	g.sink.Publish(c)

	g.metrics.FederationReceived.Inc()
	g.logger.Info("Ingested federated correlation",
		"correlation_id", c.ID, "source", msg.Source, "severity", c.Severity)

	return c, nil
}

func buildSummary(c *model.Correlation) model.CorrelationSummary {
	var sources, destinations []string
	seenSrc := make(map[string]bool)
	seenDst := make(map[string]bool)
	for _, e := range c.MatchedEvents {
		if e.SourceIP != "" && !seenSrc[e.SourceIP] && len(sources) < summaryListCap {
			seenSrc[e.SourceIP] = true
			sources = append(sources, e.SourceIP)
		}
		if e.DestinationIP != "" && !seenDst[e.DestinationIP] && len(destinations) < summaryListCap {
			seenDst[e.DestinationIP] = true
			destinations = append(destinations, e.DestinationIP)
		}
	}

	return model.CorrelationSummary{
		ID:           c.ID,
		Type:         c.RuleID,
		Severity:     c.Severity,
		Confidence:   c.Confidence,
		Summary:      fmt.Sprintf("%s matched %d events", c.RuleName, c.Metadata.EventCount),
		Sources:      sources,
		Destinations: destinations,
		Metadata:     c.Metadata,
	}
}

func correlationFromMessage(msg *model.FederatedMessage) *model.Correlation {
	confidence := msg.Correlation.Confidence
	if confidence > detect.ConfidenceCeiling {
		confidence = detect.ConfidenceCeiling
	}

	timestamp, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		timestamp = time.Now().UTC()
	}

	return &model.Correlation{
		ID:            msg.Correlation.ID,
		RuleID:        msg.Correlation.Type,
		RuleName:      msg.Correlation.Summary,
		Severity:      msg.Correlation.Severity,
		Confidence:    confidence,
		Timestamp:     timestamp,
		Metadata:      msg.Correlation.Metadata,
		Federated:     true,
		FederatedFrom: msg.Source,
	}
}
