package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/netsentry/netsentry/internal/classify"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
)

// NATS subjects for the observation pipeline.
const (
	SubjectObservations = "traffic.observations"
	SubjectVerdicts     = "netsentry.verdicts"
)

// Subscriber consumes traffic observations from NATS and drives the
// classify + correlate pipeline.
type Subscriber struct {
	nc         *nats.Conn
	classifier *classify.Classifier
	history    *classify.History
	detector   *detect.Detector
	geo        *classify.GeoResolver
	metrics    *metrics.Metrics
	logger     *slog.Logger
	queue      string

	sub *nats.Subscription
}

// NewSubscriber creates a subscriber. geo may be nil when no GeoIP
// database is configured.
func NewSubscriber(nc *nats.Conn, classifier *classify.Classifier, history *classify.History, detector *detect.Detector, geo *classify.GeoResolver, m *metrics.Metrics, logger *slog.Logger, queue string) *Subscriber {
	return &Subscriber{
		nc:         nc,
		classifier: classifier,
		history:    history,
		detector:   detector,
		geo:        geo,
		metrics:    m,
		logger:     logger,
		queue:      queue,
	}
}

// Subscribe starts consuming observations and blocks until the context is
// cancelled, then drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(SubjectObservations, s.queue, s.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectObservations, err)
	}
	s.sub = sub
	s.logger.Info("Subscribed to observations", "subject", SubjectObservations, "queue", s.queue)

	<-ctx.Done()

	s.logger.Info("Draining observation subscription")
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	start := time.Now()

	event, err := s.parseEvent(msg.Data)
	if err != nil {
		s.metrics.EventsInvalid.Inc()
		s.logger.Error("Failed to parse observation", "error", err, "data_length", len(msg.Data))
		return
	}

	s.Process(context.Background(), event, time.Now())

	s.metrics.EventsProcessed.Inc()
	s.metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
}

// Process runs one observation through enrichment, classification, and
// correlation. The verdict goes back to the pipeline on the verdicts
// subject; malicious events are tagged before they enter the buffer so
// tag-based rules can see them.
func (s *Subscriber) Process(ctx context.Context, event *model.Event, now time.Time) model.ThreatVerdict {
	s.geo.Enrich(event)

	// Classify against the baseline as it stood before this event, then
	// fold the event into the history.
	verdict := s.classifier.Classify(event, now)
	s.history.Observe(event, now)
	if verdict.IsMalicious {
		s.metrics.VerdictsMalicious.Inc()
		event.Tags = appendMissing(event.Tags, "malicious")
		for _, threat := range verdict.ThreatTypes {
			event.Tags = appendMissing(event.Tags, threat)
		}
		s.publishVerdict(event, verdict)
	}

	s.detector.Process(ctx, event, now)
	return verdict
}

func (s *Subscriber) parseEvent(data []byte) (*model.Event, error) {
	var event model.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Protocol == "" {
		return nil, fmt.Errorf("observation missing protocol")
	}
	return &event, nil
}

// publishVerdict notifies the pipeline of a malicious classification.
// Fire-and-forget.
func (s *Subscriber) publishVerdict(event *model.Event, verdict model.ThreatVerdict) {
	if s.nc == nil || !s.nc.IsConnected() {
		return
	}

	payload, err := json.Marshal(struct {
		EventID string `json:"event_id"`
		model.ThreatVerdict
	}{EventID: event.ID, ThreatVerdict: verdict})
	if err != nil {
		s.logger.Error("Failed to marshal verdict", "event_id", event.ID, "error", err)
		return
	}

	if err := s.nc.Publish(SubjectVerdicts, payload); err != nil {
		s.logger.Warn("Failed to publish verdict", "event_id", event.ID, "error", err)
	}
}

func appendMissing(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
