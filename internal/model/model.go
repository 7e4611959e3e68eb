package model

import (
	"time"
)

// Severity levels for correlations and findings
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityLevel returns a comparable rank for a severity string.
// Unknown severities rank below "low".
func SeverityLevel(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ValidSeverity reports whether severity is one of the known levels.
func ValidSeverity(severity string) bool {
	return SeverityLevel(severity) > 0
}

// Threat types produced by the classifier
const (
	ThreatScanning          = "scanning"
	ThreatDDoS              = "ddos"
	ThreatDataExfiltration  = "data_exfiltration"
	ThreatGeoAnomaly        = "geo_anomaly"
	ThreatProtocolViolation = "protocol_violation"
	ThreatMalware           = "malware"
)

// Event represents a single recorded network traffic observation.
// Events are immutable once created; the buffer and detector hold
// references, never mutated copies.
type Event struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type"`
	SourceIP        string    `json:"source_ip,omitempty"`
	DestinationIP   string    `json:"destination_ip,omitempty"`
	DestinationPort int       `json:"destination_port,omitempty"`
	Protocol        string    `json:"protocol"`
	BytesSent       int64     `json:"bytes_sent"`
	BytesReceived   int64     `json:"bytes_received"`
	CircuitID       string    `json:"circuit_id,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	SourceCountry   string    `json:"source_country,omitempty"`
	DestCountry     string    `json:"dest_country,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	RequestedDomain string    `json:"requested_domain,omitempty"`
	ReputationScore *float64  `json:"reputation_score,omitempty"`
}

// HasTag reports whether the event carries the given tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CorrelationMetadata summarizes the matched event set of a correlation.
type CorrelationMetadata struct {
	EventCount           int `json:"event_count"`
	DistinctSources      int `json:"distinct_sources"`
	DistinctDestinations int `json:"distinct_destinations"`
	DistinctProtocols    int `json:"distinct_protocols"`
}

// Correlation is a derived finding that a rule's conditions were satisfied
// by a set of buffered events. Immutable after creation; persisted once,
// never updated.
type Correlation struct {
	ID            string              `json:"id"`
	RuleID        string              `json:"rule_id"`
	RuleName      string              `json:"rule_name,omitempty"`
	MatchedEvents []*Event            `json:"matched_events,omitempty"`
	Severity      string              `json:"severity"`
	Confidence    float64             `json:"confidence"`
	Timestamp     time.Time           `json:"timestamp"`
	Metadata      CorrelationMetadata `json:"metadata"`
	Federated     bool                `json:"federated"`
	FederatedFrom string              `json:"federated_from,omitempty"`
}

// ThreatVerdict is the per-event heuristic classification. It is returned
// to the ingestion caller, never persisted by the engine itself.
type ThreatVerdict struct {
	ThreatTypes []string `json:"threat_types"`
	ThreatLevel string   `json:"threat_level"`
	Confidence  float64  `json:"confidence"`
	IsMalicious bool     `json:"is_malicious"`
}

// HasThreat reports whether the verdict includes the given threat type.
func (v *ThreatVerdict) HasThreat(threatType string) bool {
	for _, t := range v.ThreatTypes {
		if t == threatType {
			return true
		}
	}
	return false
}

// AlertDraft is the engine's request for alert creation. Delivery is the
// alerting subsystem's concern.
type AlertDraft struct {
	CorrelationID string    `json:"correlation_id"`
	RuleID        string    `json:"rule_id"`
	Title         string    `json:"title"`
	Severity      string    `json:"severity"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
}

// CorrelationSummary is the redacted projection of a Correlation shared
// across trust boundaries: capped source/destination lists, no event
// payloads.
type CorrelationSummary struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	Severity     string              `json:"severity"`
	Confidence   float64             `json:"confidence"`
	Summary      string              `json:"summary"`
	Sources      []string            `json:"sources,omitempty"`
	Destinations []string            `json:"destinations,omitempty"`
	Metadata     CorrelationMetadata `json:"metadata"`
}

// FederatedMessage is the wire entity exchanged between peer nodes. The
// signature covers the correlation+source+timestamp tuple.
type FederatedMessage struct {
	Type        string             `json:"type"`
	Source      string             `json:"source"`
	Timestamp   string             `json:"timestamp"`
	Correlation CorrelationSummary `json:"correlation"`
	Signature   string             `json:"signature"`
}
