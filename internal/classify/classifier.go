package classify

import (
	"strings"
	"time"

	"github.com/netsentry/netsentry/internal/model"
)

// scannedPorts is the fixed well-known port set the scanning check
// watches.
var scannedPorts = map[int]bool{
	21: true, 22: true, 23: true, 25: true, 53: true,
	110: true, 135: true, 139: true, 143: true, 445: true,
	993: true, 995: true, 1433: true, 3306: true, 3389: true,
	5432: true, 5900: true, 6379: true, 8080: true,
}

// canonicalPorts maps a declared protocol to its canonical destination
// port for the protocol-violation check.
var canonicalPorts = map[string]int{
	"http":       80,
	"https":      443,
	"ssh":        22,
	"ftp":        21,
	"dns":        53,
	"smtp":       25,
	"telnet":     23,
	"pop3":       110,
	"imap":       143,
	"rdp":        3389,
	"smb":        445,
	"mysql":      3306,
	"postgresql": 5432,
	"redis":      6379,
}

// malwareIndicators are matched as substrings against the user agent and
// requested domain.
var malwareIndicators = []string{
	"botnet", "trojan", "malware", "miner", "keylog",
	"cobaltstrike", "metasploit", "nikto", "sqlmap",
	"masscan", "zgrab", "dirbuster",
}

// topCountryCount is the size of the historical top-N country set the geo
// anomaly check consults.
const topCountryCount = 5

// Per-check confidence increments.
const (
	confMalware           = 0.9
	confDDoS              = 0.8
	confDataExfiltration  = 0.7
	confScanning          = 0.6
	confGeoAnomaly        = 0.5
	confProtocolViolation = 0.4
)

// maliciousFloor is the minimum aggregate confidence for isMalicious.
const maliciousFloor = 0.3

// Classifier produces per-event threat verdicts. Classification is pure:
// the history view is read-only and shared state is never mutated.
type Classifier struct {
	history *History

	connRateThreshold float64
	exfilThreshold    int64
	geoThreshold      float64
}

// NewClassifier creates a classifier over the given history view.
func NewClassifier(history *History, connRateThreshold float64, exfilThreshold int64, geoThreshold float64) *Classifier {
	return &Classifier{
		history:           history,
		connRateThreshold: connRateThreshold,
		exfilThreshold:    exfilThreshold,
		geoThreshold:      geoThreshold,
	}
}

// checkLevel is the threat level a check contributes when it is the only
// one that fired.
var checkLevel = map[string]string{
	model.ThreatMalware:           model.SeverityCritical,
	model.ThreatDDoS:              model.SeverityHigh,
	model.ThreatDataExfiltration:  model.SeverityHigh,
	model.ThreatScanning:          model.SeverityMedium,
	model.ThreatGeoAnomaly:        model.SeverityMedium,
	model.ThreatProtocolViolation: model.SeverityLow,
}

// Classify scores a single observation. The reported confidence is the
// raw sum of check increments; callers treat values above 1 as very high.
func (c *Classifier) Classify(e *model.Event, now time.Time) model.ThreatVerdict {
	var threats []string
	var confidence float64

	if scannedPorts[e.DestinationPort] {
		threats = append(threats, model.ThreatScanning)
		confidence += confScanning
	}

	if e.DestinationIP != "" && c.history.ConnectionRate(e.DestinationIP, now) > c.connRateThreshold {
		threats = append(threats, model.ThreatDDoS)
		confidence += confDDoS
	}

	if e.BytesSent+e.BytesReceived > c.exfilThreshold {
		threats = append(threats, model.ThreatDataExfiltration)
		confidence += confDataExfiltration
	}

	if c.isGeoAnomaly(e) {
		threats = append(threats, model.ThreatGeoAnomaly)
		confidence += confGeoAnomaly
	}

	if c.isProtocolViolation(e) {
		threats = append(threats, model.ThreatProtocolViolation)
		confidence += confProtocolViolation
	}

	if c.hasMalwareIndicator(e) {
		threats = append(threats, model.ThreatMalware)
		confidence += confMalware
	}

	return model.ThreatVerdict{
		ThreatTypes: threats,
		ThreatLevel: resolveLevel(threats),
		Confidence:  confidence,
		IsMalicious: len(threats) > 0 && confidence > maliciousFloor,
	}
}

// isGeoAnomaly fires when the destination country is absent from the
// source's historical top-N set and its historical frequency is below the
// threshold. Sources with no baseline never anomaly.
func (c *Classifier) isGeoAnomaly(e *model.Event) bool {
	if e.SourceIP == "" || e.DestCountry == "" {
		return false
	}

	share, known := c.history.CountryShare(e.SourceIP, e.DestCountry)
	if !known {
		return false
	}
	if share >= c.geoThreshold {
		return false
	}
	for _, country := range c.history.TopCountries(e.SourceIP, topCountryCount) {
		if country == e.DestCountry {
			return false
		}
	}
	return true
}

func (c *Classifier) isProtocolViolation(e *model.Event) bool {
	if e.DestinationPort == 0 {
		return false
	}
	canonical, known := canonicalPorts[strings.ToLower(e.Protocol)]
	return known && canonical != e.DestinationPort
}

func (c *Classifier) hasMalwareIndicator(e *model.Event) bool {
	agent := strings.ToLower(e.UserAgent)
	domain := strings.ToLower(e.RequestedDomain)
	if agent == "" && domain == "" {
		return false
	}
	for _, indicator := range malwareIndicators {
		if (agent != "" && strings.Contains(agent, indicator)) ||
			(domain != "" && strings.Contains(domain, indicator)) {
			return true
		}
	}
	return false
}

// resolveLevel picks the verdict threat level, highest rule first:
// malware is critical, ddos or exfiltration is high, two or more distinct
// types are at least medium, a single type keeps its check's level.
func resolveLevel(threats []string) string {
	if len(threats) == 0 {
		return model.SeverityLow
	}
	for _, t := range threats {
		if t == model.ThreatMalware {
			return model.SeverityCritical
		}
	}
	for _, t := range threats {
		if t == model.ThreatDDoS || t == model.ThreatDataExfiltration {
			return model.SeverityHigh
		}
	}
	if len(threats) >= 2 {
		return model.SeverityMedium
	}
	return checkLevel[threats[0]]
}
