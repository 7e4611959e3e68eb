package detect

import (
	"time"

	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/rules"
)

// ConfidenceCeiling caps every correlation confidence: automated
// correlation is never reported as certain.
const ConfidenceCeiling = 0.95

const (
	countBonusPerEvent      = 0.1
	specificityPerCondition = 0.05
	tightSpan               = 60 * time.Second
	looseSpan               = 300 * time.Second
	tightSpanBonus          = 0.2
	looseSpanBonus          = 0.1
)

// Score derives the confidence for a matched rule: base confidence plus
// bonuses for excess evidence, rule specificity, and temporal tightness,
// clamped to [0, ConfidenceCeiling].
func Score(rule *rules.Rule, matched []*model.Event) float64 {
	confidence := rule.BaseConfidence

	if excess := len(matched) - rule.Threshold; excess > 0 {
		confidence += countBonusPerEvent * float64(excess)
	}

	confidence += specificityPerCondition * float64(len(rule.Conditions))

	if span := eventSpan(matched); span < tightSpan {
		confidence += tightSpanBonus
	} else if span < looseSpan {
		confidence += looseSpanBonus
	}

	if confidence < 0 {
		return 0
	}
	if confidence > ConfidenceCeiling {
		return ConfidenceCeiling
	}
	return confidence
}

func eventSpan(events []*model.Event) time.Duration {
	if len(events) < 2 {
		return 0
	}
	minTS, maxTS := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(minTS) {
			minTS = e.Timestamp
		}
		if e.Timestamp.After(maxTS) {
			maxTS = e.Timestamp
		}
	}
	return maxTS.Sub(minTS)
}
