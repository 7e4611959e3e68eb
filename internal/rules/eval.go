package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/netsentry/netsentry/internal/model"
)

// stringAccessor reads a string-valued field from an event. The bool
// result reports whether the field is set (non-null).
type stringAccessor func(e *model.Event) (string, bool)

// numberAccessor reads a numeric field from an event.
type numberAccessor func(e *model.Event) (float64, bool)

var stringFields = map[string]stringAccessor{
	"id":        func(e *model.Event) (string, bool) { return e.ID, e.ID != "" },
	"type":      func(e *model.Event) (string, bool) { return e.Type, e.Type != "" },
	"source_ip": func(e *model.Event) (string, bool) { return e.SourceIP, e.SourceIP != "" },
	"destination_ip": func(e *model.Event) (string, bool) {
		return e.DestinationIP, e.DestinationIP != ""
	},
	"protocol":   func(e *model.Event) (string, bool) { return e.Protocol, e.Protocol != "" },
	"circuit_id": func(e *model.Event) (string, bool) { return e.CircuitID, e.CircuitID != "" },
	"source_country": func(e *model.Event) (string, bool) {
		return e.SourceCountry, e.SourceCountry != ""
	},
	"dest_country": func(e *model.Event) (string, bool) { return e.DestCountry, e.DestCountry != "" },
	"user_agent":   func(e *model.Event) (string, bool) { return e.UserAgent, e.UserAgent != "" },
	"requested_domain": func(e *model.Event) (string, bool) {
		return e.RequestedDomain, e.RequestedDomain != ""
	},
	"tags": func(e *model.Event) (string, bool) {
		return strings.Join(e.Tags, ","), len(e.Tags) > 0
	},
}

var numberFields = map[string]numberAccessor{
	"destination_port": func(e *model.Event) (float64, bool) {
		return float64(e.DestinationPort), e.DestinationPort > 0
	},
	"bytes_sent":     func(e *model.Event) (float64, bool) { return float64(e.BytesSent), true },
	"bytes_received": func(e *model.Event) (float64, bool) { return float64(e.BytesReceived), true },
	"bytes_total": func(e *model.Event) (float64, bool) {
		return float64(e.BytesSent + e.BytesReceived), true
	},
	// Nullable: a score of exactly 0 is a real (worst-case) value, only a
	// missing field is unset.
	"reputation_score": func(e *model.Event) (float64, bool) {
		if e.ReputationScore == nil {
			return 0, false
		}
		return *e.ReputationScore, true
	},
}

// compiledCondition binds a condition to the accessors its operator needs,
// resolved once at rule load time.
type compiledCondition struct {
	cond      Condition
	getString stringAccessor
	getNumber numberAccessor
	notInSet  map[string]bool
}

// valueOf returns the condition's field value as a string, falling back to
// the numeric accessor for numeric fields.
func (c *compiledCondition) valueOf(e *model.Event) (string, bool) {
	if c.getString != nil {
		return c.getString(e)
	}
	if c.getNumber != nil {
		v, ok := c.getNumber(e)
		return strconv.FormatFloat(v, 'f', -1, 64), ok
	}
	return "", false
}

// matchesEvent is the per-event narrowing pass. Aggregate operators
// (same_value, within_window, distinct_count_at_least) always pass here
// and only gate in the aggregate pass; see the ordering note in model.go.
func (c *compiledCondition) matchesEvent(e *model.Event) bool {
	switch c.cond.Op {
	case OpEquals:
		v, ok := c.valueOf(e)
		return ok && v == c.cond.Value
	case OpNotEquals:
		v, _ := c.valueOf(e)
		return v != c.cond.Value
	case OpGreaterThan:
		v, ok := c.getNumber(e)
		return ok && v > c.cond.Number
	case OpLessThan:
		v, ok := c.getNumber(e)
		return ok && v < c.cond.Number
	case OpContains:
		v, ok := c.valueOf(e)
		return ok && strings.Contains(v, c.cond.Value)
	case OpNotIn:
		v, _ := c.valueOf(e)
		return !c.notInSet[v]
	default:
		return true
	}
}

// evaluateAggregate is the gating pass over the full relevant set. Simple
// operators already narrowed the set and pass trivially here.
func (c *compiledCondition) evaluateAggregate(events []*model.Event) bool {
	switch c.cond.Op {
	case OpSameValue:
		if len(events) < 2 {
			return true
		}
		first, _ := c.valueOf(events[0])
		for _, e := range events[1:] {
			if v, _ := c.valueOf(e); v != first {
				return false
			}
		}
		return true
	case OpWithinWindow:
		if len(events) < 2 {
			return true
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
		// Boundary inclusive: a span of exactly WindowMs passes.
		return maxTS.Sub(minTS) <= time.Duration(c.cond.WindowMs)*time.Millisecond
	case OpDistinctCountAtLeast:
		distinct := make(map[string]bool)
		for _, e := range events {
			if v, ok := c.valueOf(e); ok {
				distinct[v] = true
			}
		}
		return len(distinct) >= c.cond.MinDistinct
	default:
		return true
	}
}

// Compile validates the rule and resolves its condition accessors.
func (r *Rule) Compile() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "rule ID is required"}
	}
	if r.Name == "" {
		return &ValidationError{RuleID: r.ID, Field: "name", Message: "rule name is required"}
	}
	if r.Threshold < 1 {
		return &ValidationError{RuleID: r.ID, Field: "threshold", Message: "threshold must be at least 1"}
	}
	if !model.ValidSeverity(r.Severity) {
		return &ValidationError{RuleID: r.ID, Field: "severity", Message: "invalid severity, must be low/medium/high/critical"}
	}
	if r.BaseConfidence < 0 || r.BaseConfidence > 1 {
		return &ValidationError{RuleID: r.ID, Field: "base_confidence", Message: "base confidence must be between 0.0 and 1.0"}
	}
	switch r.Action {
	case ActionRaiseThreat, ActionCreateAlert, ActionNone:
	default:
		return &ValidationError{RuleID: r.ID, Field: "action", Message: "invalid action, must be raise_threat/create_alert/none"}
	}
	if len(r.Conditions) == 0 {
		return &ValidationError{RuleID: r.ID, Field: "conditions", Message: "at least one condition is required"}
	}

	r.compiled = make([]compiledCondition, 0, len(r.Conditions))
	for i, cond := range r.Conditions {
		cc, err := compileCondition(r.ID, i, cond)
		if err != nil {
			return err
		}
		r.compiled = append(r.compiled, cc)
	}
	return nil
}

func compileCondition(ruleID string, idx int, cond Condition) (compiledCondition, error) {
	cc := compiledCondition{cond: cond}
	field := "conditions[" + strconv.Itoa(idx) + "]"

	needsField := cond.Op != OpWithinWindow
	if needsField {
		cc.getString = stringFields[cond.Field]
		cc.getNumber = numberFields[cond.Field]
		if cc.getString == nil && cc.getNumber == nil {
			return cc, &ValidationError{RuleID: ruleID, Field: field, Message: "unknown event field " + strconv.Quote(cond.Field)}
		}
	}

	switch cond.Op {
	case OpEquals, OpNotEquals, OpContains, OpSameValue, OpDistinctCountAtLeast:
	case OpGreaterThan, OpLessThan:
		if cc.getNumber == nil {
			return cc, &ValidationError{RuleID: ruleID, Field: field, Message: "field " + strconv.Quote(cond.Field) + " is not numeric"}
		}
	case OpNotIn:
		cc.notInSet = make(map[string]bool, len(cond.Values))
		for _, v := range cond.Values {
			cc.notInSet[v] = true
		}
	case OpWithinWindow:
		if cond.WindowMs <= 0 {
			return cc, &ValidationError{RuleID: ruleID, Field: field, Message: "within_window requires a positive window_ms"}
		}
	default:
		return cc, &ValidationError{RuleID: ruleID, Field: field, Message: "unknown operator " + strconv.Quote(cond.Op)}
	}

	if cond.Op == OpDistinctCountAtLeast && cond.MinDistinct < 1 {
		return cc, &ValidationError{RuleID: ruleID, Field: field, Message: "distinct_count_at_least requires min_distinct >= 1"}
	}

	return cc, nil
}

// MatchesEvent runs the per-event narrowing pass of every condition.
func (r *Rule) MatchesEvent(e *model.Event) bool {
	for i := range r.compiled {
		if !r.compiled[i].matchesEvent(e) {
			return false
		}
	}
	return true
}

// EvaluateAggregate runs the gating pass over the relevant event set,
// short-circuiting on the first failing condition.
func (r *Rule) EvaluateAggregate(events []*model.Event) bool {
	for i := range r.compiled {
		if !r.compiled[i].evaluateAggregate(events) {
			return false
		}
	}
	return true
}
