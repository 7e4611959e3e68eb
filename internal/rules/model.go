package rules

// Condition operators. The first group narrows the relevant event set
// per-event; the second group (same_value, within_window,
// distinct_count_at_least) is aggregate-only and always passes the
// per-event filter. Rule authors must order narrowing conditions before
// aggregate ones, or the aggregate pass runs against an unnarrowed set.
const (
	OpEquals               = "equals"
	OpNotEquals            = "not_equals"
	OpGreaterThan          = "greater_than"
	OpLessThan             = "less_than"
	OpContains             = "contains"
	OpNotIn                = "not_in"
	OpSameValue            = "same_value"
	OpWithinWindow         = "within_window"
	OpDistinctCountAtLeast = "distinct_count_at_least"
)

// Rule actions
const (
	ActionRaiseThreat = "raise_threat"
	ActionCreateAlert = "create_alert"
	ActionNone        = "none"
)

// Condition is one clause of a correlation rule. Fields beyond Op are
// operator-specific: Value for equals/not_equals/contains, Number for
// greater_than/less_than, Values for not_in, WindowMs for within_window,
// MinDistinct for distinct_count_at_least.
type Condition struct {
	Op          string   `yaml:"op" json:"op"`
	Field       string   `yaml:"field,omitempty" json:"field,omitempty"`
	Value       string   `yaml:"value,omitempty" json:"value,omitempty"`
	Number      float64  `yaml:"number,omitempty" json:"number,omitempty"`
	Values      []string `yaml:"values,omitempty" json:"values,omitempty"`
	WindowMs    int64    `yaml:"window_ms,omitempty" json:"window_ms,omitempty"`
	MinDistinct int      `yaml:"min_distinct,omitempty" json:"min_distinct,omitempty"`
}

// Rule is a declarative correlation rule. Conditions are evaluated in
// order and compiled into typed accessors at load time.
type Rule struct {
	ID             string      `yaml:"id" json:"id"`
	Name           string      `yaml:"name" json:"name"`
	Conditions     []Condition `yaml:"conditions" json:"conditions"`
	Threshold      int         `yaml:"threshold" json:"threshold"`
	Severity       string      `yaml:"severity" json:"severity"`
	BaseConfidence float64     `yaml:"base_confidence" json:"base_confidence"`
	Action         string      `yaml:"action" json:"action"`

	compiled []compiledCondition
}

// ValidationError represents a rule validation error
type ValidationError struct {
	RuleID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.RuleID != "" {
		return e.RuleID + ": " + e.Field + ": " + e.Message
	}
	return e.Field + ": " + e.Message
}
