package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is the kind of operation a request wants to perform. Rule
// types use the same set: a rule only applies when its type equals the
// context's action.
type Action string

const (
	ActionFileAccess       Action = "fileAccess"
	ActionCommandExecution Action = "commandExecution"
	ActionNetworkAccess    Action = "networkAccess"
	ActionRateLimit        Action = "rateLimit"
)

// Effect is what a matching rule decides.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"

	// Carried only by rateLimit conditions; consumed by the rate gate,
	// never by rule matching.
	OpLimit  Operator = "limit"
	OpWindow Operator = "window"
)

type ConditionKind string

const (
	CondIPAddress ConditionKind = "ipAddress"
	CondSessionID ConditionKind = "sessionId"
	CondTimeRange ConditionKind = "timeRange"
	CondRateLimit ConditionKind = "rateLimit"
)

// Value is a condition operand. The wire format accepts both strings
// and numbers ("60000" and 60000 configure the same window), so the
// canonical form is a string with the numeric shape remembered for
// round-tripping.
type Value struct {
	raw string
	num bool
}

func StringValue(s string) Value { return Value{raw: s} }

func IntValue(n int64) Value { return Value{raw: strconv.FormatInt(n, 10), num: true} }

func (v Value) String() string { return v.raw }

// Int64 parses the operand as an integer. Works for both wire shapes.
func (v Value) Int64() (int64, bool) {
	n, err := strconv.ParseInt(v.raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Value{raw: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*v = Value{raw: n.String(), num: true}
		return nil
	}
	return fmt.Errorf("condition value must be a string or number")
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.num {
		return []byte(v.raw), nil
	}
	return json.Marshal(v.raw)
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!!int", "!!float":
		*v = Value{raw: node.Value, num: true}
	case "!!str":
		*v = Value{raw: node.Value}
	default:
		return fmt.Errorf("condition value must be a string or number, got %s", node.Tag)
	}
	return nil
}

func (v Value) MarshalYAML() (interface{}, error) {
	if v.num {
		if n, ok := v.Int64(); ok {
			return n, nil
		}
	}
	return v.raw, nil
}

type Condition struct {
	Kind  ConditionKind `json:"type" yaml:"type"`
	Op    Operator      `json:"operator" yaml:"operator"`
	Value Value         `json:"value" yaml:"value"`
}

// Rule decides one Effect for requests matching its type, resource
// pattern, and conditions. The wire field for Effect is "action",
// kept for compatibility with existing policy files.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Type       Action      `json:"type" yaml:"type"`
	Effect     Effect      `json:"action" yaml:"action"`
	Resource   string      `json:"resource" yaml:"resource"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Policy is an ordered rule list. Policies are evaluated in insertion
// order and rules in declaration order; there is no specificity
// ranking, only position.
type Policy struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []Rule    `json:"rules" yaml:"rules"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// EvalContext carries everything one authorization decision needs.
// Built per request, never stored.
type EvalContext struct {
	SessionID string
	IPAddress string
	Resource  string
	Action    Action
	Timestamp time.Time
}

// Decision is the outcome of an evaluation. RuleID and Reason feed the
// audit trail; callers that only need the boolean use IsActionAllowed.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	RuleID      string `json:"ruleId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RateLimited bool   `json:"rateLimited,omitempty"`
}
