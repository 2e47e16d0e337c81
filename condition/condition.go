// Package condition evaluates workflow branch conditions. Two shapes are
// supported and classified at parse time: legacy string expressions such as
// `{step1.output} === "success"`, and structured v2.0 rule trees produced by
// the visual builder.
//
// Evaluation never raises: malformed expressions and failed coercions yield
// a false result with an explanatory trace entry.
package condition

import (
	"encoding/json"
	"fmt"

	"github.com/studio-ai/studio/workflow"
)

// Kind identifies the condition shape.
type Kind string

const (
	KindLegacy     Kind = "legacy"
	KindStructured Kind = "structured"
)

// Condition is a parsed, classified branch condition.
type Condition struct {
	Kind       Kind
	Legacy     string
	Structured *RuleTree
}

// RuleTree is the structured v2.0 condition document.
type RuleTree struct {
	Version   string    `json:"version"`
	RootGroup RuleGroup `json:"rootGroup"`
}

// RuleGroup combines rules and nested groups with a boolean combinator.
type RuleGroup struct {
	Combinator string      `json:"combinator"` // AND | OR
	Rules      []Rule      `json:"rules,omitempty"`
	Groups     []RuleGroup `json:"groups,omitempty"`
}

// Rule is one structured comparison.
type Rule struct {
	LeftValue  LeftOperand  `json:"leftValue"`
	Operation  string       `json:"operation"`
	RightValue RightOperand `json:"rightValue"`
	DataType   string       `json:"dataType"` // string | number | boolean
}

// LeftOperand references a step field.
type LeftOperand struct {
	StepID string `json:"stepId"`
	Field  string `json:"field"` // output | status
}

// RightOperand is a literal comparison value.
type RightOperand struct {
	Type  string `json:"type"` // string | number | boolean
	Value any    `json:"value"`
}

// Structured operations.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpContains    = "contains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpIsEmpty     = "isEmpty"
	OpIsNotEmpty  = "isNotEmpty"
	OpMatchRegex  = "matchesRegex"
)

// RuleTrace records the outcome of evaluating one rule or expression.
type RuleTrace struct {
	Rule    string `json:"rule"`
	Left    string `json:"left"`
	Right   string `json:"right"`
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// Result is the evaluation outcome with its per-rule trace.
type Result struct {
	Value bool        `json:"result"`
	Trace []RuleTrace `json:"trace"`
}

// Parse classifies a raw condition document. A JSON string is a legacy
// expression; an object with version "2.0" and a rootGroup is structured.
// Anything else is rejected.
func Parse(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty condition")
	}

	var legacy string
	if err := json.Unmarshal(raw, &legacy); err == nil {
		if legacy == "" {
			return nil, fmt.Errorf("empty condition expression")
		}
		return &Condition{Kind: KindLegacy, Legacy: legacy}, nil
	}

	var tree RuleTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	if tree.Version != "2.0" {
		return nil, fmt.Errorf("unsupported condition version %q", tree.Version)
	}
	if len(tree.RootGroup.Rules) == 0 && len(tree.RootGroup.Groups) == 0 {
		return nil, fmt.Errorf("structured condition has no rules")
	}
	return &Condition{Kind: KindStructured, Structured: &tree}, nil
}

// Evaluate resolves the condition against the current step outputs. Template
// substitution uses the same rules as task prompts.
func Evaluate(c *Condition, outputs map[string]string, tc workflow.TemplateContext) Result {
	switch c.Kind {
	case KindLegacy:
		return evalLegacy(c.Legacy, outputs, tc)
	case KindStructured:
		return evalTree(c.Structured, outputs, tc)
	default:
		return Result{Value: false, Trace: []RuleTrace{{
			Rule:  string(c.Kind),
			Error: "unknown condition kind",
		}}}
	}
}
