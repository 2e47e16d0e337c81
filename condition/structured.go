package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/studio-ai/studio/workflow"
)

// evalTree evaluates a structured v2.0 rule tree with short-circuit group
// combination. Every rule visited contributes a trace entry; coercion
// failures mark the rule unmatched instead of aborting.
func evalTree(tree *RuleTree, outputs map[string]string, tc workflow.TemplateContext) Result {
	var trace []RuleTrace
	value := evalGroup(&tree.RootGroup, outputs, tc, &trace)
	return Result{Value: value, Trace: trace}
}

func evalGroup(g *RuleGroup, outputs map[string]string, tc workflow.TemplateContext, trace *[]RuleTrace) bool {
	and := !strings.EqualFold(g.Combinator, "OR")

	// An empty group is vacuously true under AND, false under OR.
	result := and

	for i := range g.Rules {
		matched := evalRule(&g.Rules[i], outputs, tc, trace)
		if and && !matched {
			return false
		}
		if !and && matched {
			return true
		}
		result = matched
	}
	for i := range g.Groups {
		matched := evalGroup(&g.Groups[i], outputs, tc, trace)
		if and && !matched {
			return false
		}
		if !and && matched {
			return true
		}
		result = matched
	}

	if len(g.Rules) == 0 && len(g.Groups) == 0 {
		return and
	}
	return result
}

func evalRule(r *Rule, outputs map[string]string, tc workflow.TemplateContext, trace *[]RuleTrace) bool {
	entry := RuleTrace{
		Rule: fmt.Sprintf("%s.%s %s", r.LeftValue.StepID, r.LeftValue.Field, r.Operation),
	}

	left := resolveLeft(&r.LeftValue, outputs, tc)
	right := stringifyRight(&r.RightValue)
	entry.Left = left
	entry.Right = right

	matched, err := applyOperation(r.Operation, r.DataType, left, right)
	if err != nil {
		entry.Error = err.Error()
		entry.Matched = false
	} else {
		entry.Matched = matched
	}

	*trace = append(*trace, entry)
	return entry.Matched
}

// resolveLeft reads the referenced step field. Unknown steps yield the empty
// string so that isEmpty rules can probe for absent output.
func resolveLeft(op *LeftOperand, outputs map[string]string, tc workflow.TemplateContext) string {
	switch op.Field {
	case "status":
		if tc.StepStatus != nil {
			return string(tc.StepStatus[op.StepID])
		}
		return ""
	default: // output, response, or unset
		return outputs[op.StepID]
	}
}

func stringifyRight(op *RightOperand) string {
	switch v := op.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// applyOperation compares left and right under the rule's data type. String
// comparisons are case-sensitive.
func applyOperation(op, dataType, left, right string) (bool, error) {
	switch op {
	case OpIsEmpty:
		return left == "", nil
	case OpIsNotEmpty:
		return left != "", nil
	case OpContains:
		return strings.Contains(left, right), nil
	case OpStartsWith:
		return strings.HasPrefix(left, right), nil
	case OpEndsWith:
		return strings.HasSuffix(left, right), nil
	case OpMatchRegex:
		re, err := regexp.Compile(right)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", right, err)
		}
		return re.MatchString(left), nil
	}

	switch dataType {
	case "number":
		l, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
		if err != nil {
			return false, fmt.Errorf("left value %q is not a number", left)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
		if err != nil {
			return false, fmt.Errorf("right value %q is not a number", right)
		}
		switch op {
		case OpEquals:
			return l == r, nil
		case OpNotEquals:
			return l != r, nil
		case OpGreaterThan:
			return l > r, nil
		case OpLessThan:
			return l < r, nil
		}
	case "boolean":
		l, err := strconv.ParseBool(strings.TrimSpace(left))
		if err != nil {
			return false, fmt.Errorf("left value %q is not a boolean", left)
		}
		r, err := strconv.ParseBool(strings.TrimSpace(right))
		if err != nil {
			return false, fmt.Errorf("right value %q is not a boolean", right)
		}
		switch op {
		case OpEquals:
			return l == r, nil
		case OpNotEquals:
			return l != r, nil
		case OpGreaterThan, OpLessThan:
			return false, fmt.Errorf("operation %s not defined for booleans", op)
		}
	default: // string
		switch op {
		case OpEquals:
			return left == right, nil
		case OpNotEquals:
			return left != right, nil
		case OpGreaterThan:
			return left > right, nil
		case OpLessThan:
			return left < right, nil
		}
	}

	return false, fmt.Errorf("unknown operation %q", op)
}
