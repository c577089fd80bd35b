package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"flowmatic.io/apperr"
	"flowmatic.io/workflow"
)

// EvalCondition evaluates a boolean expression against the execution
// context. The grammar covers what workflow definitions use:
//
//	<path> <op> <literal>    e.g. "x > 0", "a.status == \"completed\""
//	<path>                   truthy check on a context value
//	true / false             literals
//
// Paths are dot-separated lookups into nested context maps. Operators are
// ==, !=, >, >=, <, <=. Literals are numbers, quoted strings, or booleans.
func EvalCondition(expression string, execContext map[string]interface{}) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return true, nil
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" || right == "" {
			return false, apperr.Validation("malformed condition %q", expression)
		}
		leftValue := resolvePath(execContext, left)
		rightValue := parseLiteral(right, execContext)
		return compare(leftValue, rightValue, op)
	}

	// Bare path: truthy check.
	return truthy(resolvePath(execContext, expr)), nil
}

// resolvePath walks a dot-separated path through nested maps. Node outputs
// live under their node id, so a name that is not a top-level key falls
// back to a one-level scan of node output maps. Missing segments resolve
// to nil.
func resolvePath(execContext map[string]interface{}, path string) interface{} {
	segments := strings.Split(path, ".")

	if _, ok := execContext[segments[0]]; !ok {
		for _, value := range execContext {
			if nested, ok := value.(map[string]interface{}); ok {
				if _, ok := nested[segments[0]]; ok {
					return walkPath(nested, segments)
				}
			}
		}
		return nil
	}
	return walkPath(execContext, segments)
}

func walkPath(root map[string]interface{}, segments []string) interface{} {
	var current interface{} = root
	for _, segment := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// parseLiteral interprets the right-hand side: quoted string, number,
// boolean, or a context path.
func parseLiteral(raw string, execContext map[string]interface{}) interface{} {
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1]
	}
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return resolvePath(execContext, raw)
}

func compare(left, right interface{}, op string) (bool, error) {
	leftNum, leftIsNum := toNumber(left)
	rightNum, rightIsNum := toNumber(right)

	if leftIsNum && rightIsNum {
		switch op {
		case "==":
			return leftNum == rightNum, nil
		case "!=":
			return leftNum != rightNum, nil
		case ">":
			return leftNum > rightNum, nil
		case ">=":
			return leftNum >= rightNum, nil
		case "<":
			return leftNum < rightNum, nil
		case "<=":
			return leftNum <= rightNum, nil
		}
	}

	leftStr := fmt.Sprintf("%v", left)
	rightStr := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return leftStr == rightStr, nil
	case "!=":
		return leftStr != rightStr, nil
	}
	return false, apperr.Validation("operator %s requires numeric operands", op)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case float64:
		return value != 0
	case int:
		return value != 0
	}
	return true
}

// ConditionHandler implements the condition node type.
type ConditionHandler struct{}

// NewConditionHandler creates a condition handler.
func NewConditionHandler() *ConditionHandler { return &ConditionHandler{} }

// Name returns the handler identifier.
func (h *ConditionHandler) Name() string { return "condition" }

// CanHandle matches condition nodes.
func (h *ConditionHandler) CanHandle(nodeType string) bool { return nodeType == "condition" }

// Execute evaluates the configured expression against the context. The
// boolean result is routed onward via edge conditions.
func (h *ConditionHandler) Execute(_ context.Context, inv Invocation) (*Result, error) {
	spec, ok := inv.Node.Spec().(workflow.ConditionSpec)
	if !ok {
		return nil, apperr.Validation("node %s is not a condition node", inv.Node.ID)
	}
	result, err := EvalCondition(spec.Expression, inv.Context)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]interface{}{"result": result}}, nil
}
