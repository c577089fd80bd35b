package workflow

import (
	"fmt"

	"flowmatic.io/apperr"
	"flowmatic.io/graph"
)

// ValidationResult collects definition errors and warnings. Warnings (such
// as disconnected nodes) do not block a write.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the definition may be written.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Err converts a failed result into a validation error carrying
// field-level detail.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return apperr.Validation("workflow definition is invalid").WithDetails(map[string]interface{}{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}

// ValidateDefinition applies the graph validity rules: node ids unique and
// non-empty, types non-empty, edges referencing existing nodes, no
// directed cycles. Disconnected nodes produce a warning.
func ValidateDefinition(def *Definition) *ValidationResult {
	result := &ValidationResult{}

	if def == nil {
		result.Errors = append(result.Errors, "definition is required")
		return result
	}
	if len(def.Nodes) == 0 {
		result.Errors = append(result.Errors, "definition must contain at least one node")
		return result
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i, node := range def.Nodes {
		if node.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("node at position %d has no id", i))
			continue
		}
		if ids[node.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate node id %q", node.ID))
		}
		ids[node.ID] = true
		if node.Type == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("node %q has no type", node.ID))
		}
	}

	var edges []graph.Edge
	for i, edge := range def.Edges {
		if !ids[edge.Source] {
			result.Errors = append(result.Errors, fmt.Sprintf("edge at position %d references unknown source %q", i, edge.Source))
			continue
		}
		if !ids[edge.Target] {
			result.Errors = append(result.Errors, fmt.Sprintf("edge at position %d references unknown target %q", i, edge.Target))
			continue
		}
		edges = append(edges, graph.Edge{Source: edge.Source, Target: edge.Target})
	}

	if len(result.Errors) > 0 {
		return result
	}

	nodeIDs := make([]string, 0, len(def.Nodes))
	for _, node := range def.Nodes {
		nodeIDs = append(nodeIDs, node.ID)
	}

	if err := graph.ValidateAcyclic(nodeIDs, edges); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	for _, id := range graph.Unreachable(nodeIDs, edges) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("node %q is not reachable from the entry set", id))
	}

	return result
}

// TypeMatches reports whether a value conforms to the declared variable
// type. JSON numbers arrive as float64.
func TypeMatches(t VariableType, value interface{}) bool {
	if value == nil {
		return true
	}
	switch t {
	case VariableString:
		_, ok := value.(string)
		return ok
	case VariableNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case VariableBoolean:
		_, ok := value.(bool)
		return ok
	case VariableArray:
		_, ok := value.([]interface{})
		return ok
	case VariableObject:
		_, ok := value.(map[string]interface{})
		return ok
	}
	return false
}

// ValidateVariable checks a variable declaration, including that its
// default value matches the declared type.
func ValidateVariable(v *Variable) error {
	if v.Name == "" {
		return apperr.Validation("variable name is required")
	}
	switch v.Type {
	case VariableString, VariableNumber, VariableBoolean, VariableArray, VariableObject:
	default:
		return apperr.Validation("unknown variable type %q", v.Type)
	}
	if v.DefaultValue != nil && !TypeMatches(v.Type, v.DefaultValue) {
		return apperr.Validation("default value of variable %q does not match declared type %s", v.Name, v.Type)
	}
	return nil
}

// MissingRequired returns the names of required variables that have neither
// a default value nor a value in the execution input.
func MissingRequired(variables []Variable, input map[string]interface{}) []string {
	var missing []string
	for _, v := range variables {
		if !v.IsRequired || v.DefaultValue != nil {
			continue
		}
		if input != nil {
			if _, ok := input[v.Name]; ok {
				continue
			}
		}
		missing = append(missing, v.Name)
	}
	return missing
}
