// Package workflow implements the workflow store: declarative node/edge
// definitions, variables, triggers, immutable versions, and the validation
// every definition write passes through.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Definition is a workflow's directed graph of nodes and edges.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a vertex in the workflow graph, dispatched to a handler by its
// type.
type Node struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Name   string                 `json:"name,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Edge is a directed edge between two nodes. A non-empty condition gates
// the target node against the execution context.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// ParseDefinition decodes a raw definition document. Unknown node types
// are preserved; validation decides what to do with them.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return &def, nil
}

// Node spec variants. Raw JSON configs are parsed into these tagged types
// on load; handlers never see opaque blobs.

// NodeSpec is the typed configuration of a node.
type NodeSpec interface {
	nodeSpec()
}

// AISpec configures an ai_* node.
type AISpec struct {
	Prompt       string
	SystemPrompt string
	Model        string
}

// ConnectorSpec configures a connector_* node.
type ConnectorSpec struct {
	Provider string
	Action   string
	Payload  map[string]interface{}
}

// EmailSpec configures an email node.
type EmailSpec struct {
	To      []string
	Subject string
	Body    string
}

// WebhookSpec configures an outbound webhook node.
type WebhookSpec struct {
	URL     string
	Headers map[string]string
	Body    map[string]interface{}
}

// HTTPRequestSpec configures a generic outbound HTTP node.
type HTTPRequestSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}
}

// DelaySpec configures a delay node.
type DelaySpec struct {
	Seconds float64
}

// ConditionSpec configures a condition node.
type ConditionSpec struct {
	Expression string
}

// VariableSpec configures a variable-assignment node.
type VariableSpec struct {
	Name  string
	Value interface{}
}

// UnknownSpec preserves the raw config of a node type this version does
// not know, for forward compatibility.
type UnknownSpec struct {
	Type string
	Raw  map[string]interface{}
}

func (AISpec) nodeSpec()          {}
func (ConnectorSpec) nodeSpec()   {}
func (EmailSpec) nodeSpec()       {}
func (WebhookSpec) nodeSpec()     {}
func (HTTPRequestSpec) nodeSpec() {}
func (DelaySpec) nodeSpec()       {}
func (ConditionSpec) nodeSpec()   {}
func (VariableSpec) nodeSpec()    {}
func (UnknownSpec) nodeSpec()     {}

func configString(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func configFloat(config map[string]interface{}, key string) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func configStringSlice(config map[string]interface{}, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func configStringMap(config map[string]interface{}, key string) map[string]string {
	raw, ok := config[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func configMap(config map[string]interface{}, key string) map[string]interface{} {
	if v, ok := config[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// Spec parses the node's config into its typed variant.
func (n Node) Spec() NodeSpec {
	config := n.Config
	if config == nil {
		config = map[string]interface{}{}
	}

	switch {
	case strings.HasPrefix(n.Type, "ai_"):
		return AISpec{
			Prompt:       configString(config, "prompt"),
			SystemPrompt: configString(config, "system_prompt"),
			Model:        configString(config, "model"),
		}
	case strings.HasPrefix(n.Type, "connector_"):
		return ConnectorSpec{
			Provider: strings.TrimPrefix(n.Type, "connector_"),
			Action:   configString(config, "action"),
			Payload:  configMap(config, "payload"),
		}
	}

	switch n.Type {
	case "email":
		return EmailSpec{
			To:      configStringSlice(config, "to"),
			Subject: configString(config, "subject"),
			Body:    configString(config, "body"),
		}
	case "webhook":
		return WebhookSpec{
			URL:     configString(config, "url"),
			Headers: configStringMap(config, "headers"),
			Body:    configMap(config, "body"),
		}
	case "http_request":
		return HTTPRequestSpec{
			Method:  configString(config, "method"),
			URL:     configString(config, "url"),
			Headers: configStringMap(config, "headers"),
			Body:    config["body"],
		}
	case "delay":
		return DelaySpec{Seconds: configFloat(config, "seconds")}
	case "condition":
		expr := configString(config, "expression")
		if expr == "" {
			expr = configString(config, "expr")
		}
		return ConditionSpec{Expression: expr}
	case "variable":
		return VariableSpec{
			Name:  configString(config, "name"),
			Value: config["value"],
		}
	default:
		return UnknownSpec{Type: n.Type, Raw: config}
	}
}

// KnownType reports whether the node type maps to a built-in spec.
func (n Node) KnownType() bool {
	_, unknown := n.Spec().(UnknownSpec)
	return !unknown
}
