package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error variables for tool configuration validation.
var (
	ErrEmptyToolName = errors.New("tool name cannot be empty")
	ErrEmptyToolURL  = errors.New("tool url cannot be empty")
)

// ToolDefinition describes one external HTTP endpoint the engine may call,
// either to resolve dropdown options or as a field completion hook.
type ToolDefinition struct {
	Name    string            `json:"name"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	// InputMapping maps payload keys to values. A value prefixed "form." is
	// resolved from the collected form values at call time; anything else is
	// passed through as a literal.
	InputMapping map[string]string `json:"input_mapping,omitempty"`
	// ResponsePath is a gjson path into the response body. For dropdown tools
	// it selects the option list; empty means the whole body.
	ResponsePath string `json:"response_path,omitempty"`
	// OutputMapping maps form field names to gjson paths in the response body.
	// Resolved values are written back into the form values after a hook runs.
	OutputMapping   map[string]string `json:"output_mapping,omitempty"`
	CacheEnabled    bool              `json:"cache_enabled,omitempty"`
	CacheTTLSeconds int               `json:"cache_ttl_seconds,omitempty"`
}

// Validate performs structural validation on a tool definition.
func (t *ToolDefinition) Validate() error {
	if t.Name == "" {
		return ErrEmptyToolName
	}
	if t.URL == "" {
		return fmt.Errorf("tool %q: %w", t.Name, ErrEmptyToolURL)
	}
	return nil
}

// ToolsConfig holds the published tool set for one agent version.
type ToolsConfig struct {
	Tools []ToolDefinition `json:"tools"`
}

// ByName returns the tool with the given name, or nil.
func (c *ToolsConfig) ByName(name string) *ToolDefinition {
	for i := range c.Tools {
		if c.Tools[i].Name == name {
			return &c.Tools[i]
		}
	}
	return nil
}

// Validate checks every tool definition.
func (c *ToolsConfig) Validate() error {
	for i := range c.Tools {
		if err := c.Tools[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToolResponse is the raw result of one tool invocation.
type ToolResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// ResolveToolPayload builds the request payload for a tool from its input
// mapping. Values prefixed "form." are looked up in the supplied form values;
// missing references resolve to nil so the endpoint sees an explicit null.
func ResolveToolPayload(tool *ToolDefinition, formValues map[string]any) map[string]any {
	payload := make(map[string]any, len(tool.InputMapping))
	for key, ref := range tool.InputMapping {
		if len(ref) > 5 && ref[:5] == "form." {
			payload[key] = formValues[ref[5:]]
			continue
		}
		payload[key] = ref
	}
	return payload
}
