package engine

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/formpilot/FormPilot/internal/models"
)

// optionEnvelopeKeys are unwrapped, recursively, when a tool responds with an
// object instead of a bare list.
var optionEnvelopeKeys = []string{"options", "items", "data"}

// resolveFieldOptions returns the dropdown options for a field, invoking its
// bound tool at most once per conversation. Static-only fields return nil and
// validate against their configured options. Any resolver failure degrades to
// nil rather than aborting the turn.
func (e *Engine) resolveFieldOptions(ctx context.Context, state *models.ConversationState, field *models.FieldDefinition) []string {
	if field.Type != models.FieldTypeDropdown {
		return nil
	}
	// Map presence marks the field as resolved, even when the tool legitimately
	// returned no options.
	if cached, ok := state.FieldOptions[field.Name]; ok {
		return cached
	}
	if field.DropdownTool == "" || !e.cfg.ToolsEnabled || e.invoker == nil {
		return nil
	}

	tool := e.tools.ByName(field.DropdownTool)
	if tool == nil {
		slog.Warn("Engine.resolveFieldOptions: tool not configured",
			"field", field.Name, "tool", field.DropdownTool)
		state.AppendTrace("option_resolver", models.PhaseEvent, map[string]any{
			"field": field.Name, "tool": field.DropdownTool, "error": "tool not configured",
		})
		return nil
	}

	payload := models.ResolveToolPayload(tool, state.FormValues)
	state.AppendTrace("option_resolver", models.PhaseStart, map[string]any{
		"field": field.Name, "tool": tool.Name, "payload": payload,
	})

	resp, err := e.invoker.Invoke(ctx, tool, payload)
	if err != nil {
		slog.Warn("Engine.resolveFieldOptions: tool invocation failed",
			"error", err, "field", field.Name, "tool", tool.Name)
		state.AppendTrace("option_resolver", models.PhaseEnd, map[string]any{
			"field": field.Name, "error": err.Error(),
		})
		return nil
	}

	result := gjson.ParseBytes(resp.Body)
	if tool.ResponsePath != "" {
		result = result.Get(tool.ResponsePath)
	}
	options := normalizeOptionList(result)
	state.FieldOptions[field.Name] = options
	state.AppendTrace("option_resolver", models.PhaseEnd, map[string]any{
		"field": field.Name, "options": options,
	})
	return options
}

// normalizeOptionList flattens a tool response fragment into an ordered list
// of option strings. Objects in the list contribute their label, name, or
// value key, in that preference order.
func normalizeOptionList(result gjson.Result) []string {
	// Unwrap nested envelopes like {"data": {"options": [...]}}.
	for result.IsObject() {
		unwrapped := false
		for _, key := range optionEnvelopeKeys {
			if inner := result.Get(key); inner.Exists() {
				result = inner
				unwrapped = true
				break
			}
		}
		if !unwrapped {
			return nil
		}
	}
	if !result.IsArray() {
		return nil
	}

	var options []string
	for _, item := range result.Array() {
		switch {
		case item.Type == gjson.String:
			options = append(options, item.String())
		case item.IsObject():
			for _, key := range []string{"label", "name", "value"} {
				if v := item.Get(key); v.Exists() {
					options = append(options, v.String())
					break
				}
			}
		case item.Type == gjson.Number:
			options = append(options, item.String())
		}
	}
	return options
}
