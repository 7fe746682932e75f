package engine

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/formpilot/FormPilot/internal/models"
)

// runCompletionHooks fires the completion hook of every field whose step index
// was crossed this turn. Each (field, tool) pair fires at most once per
// conversation; the executed key is recorded before invocation so a failing
// hook is not retried.
func (e *Engine) runCompletionHooks(ctx context.Context, state *models.ConversationState, form *models.FormDefinition, preIdx, postIdx int) {
	if postIdx <= preIdx {
		return
	}
	if postIdx > len(form.FieldOrder) {
		postIdx = len(form.FieldOrder)
	}

	for i := preIdx; i < postIdx; i++ {
		field := form.FieldByName(form.FieldOrder[i])
		if field == nil || field.CompletionHook == "" {
			continue
		}
		key := models.HookKey(field.Name, field.CompletionHook)
		if state.ToolHookExecuted[key] {
			continue
		}
		state.ToolHookExecuted[key] = true
		e.fireHook(ctx, state, form, field)
	}
}

func (e *Engine) fireHook(ctx context.Context, state *models.ConversationState, form *models.FormDefinition, field *models.FieldDefinition) {
	if !e.cfg.ToolsEnabled || e.invoker == nil {
		return
	}
	tool := e.tools.ByName(field.CompletionHook)
	if tool == nil {
		slog.Warn("Engine.fireHook: hook tool not configured",
			"field", field.Name, "tool", field.CompletionHook)
		state.AppendTrace("completion_hook", models.PhaseEvent, map[string]any{
			"field": field.Name, "tool": field.CompletionHook, "error": "tool not configured",
		})
		return
	}

	payload := models.ResolveToolPayload(tool, state.FormValues)
	state.AppendTrace("completion_hook", models.PhaseStart, map[string]any{
		"field": field.Name, "tool": tool.Name, "payload": payload,
	})

	resp, err := e.invoker.Invoke(ctx, tool, payload)
	if err != nil {
		slog.Warn("Engine.fireHook: hook invocation failed",
			"error", err, "field", field.Name, "tool", tool.Name)
		state.AppendTrace("completion_hook", models.PhaseEnd, map[string]any{
			"field": field.Name, "error": err.Error(),
		})
		return
	}

	applied := e.applyOutputMapping(state, form, tool, resp.Body)
	state.AppendTrace("completion_hook", models.PhaseEnd, map[string]any{
		"field": field.Name, "tool": tool.Name, "status": resp.Status, "applied": applied,
	})
}

// applyOutputMapping writes resolved response paths back into the form values.
// Targets that are not fields of the bound form are skipped, as are null or
// missing paths.
func (e *Engine) applyOutputMapping(state *models.ConversationState, form *models.FormDefinition, tool *models.ToolDefinition, body []byte) []string {
	if len(tool.OutputMapping) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(body)
	var applied []string
	for target, path := range tool.OutputMapping {
		if form.FieldByName(target) == nil {
			continue
		}
		value := parsed.Get(path)
		if !value.Exists() || value.Type == gjson.Null {
			continue
		}
		state.FormValues[target] = value.Value()
		applied = append(applied, target)
	}
	return applied
}
