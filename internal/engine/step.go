package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/formpilot/FormPilot/internal/models"
)

// orchestrateForm advances the bound form by one turn. Mode handlers leave
// Reply empty when they complete the form so the summary is built after
// completion hooks have run and enriched the values.
func (e *Engine) orchestrateForm(ctx context.Context, state *models.ConversationState) {
	form := e.forms.FormByID(state.CurrentFormID)
	if form == nil {
		state.Reply = fmt.Sprintf("Configured form '%s' was not found.", state.CurrentFormID)
		return
	}
	if state.Completed {
		state.Reply = "Form already completed. Say 'restart' to begin again."
		return
	}

	state.AppendTrace("form_orchestrator", models.PhaseStart, map[string]any{
		"form_id": form.ID, "mode": string(form.Mode), "step_index": state.CurrentStepIndex,
	})

	preIdx := state.CurrentStepIndex
	if form.Mode == models.ModeOneShot {
		e.runOneShot(ctx, state, form)
	} else {
		e.runStepByStep(ctx, state, form)
	}
	e.runCompletionHooks(ctx, state, form, preIdx, state.CurrentStepIndex)

	if state.Completed && state.Reply == "" {
		state.Reply = summarizeForm(state, form)
	}

	state.AppendTrace("form_orchestrator", models.PhaseEnd, map[string]any{
		"step_index": state.CurrentStepIndex, "completed": state.Completed,
	})
}

// runStepByStep validates the pending field (when awaiting an answer),
// advances the index, and prompts for the next field.
func (e *Engine) runStepByStep(ctx context.Context, state *models.ConversationState, form *models.FormDefinition) {
	idx := state.CurrentStepIndex
	if idx >= len(form.FieldOrder) {
		state.Completed = true
		state.AwaitingField = false
		return
	}

	if state.AwaitingField {
		fieldName := form.FieldOrder[idx]
		field := form.FieldByName(fieldName)
		if field == nil {
			state.Reply = fmt.Sprintf("Unknown field '%s'.", fieldName)
			return
		}

		options := e.resolveFieldOptions(ctx, state, field)
		var raw *string
		if state.LastUserMessage != "" {
			raw = &state.LastUserMessage
		}
		ok, errMsg, parsed := ValidateField(field, raw, options)
		state.AppendTrace("field_validator", models.PhaseEvent, map[string]any{
			"field": field.Name, "ok": ok, "error": errMsg,
		})
		if !ok {
			// Same field, same index; nothing is written.
			state.Reply = fmt.Sprintf("%s Please provide %s.", errMsg, fieldLabel(field))
			return
		}
		if parsed != nil {
			state.FormValues[field.Name] = parsed
		}
		state.CurrentStepIndex = idx + 1
		state.AwaitingField = false
		if state.CurrentStepIndex >= len(form.FieldOrder) {
			state.Completed = true
			return
		}
	}

	nextName := form.FieldOrder[state.CurrentStepIndex]
	next := form.FieldByName(nextName)
	if next == nil {
		state.Reply = fmt.Sprintf("Unknown field '%s'.", nextName)
		return
	}
	// Resolve dynamic options ahead of the prompt so the coming answer
	// validates against them.
	e.resolveFieldOptions(ctx, state, next)
	state.AwaitingField = true
	state.Reply = promptForField(next)
}

// runOneShot prompts once for all fields, then fills values from the reply via
// LLM extraction (at most once per activation) and a deterministic heuristic
// pass over whatever is still missing.
func (e *Engine) runOneShot(ctx context.Context, state *models.ConversationState, form *models.FormDefinition) {
	if !state.AwaitingField {
		parts := make([]string, 0, len(form.Fields))
		for i := range form.Fields {
			parts = append(parts, fmt.Sprintf("%s (%s)", fieldLabel(&form.Fields[i]), form.Fields[i].Type))
		}
		state.AwaitingField = true
		state.Reply = fmt.Sprintf("Share all details in one message: %s.", strings.Join(parts, ", "))
		return
	}

	message := state.LastUserMessage

	if e.cfg.ExtractionEnabled && e.extractor != nil && !state.ExtractionAttempted {
		// Attempted is recorded up front so a failing extractor is not
		// retried on every turn.
		state.ExtractionAttempted = true
		e.extractFields(ctx, state, form, message)
	}

	for i := range form.Fields {
		field := &form.Fields[i]
		if _, exists := state.FormValues[field.Name]; exists {
			continue
		}
		if parsed, ok := e.heuristicFill(state, field, message); ok && parsed != nil {
			state.FormValues[field.Name] = parsed
		}
	}

	var missing []string
	for i := range form.Fields {
		field := &form.Fields[i]
		if !field.Required {
			continue
		}
		if _, exists := state.FormValues[field.Name]; !exists {
			missing = append(missing, fieldLabel(field))
		}
	}
	if len(missing) > 0 {
		state.Reply = fmt.Sprintf("Missing fields: %s. Please provide them.", strings.Join(missing, ", "))
		return
	}

	state.Completed = true
	state.AwaitingField = false
	// Jump the index past the end so completion hooks see every field as
	// newly advanced.
	state.CurrentStepIndex = len(form.FieldOrder)
}

// extractFields runs the LLM extractor and accepts only values that survive
// validation. Invalid extractions are dropped silently; errors are swallowed.
func (e *Engine) extractFields(ctx context.Context, state *models.ConversationState, form *models.FormDefinition, message string) {
	descriptors := make([]models.FieldDescriptor, 0, len(form.Fields))
	for i := range form.Fields {
		f := &form.Fields[i]
		descriptors = append(descriptors, models.FieldDescriptor{
			Name: f.Name, Label: fieldLabel(f), Type: string(f.Type), Required: f.Required,
		})
	}

	extracted, err := e.extractor.ExtractFields(ctx, message, descriptors)
	if err != nil {
		slog.Warn("Engine.extractFields: extraction failed", "error", err, "thread_id", state.ThreadID)
		state.AppendTrace("field_extractor", models.PhaseEvent, map[string]any{"error": err.Error()})
		return
	}
	accepted := 0
	for name, value := range extracted {
		if value == nil {
			continue
		}
		field := form.FieldByName(name)
		if field == nil {
			continue
		}
		if _, exists := state.FormValues[name]; exists {
			continue
		}
		raw := fmt.Sprintf("%v", value)
		ok, _, parsed := ValidateField(field, &raw, state.FieldOptions[name])
		if ok && parsed != nil {
			state.FormValues[name] = parsed
			accepted++
		}
	}
	state.AppendTrace("field_extractor", models.PhaseEvent, map[string]any{
		"extracted": len(extracted), "accepted": accepted,
	})
}

// heuristicFill tries to recover one field's value straight from the raw
// message: a regex scan for numbers, substring containment for dropdowns, the
// boolean validator for booleans, and the whole message for everything else.
func (e *Engine) heuristicFill(state *models.ConversationState, field *models.FieldDefinition, message string) (any, bool) {
	switch field.Type {
	case models.FieldTypeNumber:
		match := numberPattern.FindString(message)
		if match == "" {
			return nil, false
		}
		parsed, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return nil, false
		}
		return parsed, true
	case models.FieldTypeDropdown:
		options := state.FieldOptions[field.Name]
		if len(options) == 0 {
			options = field.DropdownOptions
		}
		lowered := strings.ToLower(message)
		for _, opt := range options {
			if strings.Contains(lowered, strings.ToLower(opt)) {
				return opt, true
			}
		}
		return nil, false
	case models.FieldTypeBoolean:
		ok, _, parsed := ValidateField(field, &message, nil)
		return parsed, ok
	default:
		var raw *string
		if message != "" {
			raw = &message
		}
		ok, _, parsed := ValidateField(field, raw, nil)
		return parsed, ok
	}
}

// summarizeForm renders the completion summary in field-order sequence.
func summarizeForm(state *models.ConversationState, form *models.FormDefinition) string {
	lines := []string{form.Name + " completed with:"}
	for _, name := range form.FieldOrder {
		field := form.FieldByName(name)
		if field == nil {
			continue
		}
		lines = append(lines, "- "+fieldLabel(field)+": "+models.FormatValue(state.FormValues[name]))
	}
	return strings.Join(lines, "\n")
}
