package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/formpilot/FormPilot/internal/models"
)

// resolveIntent binds the conversation to an intent's target form, once per
// conversation. A completed, idle binding is cleared first so a new intent can
// take over; this is the only path back to an unbound state.
func (e *Engine) resolveIntent(ctx context.Context, state *models.ConversationState) {
	if state.CurrentFormID != "" {
		if state.Completed && !state.AwaitingField {
			state.AppendTrace("intent_resolver", models.PhaseEvent, map[string]any{
				"reset": true, "previous_intent": state.CurrentIntent,
			})
			state.ResetBinding()
		} else {
			return
		}
	}

	message := state.LastUserMessage
	if message == "" || len(e.forms.Intents) == 0 {
		state.GeneralQuery = true
		return
	}

	state.AppendTrace("intent_resolver", models.PhaseStart, map[string]any{"message": message})

	var chosen *models.IntentDefinition
	if e.cfg.RoutingEnabled && e.classifier != nil {
		choice, err := e.classifier.SelectIntent(ctx, message, e.forms.Intents)
		if err != nil {
			slog.Error("Engine.resolveIntent: classification failed", "error", err, "thread_id", state.ThreadID)
			state.AppendTrace("intent_resolver", models.PhaseEnd, map[string]any{"error": err.Error()})
			// Surface the failure as the reply; the conversation stays unbound.
			state.Reply = fmt.Sprintf("Intent routing failed: %v", err)
			return
		}
		state.AppendTrace("intent_resolver", models.PhaseEvent, map[string]any{
			"intent_id": choice.IntentID, "confidence": choice.Confidence, "usage": choice.Usage,
		})
		if choice.IntentID != "" && choice.Confidence >= e.cfg.IntentThreshold {
			// An id outside the candidate set is a no-match.
			chosen = e.forms.IntentByID(choice.IntentID)
		}
	} else {
		chosen = matchIntentHeuristically(message, e.forms.Intents)
	}

	if chosen == nil {
		state.GeneralQuery = true
		state.AppendTrace("intent_resolver", models.PhaseEnd, map[string]any{"matched": false})
		return
	}

	state.CurrentIntent = chosen.ID
	state.CurrentFormID = chosen.TargetForm
	state.CurrentStepIndex = 0
	state.FormValues = map[string]any{}
	state.Completed = false
	state.AwaitingField = false
	state.AppendTrace("intent_resolver", models.PhaseEnd, map[string]any{
		"matched": true, "intent_id": chosen.ID, "form_id": chosen.TargetForm,
	})
	slog.Debug("Engine.resolveIntent: intent bound", "thread_id", state.ThreadID,
		"intent_id", chosen.ID, "form_id", chosen.TargetForm)
}

// matchIntentHeuristically is the deterministic fallback used when LLM routing
// is disabled: an intent matches when its name appears in the message or the
// message contains any token of its description.
func matchIntentHeuristically(message string, intents []models.IntentDefinition) *models.IntentDefinition {
	lowered := strings.ToLower(message)
	for i := range intents {
		intent := &intents[i]
		if intent.Name != "" && strings.Contains(lowered, strings.ToLower(intent.Name)) {
			return intent
		}
		for _, token := range strings.Fields(strings.ToLower(intent.Description)) {
			if strings.Contains(lowered, token) {
				return intent
			}
		}
	}
	return nil
}
