package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/formpilot/FormPilot/internal/models"
)

// kbExcerptLimit caps the length of a raw passage returned when the answerer
// declines or is unavailable.
const kbExcerptLimit = 400

// respondFallback handles turns where no intent matched: greet on an empty
// message, answer from the knowledge base when possible, otherwise offer the
// configured intents as a menu. Every capability failure degrades to the next
// deterministic option.
func (e *Engine) respondFallback(ctx context.Context, state *models.ConversationState) {
	state.AppendTrace("fallback", models.PhaseStart, map[string]any{"message": state.LastUserMessage})

	if state.LastUserMessage == "" {
		state.Reply = "Hello! How can I help you today?"
		state.AppendTrace("fallback", models.PhaseEnd, map[string]any{"path": "greeting"})
		return
	}

	if e.cfg.KnowledgeEnabled && e.retriever != nil {
		results, err := e.retriever.Search(ctx, state.LastUserMessage, e.cfg.KnowledgeTopK)
		if err != nil {
			slog.Warn("Engine.respondFallback: knowledge retrieval failed",
				"error", err, "thread_id", state.ThreadID)
			state.AppendTrace("fallback", models.PhaseEvent, map[string]any{"retrieval_error": err.Error()})
		} else if len(results) > 0 {
			state.AppendTrace("fallback", models.PhaseEvent, map[string]any{"hits": len(results)})
			if reply := e.answerFromContext(ctx, state, results); reply != "" {
				state.Reply = reply
				state.AppendTrace("fallback", models.PhaseEnd, map[string]any{"path": "knowledge"})
				return
			}
		}
	}

	state.Reply = e.intentMenu()
	state.AppendTrace("fallback", models.PhaseEnd, map[string]any{"path": "menu"})
}

// answerFromContext asks the answerer to ground a reply in the retrieved
// passages; when it declines or fails, the best passage is returned as an
// annotated excerpt.
func (e *Engine) answerFromContext(ctx context.Context, state *models.ConversationState, results []models.KBResult) string {
	if e.answerer != nil {
		contexts := make([]string, 0, len(results))
		for _, r := range results {
			contexts = append(contexts, r.Content)
		}
		answer, err := e.answerer.AnswerWithContext(ctx, state.LastUserMessage, contexts)
		if err != nil {
			slog.Warn("Engine.answerFromContext: answering failed",
				"error", err, "thread_id", state.ThreadID)
			state.AppendTrace("fallback", models.PhaseEvent, map[string]any{"answer_error": err.Error()})
		} else if strings.TrimSpace(answer) != "" {
			return strings.TrimSpace(answer)
		}
	}

	excerpt := results[0].Content
	if runes := []rune(excerpt); len(runes) > kbExcerptLimit {
		excerpt = string(runes[:kbExcerptLimit])
	}
	return "Found in knowledge base: " + excerpt
}

// intentMenu lists the configured intents by name.
func (e *Engine) intentMenu() string {
	names := e.forms.IntentNames()
	if len(names) == 0 {
		return "I'm not able to help with that yet."
	}
	return "I can help with: " + strings.Join(names, ", ") + "."
}
