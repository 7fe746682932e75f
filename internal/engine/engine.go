package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/formpilot/FormPilot/internal/models"
)

// Default engine tuning values, overridable through Config.
const (
	// DefaultIntentThreshold is the minimum classifier confidence required to
	// bind an intent.
	DefaultIntentThreshold = 0.45
	// DefaultKnowledgeTopK is the number of knowledge base hits retrieved for
	// fallback answering.
	DefaultKnowledgeTopK = 3
)

// defaultReply is returned when a turn produces no other response.
const defaultReply = "Acknowledged."

// IntentClassifier ranks the configured intents against a user message.
// Implementations return their best candidate with a confidence in [0, 1];
// the engine applies the candidate-set and threshold checks itself.
type IntentClassifier interface {
	SelectIntent(ctx context.Context, message string, intents []models.IntentDefinition) (models.IntentChoice, error)
}

// FieldExtractor pulls field values out of a free-text message. Keys of the
// returned map are field names; values are raw extractions that still pass
// through validation before being stored.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, message string, fields []models.FieldDescriptor) (map[string]any, error)
}

// ContextAnswerer produces a grounded answer to a question given retrieved
// context passages. An empty answer means the answerer declined.
type ContextAnswerer interface {
	AnswerWithContext(ctx context.Context, question string, contexts []string) (string, error)
}

// KnowledgeRetriever searches the knowledge base for passages relevant to a
// query.
type KnowledgeRetriever interface {
	Search(ctx context.Context, query string, limit int) ([]models.KBResult, error)
}

// ToolInvoker executes a configured tool with a resolved payload.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool *models.ToolDefinition, payload map[string]any) (*models.ToolResponse, error)
}

// Config carries the engine's explicit tuning and capability toggles. The
// engine reads nothing from the environment.
type Config struct {
	IntentThreshold   float64
	RoutingEnabled    bool
	ExtractionEnabled bool
	ToolsEnabled      bool
	KnowledgeEnabled  bool
	KnowledgeTopK     int
}

// Engine orchestrates one conversation turn at a time. It is safe for
// concurrent use across distinct states; callers must serialize turns for the
// same thread.
type Engine struct {
	forms *models.FormsConfig
	tools *models.ToolsConfig
	cfg   Config

	classifier IntentClassifier
	extractor  FieldExtractor
	answerer   ContextAnswerer
	retriever  KnowledgeRetriever
	invoker    ToolInvoker
}

// Option configures optional Engine capabilities.
type Option func(*Engine)

// WithClassifier sets the LLM intent classifier.
func WithClassifier(c IntentClassifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithExtractor sets the LLM field extractor used by one-shot forms.
func WithExtractor(x FieldExtractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithAnswerer sets the grounded answerer used for knowledge fallback replies.
func WithAnswerer(a ContextAnswerer) Option {
	return func(e *Engine) { e.answerer = a }
}

// WithRetriever sets the knowledge base retriever.
func WithRetriever(r KnowledgeRetriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithInvoker sets the tool invoker used for dynamic options and completion hooks.
func WithInvoker(i ToolInvoker) Option {
	return func(e *Engine) { e.invoker = i }
}

// New creates an Engine over the given published configuration. Capabilities
// left unset simply disable their behaviors; the deterministic core always
// works.
func New(forms *models.FormsConfig, tools *models.ToolsConfig, cfg Config, opts ...Option) *Engine {
	if forms == nil {
		forms = &models.FormsConfig{}
	}
	if tools == nil {
		tools = &models.ToolsConfig{}
	}
	if cfg.IntentThreshold <= 0 {
		cfg.IntentThreshold = DefaultIntentThreshold
	}
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = DefaultKnowledgeTopK
	}
	forms.NormalizeMode()
	e := &Engine{forms: forms, tools: tools, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTurn processes one user message against the thread's state and returns
// the same state with Reply, transcript, form progress, and trace events
// updated. It never returns an error: capability failures degrade into
// user-facing replies or deterministic fallbacks.
func (e *Engine) RunTurn(ctx context.Context, state *models.ConversationState, message string) *models.ConversationState {
	slog.Debug("Engine.RunTurn: processing turn", "thread_id", state.ThreadID)
	state.EnsureDefaults()

	// Each turn's trace stands alone.
	state.TraceEvents = nil
	state.AppendTrace("turn", models.PhaseStart, map[string]any{"state": state.Summarize(), "message": message})

	e.ingestMessage(state, message)
	e.resolveIntent(ctx, state)

	if state.CurrentFormID != "" {
		e.orchestrateForm(ctx, state)
	} else if state.Reply == "" {
		e.respondFallback(ctx, state)
	}

	e.finalizeReply(state)

	state.AppendTrace("turn", models.PhaseEnd, map[string]any{"state": state.Summarize(), "reply": state.Reply})
	slog.Debug("Engine.RunTurn: turn complete", "thread_id", state.ThreadID,
		"intent", state.CurrentIntent, "completed", state.Completed)
	return state
}

// ingestMessage records the user message and resets per-turn outputs.
func (e *Engine) ingestMessage(state *models.ConversationState, message string) {
	trimmed := strings.TrimSpace(message)
	state.LastUserMessage = trimmed
	state.Messages = append(state.Messages, models.Message{Role: models.RoleUser, Content: message})
	state.Reply = ""
	state.GeneralQuery = false
	state.AppendTrace("ingest", models.PhaseEvent, map[string]any{"message": trimmed})
}

// finalizeReply guarantees every turn ends with a non-empty reply and appends
// it to the transcript. An empty reply with a pending field becomes a prompt
// for that field.
func (e *Engine) finalizeReply(state *models.ConversationState) {
	if state.Reply == "" {
		if field := e.pendingField(state); field != nil {
			state.Reply = promptForField(field)
			state.AwaitingField = true
		} else {
			state.Reply = defaultReply
		}
	}
	state.Messages = append(state.Messages, models.Message{Role: models.RoleAssistant, Content: state.Reply})
}

// pendingField returns the next uncollected field of the bound form, or nil.
func (e *Engine) pendingField(state *models.ConversationState) *models.FieldDefinition {
	if state.CurrentFormID == "" || state.Completed {
		return nil
	}
	form := e.forms.FormByID(state.CurrentFormID)
	if form == nil || state.CurrentStepIndex >= len(form.FieldOrder) {
		return nil
	}
	return form.FieldByName(form.FieldOrder[state.CurrentStepIndex])
}

// fieldLabel prefers the configured label and falls back to the field name.
func fieldLabel(field *models.FieldDefinition) string {
	if field.Label != "" {
		return field.Label
	}
	return field.Name
}

// promptForField builds the standard request for one field's value.
func promptForField(field *models.FieldDefinition) string {
	return "Please provide " + fieldLabel(field) + " (" + string(field.Type) + ")."
}
