package models

import (
	"fmt"
	"sort"
	"time"
)

// Message roles stored in a conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TraceEvent is one recorded step of a turn's execution.
type TraceEvent struct {
	Node      string         `json:"node"`
	Phase     string         `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Trace event phases.
const (
	PhaseStart = "start"
	PhaseEvent = "event"
	PhaseEnd   = "end"
)

// ConversationState is the per-thread state the engine reads and mutates on
// every turn. It is persisted between turns keyed by thread id.
type ConversationState struct {
	ThreadID        string    `json:"thread_id"`
	Messages        []Message `json:"messages"`
	LastUserMessage string    `json:"last_user_message"`

	CurrentIntent    string         `json:"current_intent"`
	CurrentFormID    string         `json:"current_form_id"`
	CurrentStepIndex int            `json:"current_step_index"`
	FormValues       map[string]any `json:"form_values"`
	Completed        bool           `json:"completed"`
	AwaitingField    bool           `json:"awaiting_field"`

	// FieldOptions caches dynamically resolved dropdown options per field name.
	FieldOptions map[string][]string `json:"field_options"`
	// ToolHookExecuted records "field|tool" keys of completion hooks that have
	// already fired, successfully or not.
	ToolHookExecuted map[string]bool `json:"tool_hook_executed"`
	// ExtractionAttempted is set once per one-shot activation, regardless of
	// the extraction outcome.
	ExtractionAttempted bool `json:"extraction_attempted"`
	// GeneralQuery marks a turn where no intent could be resolved.
	GeneralQuery bool `json:"general_query"`

	TraceEvents []TraceEvent `json:"trace_events,omitempty"`
	Reply       string       `json:"reply"`
}

// NewConversationState returns a state with all maps initialized.
func NewConversationState(threadID string) *ConversationState {
	return &ConversationState{
		ThreadID:         threadID,
		Messages:         []Message{},
		FormValues:       map[string]any{},
		FieldOptions:     map[string][]string{},
		ToolHookExecuted: map[string]bool{},
	}
}

// EnsureDefaults initializes any nil collections. States loaded from storage
// pass through here so the engine never sees a nil map.
func (s *ConversationState) EnsureDefaults() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.FormValues == nil {
		s.FormValues = map[string]any{}
	}
	if s.FieldOptions == nil {
		s.FieldOptions = map[string][]string{}
	}
	if s.ToolHookExecuted == nil {
		s.ToolHookExecuted = map[string]bool{}
	}
}

// ResetBinding clears the intent binding and all form progress so a new
// conversation can begin. Cached field options and the hook execution record
// survive the reset.
func (s *ConversationState) ResetBinding() {
	s.CurrentIntent = ""
	s.CurrentFormID = ""
	s.CurrentStepIndex = 0
	s.FormValues = map[string]any{}
	s.Completed = false
	s.AwaitingField = false
	s.ExtractionAttempted = false
	s.GeneralQuery = false
}

// AppendTrace appends a trace event with the current UTC time.
func (s *ConversationState) AppendTrace(node, phase string, payload map[string]any) {
	s.TraceEvents = append(s.TraceEvents, TraceEvent{
		Node:      node,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// HookKey builds the execution-record key for a field's completion hook.
func HookKey(fieldName, toolName string) string {
	return fieldName + "|" + toolName
}

// StateSummary is a compact snapshot of form progress used in traces and
// assistant chat-log rows.
type StateSummary struct {
	Intent        string         `json:"intent"`
	FormID        string         `json:"form_id"`
	StepIndex     int            `json:"step_index"`
	AwaitingField bool           `json:"awaiting_field"`
	Completed     bool           `json:"completed"`
	Values        map[string]any `json:"values"`
	ExecutedHooks []string       `json:"executed_hooks"`
}

// Summarize builds a snapshot of the current form progress. Executed hook keys
// are sorted for stable output.
func (s *ConversationState) Summarize() StateSummary {
	values := make(map[string]any, len(s.FormValues))
	for k, v := range s.FormValues {
		values[k] = v
	}
	hooks := make([]string, 0, len(s.ToolHookExecuted))
	for k := range s.ToolHookExecuted {
		hooks = append(hooks, k)
	}
	sort.Strings(hooks)
	return StateSummary{
		Intent:        s.CurrentIntent,
		FormID:        s.CurrentFormID,
		StepIndex:     s.CurrentStepIndex,
		AwaitingField: s.AwaitingField,
		Completed:     s.Completed,
		Values:        values,
		ExecutedHooks: hooks,
	}
}

// IntentChoice is the raw result of an intent classification call.
type IntentChoice struct {
	IntentID   string         `json:"intent_id"`
	Confidence float64        `json:"confidence"`
	Usage      map[string]any `json:"usage,omitempty"`
}

// FieldDescriptor is the schema slice handed to the field extractor.
type FieldDescriptor struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ChatLog is one persisted transcript row.
type ChatLog struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	AgentID   string         `json:"agent_id"`
	Version   int            `json:"version"`
	ThreadID  string         `json:"thread_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	State     map[string]any `json:"state,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ThreadInfo summarizes one conversation thread for listings.
type ThreadInfo struct {
	ThreadID     string    `json:"thread_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// TraceRecord is one persisted turn trace.
type TraceRecord struct {
	ID        int64        `json:"id"`
	TenantID  string       `json:"tenant_id"`
	AgentID   string       `json:"agent_id"`
	Version   int          `json:"version"`
	ThreadID  string       `json:"thread_id"`
	TraceID   string       `json:"trace_id"`
	Events    []TraceEvent `json:"events"`
	CreatedAt time.Time    `json:"created_at"`
}

// Submission status values.
const (
	SubmissionSent   = "sent"
	SubmissionFailed = "failed"
)

// Submission records one completed-form delivery attempt.
type Submission struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	AgentID   string         `json:"agent_id"`
	FormID    string         `json:"form_id"`
	ThreadID  string         `json:"thread_id"`
	Channel   string         `json:"channel"`
	Target    string         `json:"target"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Values    map[string]any `json:"values"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubmissionFilter narrows submission listings. Zero values match everything.
type SubmissionFilter struct {
	FormID   string
	ThreadID string
	Status   string
}

// KnowledgeBase is one named document collection.
type KnowledgeBase struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// KBDocument is one stored, embedded document chunk.
type KBDocument struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	KBID      int64          `json:"kb_id"`
	Content   string         `json:"content"`
	Embedding []float64      `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// KBResult is one similarity search hit. Score is cosine similarity, higher is
// a closer match.
type KBResult struct {
	ID       int64          `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// VersionInfo describes one published config version.
type VersionInfo struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// FormatValue renders a collected value for summaries and delivery payloads.
func FormatValue(v any) string {
	if v == nil {
		return "<missing>"
	}
	return fmt.Sprintf("%v", v)
}
