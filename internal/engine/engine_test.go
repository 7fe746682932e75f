package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/formpilot/FormPilot/internal/models"
)

// Shared fixtures and capability stubs for the engine tests.

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func contactConfig() *models.FormsConfig {
	return &models.FormsConfig{
		Intents: []models.IntentDefinition{
			{ID: "contact_intent", Name: "contact", Description: "collect contact details", TargetForm: "contact"},
		},
		Forms: []models.FormDefinition{
			{
				ID:         "contact",
				Name:       "Contact",
				Mode:       models.ModeStepByStep,
				FieldOrder: []string{"name", "age", "channel"},
				Fields: []models.FieldDefinition{
					{Name: "name", Label: "Full name", Type: models.FieldTypeText, Required: true},
					{Name: "age", Label: "Age", Type: models.FieldTypeNumber, Required: true, Minimum: floatPtr(18)},
					{Name: "channel", Label: "Preferred channel", Type: models.FieldTypeDropdown, Required: true, DropdownOptions: []string{"Email", "Phone"}},
				},
			},
		},
	}
}

type stubClassifier struct {
	choice models.IntentChoice
	err    error
	calls  int
}

func (s *stubClassifier) SelectIntent(_ context.Context, _ string, _ []models.IntentDefinition) (models.IntentChoice, error) {
	s.calls++
	return s.choice, s.err
}

type stubExtractor struct {
	result map[string]any
	err    error
	calls  int
}

func (s *stubExtractor) ExtractFields(_ context.Context, _ string, _ []models.FieldDescriptor) (map[string]any, error) {
	s.calls++
	return s.result, s.err
}

type stubAnswerer struct {
	answer string
	err    error
}

func (s *stubAnswerer) AnswerWithContext(_ context.Context, _ string, _ []string) (string, error) {
	return s.answer, s.err
}

type stubRetriever struct {
	results []models.KBResult
	err     error
}

func (s *stubRetriever) Search(_ context.Context, _ string, _ int) ([]models.KBResult, error) {
	return s.results, s.err
}

type stubInvoker struct {
	resp  *models.ToolResponse
	err   error
	calls int
	tools []string
}

func (s *stubInvoker) Invoke(_ context.Context, tool *models.ToolDefinition, _ map[string]any) (*models.ToolResponse, error) {
	s.calls++
	s.tools = append(s.tools, tool.Name)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func newTestEngine(forms *models.FormsConfig, tools *models.ToolsConfig, opts ...Option) *Engine {
	cfg := Config{
		RoutingEnabled:    true,
		ExtractionEnabled: true,
		ToolsEnabled:      true,
		KnowledgeEnabled:  true,
	}
	return New(forms, tools, cfg, opts...)
}

func runTurn(t *testing.T, e *Engine, state *models.ConversationState, message string) *models.ConversationState {
	t.Helper()
	return e.RunTurn(context.Background(), state, message)
}

func TestStepByStepFlow(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := models.NewConversationState("th_test")

	state = runTurn(t, e, state, "I want to leave my contact details")
	if state.CurrentFormID != "contact" {
		t.Fatalf("expected contact form bound, got %q", state.CurrentFormID)
	}
	if state.Reply != "Please provide Full name (text)." {
		t.Errorf("unexpected first prompt: %q", state.Reply)
	}
	if !state.AwaitingField {
		t.Error("expected awaiting field after first prompt")
	}

	state = runTurn(t, e, state, "Alice Jones")
	if got := state.FormValues["name"]; got != "Alice Jones" {
		t.Errorf("expected name stored, got %v", got)
	}
	if state.Reply != "Please provide Age (number)." {
		t.Errorf("unexpected second prompt: %q", state.Reply)
	}

	state = runTurn(t, e, state, "17")
	if state.Reply != "Value must be at least 18. Please provide Age." {
		t.Errorf("unexpected validation reply: %q", state.Reply)
	}
	if _, exists := state.FormValues["age"]; exists {
		t.Error("invalid value must not be stored")
	}
	if state.CurrentStepIndex != 1 {
		t.Errorf("step index must not advance on invalid input, got %d", state.CurrentStepIndex)
	}

	state = runTurn(t, e, state, "I am 25 years old")
	if state.Reply != "Please provide a numeric value. Please provide Age." {
		t.Errorf("prose answer must be rejected, got %q", state.Reply)
	}
	if _, exists := state.FormValues["age"]; exists {
		t.Error("prose answer must not be stored")
	}

	state = runTurn(t, e, state, "25")
	if got := state.FormValues["age"]; got != 25.0 {
		t.Errorf("expected age 25.0, got %v", got)
	}

	state = runTurn(t, e, state, "email")
	if !state.Completed {
		t.Fatal("expected form completed")
	}
	if got := state.FormValues["channel"]; got != "Email" {
		t.Errorf("expected canonical option casing, got %v", got)
	}
	wantSummary := "Contact completed with:\n- Full name: Alice Jones\n- Age: 25\n- Preferred channel: Email"
	if state.Reply != wantSummary {
		t.Errorf("unexpected summary:\n%q\nwant\n%q", state.Reply, wantSummary)
	}
}

func TestOptionalFieldSkippedOnEmptyMessage(t *testing.T) {
	forms := contactConfig()
	forms.Forms[0].Fields[1].Required = false
	e := newTestEngine(forms, nil)
	state := models.NewConversationState("th_opt")

	state = runTurn(t, e, state, "contact")
	state = runTurn(t, e, state, "Alice")
	state = runTurn(t, e, state, "   ")
	if _, exists := state.FormValues["age"]; exists {
		t.Error("optional field must stay absent on empty input")
	}
	if state.Reply != "Please provide Preferred channel (dropdown)." {
		t.Errorf("expected prompt for next field, got %q", state.Reply)
	}
}

func TestZeroFieldFormCompletesImmediately(t *testing.T) {
	forms := &models.FormsConfig{
		Intents: []models.IntentDefinition{{ID: "ping", Name: "ping", TargetForm: "empty"}},
		Forms:   []models.FormDefinition{{ID: "empty", Name: "Ping", Mode: models.ModeStepByStep}},
	}
	e := newTestEngine(forms, nil)
	state := runTurn(t, e, models.NewConversationState("th_zero"), "ping")
	if !state.Completed {
		t.Fatal("expected zero-field form to complete on binding turn")
	}
	if state.Reply != "Ping completed with:" {
		t.Errorf("unexpected summary: %q", state.Reply)
	}
}

func TestCompletedWhileAwaitingGuard(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := models.NewConversationState("th_done")
	state.CurrentIntent = "contact_intent"
	state.CurrentFormID = "contact"
	state.Completed = true
	state.AwaitingField = true

	state = runTurn(t, e, state, "hello again")
	if state.Reply != "Form already completed. Say 'restart' to begin again." {
		t.Errorf("unexpected reply: %q", state.Reply)
	}
}

func TestCompletedIdleRebindsSameTurn(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := models.NewConversationState("th_rebind")
	state.CurrentIntent = "contact_intent"
	state.CurrentFormID = "contact"
	state.Completed = true
	state.FormValues = map[string]any{"name": "Old"}
	state.ToolHookExecuted["name|crm_sync"] = true

	state = runTurn(t, e, state, "contact")
	if state.CurrentFormID != "contact" || state.Completed {
		t.Fatalf("expected fresh binding, got form=%q completed=%v", state.CurrentFormID, state.Completed)
	}
	if _, exists := state.FormValues["name"]; exists {
		t.Error("expected form values cleared on rebind")
	}
	if !state.ToolHookExecuted["name|crm_sync"] {
		t.Error("hook execution record must survive the rebind")
	}
	if state.Reply != "Please provide Full name (text)." {
		t.Errorf("expected first field prompt, got %q", state.Reply)
	}
}

func TestMissingFormConfig(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := models.NewConversationState("th_missing")
	state.CurrentIntent = "contact_intent"
	state.CurrentFormID = "vanished"

	state = runTurn(t, e, state, "hello")
	if state.Reply != "Configured form 'vanished' was not found." {
		t.Errorf("unexpected reply: %q", state.Reply)
	}
}

func TestTurnTraceStandsAlone(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := models.NewConversationState("th_trace")

	state = runTurn(t, e, state, "contact")
	first := len(state.TraceEvents)
	if first == 0 {
		t.Fatal("expected trace events recorded")
	}
	if state.TraceEvents[0].Node != "turn" || state.TraceEvents[0].Phase != models.PhaseStart {
		t.Errorf("trace must open with turn start, got %s/%s", state.TraceEvents[0].Node, state.TraceEvents[0].Phase)
	}
	last := state.TraceEvents[len(state.TraceEvents)-1]
	if last.Node != "turn" || last.Phase != models.PhaseEnd {
		t.Errorf("trace must close with turn end, got %s/%s", last.Node, last.Phase)
	}

	state = runTurn(t, e, state, "Alice")
	for _, ev := range state.TraceEvents {
		if ev.Node == "intent_resolver" {
			t.Fatal("second turn trace must not carry first turn events")
		}
	}
}

func TestTranscriptRecordsBothRoles(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := runTurn(t, e, models.NewConversationState("th_msgs"), "contact")
	if len(state.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(state.Messages))
	}
	if state.Messages[0].Role != models.RoleUser || state.Messages[1].Role != models.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", state.Messages[0].Role, state.Messages[1].Role)
	}
	if state.Messages[1].Content != state.Reply {
		t.Error("assistant transcript entry must match the reply")
	}
}

func TestClassifierErrorSurfacesAsReply(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("model unavailable")}
	e := newTestEngine(contactConfig(), nil, WithClassifier(classifier))
	state := runTurn(t, e, models.NewConversationState("th_err"), "contact please")

	if !strings.HasPrefix(state.Reply, "Intent routing failed: ") {
		t.Errorf("unexpected reply: %q", state.Reply)
	}
	if state.CurrentFormID != "" {
		t.Error("conversation must stay unbound after a classifier error")
	}
}
