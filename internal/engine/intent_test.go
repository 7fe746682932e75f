package engine

import (
	"testing"

	"github.com/formpilot/FormPilot/internal/models"
)

func TestClassifierBindsAboveThreshold(t *testing.T) {
	classifier := &stubClassifier{choice: models.IntentChoice{IntentID: "contact_intent", Confidence: 0.9}}
	e := newTestEngine(contactConfig(), nil, WithClassifier(classifier))

	state := runTurn(t, e, models.NewConversationState("th_bind"), "I need to get in touch")
	if state.CurrentIntent != "contact_intent" || state.CurrentFormID != "contact" {
		t.Errorf("expected binding, got intent=%q form=%q", state.CurrentIntent, state.CurrentFormID)
	}
	if classifier.calls != 1 {
		t.Errorf("expected one classification call, got %d", classifier.calls)
	}
}

func TestClassifierBelowThresholdFallsBack(t *testing.T) {
	classifier := &stubClassifier{choice: models.IntentChoice{IntentID: "contact_intent", Confidence: 0.2}}
	e := newTestEngine(contactConfig(), nil, WithClassifier(classifier))

	state := runTurn(t, e, models.NewConversationState("th_low"), "mumble")
	if state.CurrentFormID != "" {
		t.Error("low confidence must not bind")
	}
	if !state.GeneralQuery {
		t.Error("expected general query flag")
	}
	if state.Reply != "I can help with: contact." {
		t.Errorf("expected intent menu, got %q", state.Reply)
	}
}

func TestClassifierUnknownIntentIgnored(t *testing.T) {
	classifier := &stubClassifier{choice: models.IntentChoice{IntentID: "made_up", Confidence: 0.99}}
	e := newTestEngine(contactConfig(), nil, WithClassifier(classifier))

	state := runTurn(t, e, models.NewConversationState("th_unknown"), "whatever")
	if state.CurrentFormID != "" {
		t.Error("an id outside the candidate set must not bind")
	}
}

func TestCustomThreshold(t *testing.T) {
	classifier := &stubClassifier{choice: models.IntentChoice{IntentID: "contact_intent", Confidence: 0.5}}
	cfg := Config{RoutingEnabled: true, IntentThreshold: 0.6}
	e := New(contactConfig(), nil, cfg, WithClassifier(classifier))

	state := runTurn(t, e, models.NewConversationState("th_thresh"), "contact details")
	if state.CurrentFormID != "" {
		t.Error("confidence below the configured threshold must not bind")
	}
}

func TestHeuristicMatchesByName(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := runTurn(t, e, models.NewConversationState("th_name"), "please open the CONTACT flow")
	if state.CurrentFormID != "contact" {
		t.Errorf("expected name match, got %q", state.CurrentFormID)
	}
}

func TestHeuristicMatchesByDescriptionToken(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := runTurn(t, e, models.NewConversationState("th_desc"), "I want to share details with you")
	if state.CurrentFormID != "contact" {
		t.Errorf("expected description token match, got %q", state.CurrentFormID)
	}
}

func TestHeuristicHasNoDefaultIntent(t *testing.T) {
	e := newTestEngine(contactConfig(), nil)
	state := runTurn(t, e, models.NewConversationState("th_none"), "zzz qqq")
	if state.CurrentFormID != "" {
		t.Error("unmatched message must not bind the first intent")
	}
	if !state.GeneralQuery {
		t.Error("expected general query flag")
	}
}

func TestRoutingDisabledUsesHeuristics(t *testing.T) {
	classifier := &stubClassifier{choice: models.IntentChoice{IntentID: "contact_intent", Confidence: 0.99}}
	cfg := Config{RoutingEnabled: false}
	e := New(contactConfig(), nil, cfg, WithClassifier(classifier))

	runTurn(t, e, models.NewConversationState("th_off"), "contact")
	if classifier.calls != 0 {
		t.Errorf("classifier must not run when routing is disabled, got %d calls", classifier.calls)
	}
}

func TestBoundConversationSkipsResolution(t *testing.T) {
	classifier := &stubClassifier{choice: models.IntentChoice{IntentID: "contact_intent", Confidence: 0.9}}
	e := newTestEngine(contactConfig(), nil, WithClassifier(classifier))

	state := runTurn(t, e, models.NewConversationState("th_once"), "contact")
	state = runTurn(t, e, state, "Alice")
	if classifier.calls != 1 {
		t.Errorf("intent resolution must run once per conversation, got %d calls", classifier.calls)
	}
	if got := state.FormValues["name"]; got != "Alice" {
		t.Errorf("expected answer routed to the form, got %v", got)
	}
}
