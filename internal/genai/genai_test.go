package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/formpilot/FormPilot/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

// mockEmbeddingService implements embeddingService for testing.
type mockEmbeddingService struct {
	resp openai.CreateEmbeddingResponse
	err  error
}

func (m *mockEmbeddingService) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	return m.resp, m.err
}

func chatReply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
		Usage: openai.CompletionUsage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}
}

func TestSelectIntent_Success(t *testing.T) {
	mock := &mockChatService{resp: chatReply(`{"intent_id":"contact_intent","confidence":0.87}`)}
	client := &Client{chat: mock, model: DefaultChatModel}

	intents := []models.IntentDefinition{{ID: "contact_intent", Name: "contact", Description: "collect contact details"}}
	choice, err := client.SelectIntent(context.Background(), "I want to leave my details", intents)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if choice.IntentID != "contact_intent" {
		t.Errorf("expected contact_intent, got %q", choice.IntentID)
	}
	if choice.Confidence != 0.87 {
		t.Errorf("expected confidence 0.87, got %v", choice.Confidence)
	}
	if choice.Usage["total_tokens"] != int64(16) {
		t.Errorf("expected usage total_tokens 16, got %v", choice.Usage["total_tokens"])
	}
	if string(mock.params.Model) != DefaultChatModel {
		t.Errorf("expected model %q, got %q", DefaultChatModel, mock.params.Model)
	}
}

func TestSelectIntent_NullIntent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatReply(`{"intent_id":null,"confidence":0}`)}}
	choice, err := client.SelectIntent(context.Background(), "hello!", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if choice.IntentID != "" || choice.Confidence != 0 {
		t.Errorf("null intent must map to empty choice, got %+v", choice)
	}
}

func TestSelectIntent_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.SelectIntent(context.Background(), "msg", nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestSelectIntent_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.SelectIntent(context.Background(), "msg", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestSelectIntent_MalformedJSON(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatReply("not json at all")}}
	_, err := client.SelectIntent(context.Background(), "msg", nil)
	if err == nil || !strings.Contains(err.Error(), "parse intent response") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestExtractFields_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatReply(`{"guests":4,"smoking":null}`)}}

	fields := []models.FieldDescriptor{
		{Name: "guests", Type: "number"},
		{Name: "smoking", Type: "boolean"},
	}
	got, err := client.ExtractFields(context.Background(), "table for four please", fields)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got["guests"] != 4.0 {
		t.Errorf("expected guests 4, got %v", got["guests"])
	}
	if v, ok := got["smoking"]; !ok || v != nil {
		t.Errorf("expected explicit null for smoking, got %v (present=%v)", v, ok)
	}
}

func TestExtractFields_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.ExtractFields(context.Background(), "msg", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestAnswerWithContext_TrimsReply(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatReply("  We open at 9am.\n")}}
	out, err := client.AnswerWithContext(context.Background(), "when do you open?", []string{"Opening hours: 9-5."})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "We open at 9am." {
		t.Errorf("expected trimmed answer, got %q", out)
	}
}

func TestAnswerWithContext_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("rate limited")}}
	_, err := client.AnswerWithContext(context.Background(), "q", nil)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected rate limited error, got %v", err)
	}
}

func TestEmbedText_Success(t *testing.T) {
	resp := openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float64{0.1, 0.2, 0.3}}},
	}
	client := &Client{embeddings: &mockEmbeddingService{resp: resp}, embeddingModel: DefaultEmbeddingModel}

	vec, err := client.EmbedText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("unexpected embedding %v", vec)
	}
}

func TestEmbedText_NoData(t *testing.T) {
	client := &Client{embeddings: &mockEmbeddingService{resp: openai.CreateEmbeddingResponse{}}}
	_, err := client.EmbedText(context.Background(), "hello")
	if !errors.Is(err, ErrNoEmbeddingReturned) {
		t.Errorf("expected no embedding returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected API key error, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("m"), WithEmbeddingModel("e"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "m" || cli.embeddingModel != "e" {
		t.Errorf("options not applied: %q %q", cli.model, cli.embeddingModel)
	}
}
