// Package genai wraps the OpenAI API behind the narrow capability interfaces
// the engine consumes: intent classification, field extraction, grounded
// answering, and text embedding.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/formpilot/FormPilot/internal/models"
)

// Default model names used when none are configured.
const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// Error variables for GenAI client operations.
var (
	// ErrAPIKeyNotSet indicates the OpenAI API key was not provided.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned indicates the API response contained no choices.
	ErrNoChoicesReturned = errors.New("no choices returned from OpenAI")
	// ErrNoEmbeddingReturned indicates the API response contained no embedding data.
	ErrNoEmbeddingReturned = errors.New("no embedding returned from OpenAI")
)

// chatService defines the interface for chat completion operations.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines the interface for embedding operations.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

// Option defines a functional option for configuring the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) { o.EmbeddingModel = model }
}

// Client provides LLM-backed capabilities over the OpenAI API.
type Client struct {
	chat           chatService
	embeddings     embeddingService
	model          string
	embeddingModel string
}

// chatAdapter adapts the SDK's chat completion service to chatService.
type chatAdapter struct {
	svc openai.ChatCompletionService
}

func (a *chatAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// embeddingAdapter adapts the SDK's embedding service to embeddingService.
type embeddingAdapter struct {
	svc openai.EmbeddingService
}

func (a *embeddingAdapter) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// NewClient creates a new GenAI client with the provided options.
// An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI NewClient: API key not set")
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model, "embedding_model", cfg.EmbeddingModel)
	return &Client{
		chat:           &chatAdapter{svc: cli.Chat.Completions},
		embeddings:     &embeddingAdapter{svc: cli.Embeddings},
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// intentPayload is the user-message body sent to the classifier.
type intentPayload struct {
	Message string          `json:"message"`
	Intents []intentSummary `json:"intents"`
}

type intentSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

const intentSystemPrompt = "Choose the best intent id for the user message. " +
	"If the message is a greeting, small talk, or doesn't match any intent, return null intent_id with confidence 0. " +
	"Return JSON with keys intent_id and confidence (0-1)."

// SelectIntent asks the model to rank the candidate intents against a user
// message. It returns the raw choice; candidate-set and threshold checks are
// the caller's responsibility.
func (c *Client) SelectIntent(ctx context.Context, message string, intents []models.IntentDefinition) (models.IntentChoice, error) {
	slog.Debug("GenAI SelectIntent: classifying message", "intents", len(intents))

	payload := intentPayload{Message: message, Intents: make([]intentSummary, 0, len(intents))}
	for _, it := range intents {
		payload.Intents = append(payload.Intents, intentSummary{ID: it.ID, Name: it.Name, Description: it.Description})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.IntentChoice{}, fmt.Errorf("failed to marshal intent payload: %w", err)
	}

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(intentSystemPrompt),
			openai.UserMessage(string(body)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		slog.Error("GenAI SelectIntent: API error", "error", err)
		return models.IntentChoice{}, fmt.Errorf("failed to classify intent: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.IntentChoice{}, ErrNoChoicesReturned
	}

	var parsed struct {
		IntentID   *string  `json:"intent_id"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return models.IntentChoice{}, fmt.Errorf("failed to parse intent response: %w", err)
	}

	choice := models.IntentChoice{Usage: usageMap(resp.Usage)}
	if parsed.IntentID != nil {
		choice.IntentID = *parsed.IntentID
	}
	if parsed.Confidence != nil {
		choice.Confidence = *parsed.Confidence
	}
	slog.Debug("GenAI SelectIntent: classified", "intent_id", choice.IntentID, "confidence", choice.Confidence)
	return choice, nil
}

const extractionSystemPrompt = "Extract field values from the message. " +
	"Return JSON object keyed by field name. Use null if missing."

// ExtractFields asks the model to pull field values out of a free-text
// message. Returned values are raw and must still pass validation.
func (c *Client) ExtractFields(ctx context.Context, message string, fields []models.FieldDescriptor) (map[string]any, error) {
	slog.Debug("GenAI ExtractFields: extracting", "fields", len(fields))

	body, err := json.Marshal(map[string]any{"message": message, "fields": fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction payload: %w", err)
	}

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractionSystemPrompt),
			openai.UserMessage(string(body)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		slog.Error("GenAI ExtractFields: API error", "error", err)
		return nil, fmt.Errorf("failed to extract fields: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	extracted := map[string]any{}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &extracted); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	return extracted, nil
}

const answerSystemPrompt = "You are a helpful assistant. Use the provided context to answer the question. " +
	"If the context does not contain the answer, say you do not know."

// AnswerWithContext asks the model to answer a question using only the
// supplied context passages.
func (c *Client) AnswerWithContext(ctx context.Context, question string, contexts []string) (string, error) {
	slog.Debug("GenAI AnswerWithContext: answering", "contexts", len(contexts))

	body, err := json.Marshal(map[string]any{
		"question": question,
		"context":  strings.Join(contexts, "\n\n"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal answer payload: %w", err)
	}

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(answerSystemPrompt),
			openai.UserMessage(string(body)),
		},
	})
	if err != nil {
		slog.Error("GenAI AnswerWithContext: API error", "error", err)
		return "", fmt.Errorf("failed to answer with context: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// EmbedText returns the embedding vector for a piece of text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.embeddings.Create(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		slog.Error("GenAI EmbedText: API error", "error", err)
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingReturned
	}
	return resp.Data[0].Embedding, nil
}

// usageMap converts SDK usage counters into a serializable map.
func usageMap(usage openai.CompletionUsage) map[string]any {
	return map[string]any{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}
}
