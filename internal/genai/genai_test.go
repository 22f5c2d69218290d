package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp     *openai.ChatCompletion
	err      error
	lastBody openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastBody = body
	return m.resp, m.err
}

// mockEmbeddingService implements embeddingService for testing.
type mockEmbeddingService struct {
	resp *openai.CreateEmbeddingResponse
	err  error
}

func (m *mockEmbeddingService) New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	return m.resp, m.err
}

func TestGenerate_Success(t *testing.T) {
	chat := &mockChatService{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hello World"}},
		},
	}}
	client := &Client{chat: chat, model: "test-model"}
	prompt := Prompt{
		System: "system prompt",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "how are you"},
		},
	}
	out, err := client.Generate(context.Background(), prompt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(chat.lastBody.Messages) != 4 {
		t.Errorf("expected system + 3 messages, got %d", len(chat.lastBody.Messages))
	}
	if chat.lastBody.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", chat.lastBody.Model)
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Generate(context.Background(), UserPrompt("sys", "usr"))
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}}
	_, err := client.Generate(context.Background(), UserPrompt("sys", "usr"))
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestEmbed_ConvertsToFloat32(t *testing.T) {
	emb := &mockEmbeddingService{resp: &openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float64{0.5, -1, 0.25}}},
	}}
	client := &Client{embeddings: emb}
	vec, err := client.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -1 || vec[2] != 0.25 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestEmbed_Empty(t *testing.T) {
	client := &Client{embeddings: &mockEmbeddingService{resp: &openai.CreateEmbeddingResponse{}}}
	if _, err := client.Embed(context.Background(), "text"); !errors.Is(err, ErrNoEmbeddingReturned) {
		t.Errorf("expected ErrNoEmbeddingReturned, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("m"), WithEmbeddingModel("e"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "m" || cli.embeddingModel != "e" {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestNewClient_BaseURLWithoutKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cli, err := NewClient(WithBaseURL("http://localhost:8000/v1"))
	if err != nil {
		t.Fatalf("self-hosted endpoint should not require a key: %v", err)
	}
	if cli.model != DefaultModel {
		t.Errorf("expected default model, got %s", cli.model)
	}
}
