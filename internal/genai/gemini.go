package genai

import (
	"context"
	"fmt"
	"os"

	googlegenai "google.golang.org/genai"
)

// DefaultGeminiEmbeddingModel is used when no embedding model is configured.
const DefaultGeminiEmbeddingModel = "gemini-embedding-001"

// geminiModels is the subset of the Gemini models service used for embeddings.
type geminiModels interface {
	EmbedContent(ctx context.Context, model string, contents []*googlegenai.Content, config *googlegenai.EmbedContentConfig) (*googlegenai.EmbedContentResponse, error)
}

// GeminiEmbedder produces embeddings with the Gemini API.
type GeminiEmbedder struct {
	models   geminiModels
	model    string
	taskType string
}

var _ Embedder = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder creates an embedder. The API key falls back to GEMINI_API_KEY.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key not set")
	}
	if model == "" {
		model = DefaultGeminiEmbeddingModel
	}
	client, err := googlegenai.NewClient(ctx, &googlegenai.ClientConfig{
		APIKey:  apiKey,
		Backend: googlegenai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiEmbedder{models: client.Models, model: model, taskType: "SEMANTIC_SIMILARITY"}, nil
}

// Embed returns the embedding of a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*googlegenai.Content{googlegenai.NewContentFromText(text, googlegenai.RoleUser)}
	result, err := e.models.EmbedContent(ctx, e.model, contents, &googlegenai.EmbedContentConfig{TaskType: e.taskType})
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Embeddings) == 0 {
		return nil, ErrNoEmbeddingReturned
	}
	return result.Embeddings[0].Values, nil
}
