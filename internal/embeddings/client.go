package embeddings

import (
	"context"
	"fmt"
)

// Embedder is the interface for embedding providers (Ollama, OpenAI-compatible)
type Embedder interface {
	// Embed generates an embedding for a single text string
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple text strings in a single request
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Health checks if the service is available and the model is loaded
	Health(ctx context.Context) error
}

// NewEmbedder creates a new embedding client based on the provider type
// Supported providers: "ollama", "openai" (also LM Studio and other
// OpenAI-compatible servers)
func NewEmbedder(provider, baseURL, model, apiKey string) (Embedder, error) {
	if baseURL == "" {
		baseURL = GetDefaultURL(provider)
	}
	if model == "" {
		model = GetDefaultModel(provider)
	}
	switch provider {
	case "ollama":
		return NewClient(baseURL, model), nil
	case "openai":
		return NewOpenAIClient(baseURL, model, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (supported: ollama, openai)", provider)
	}
}

// GetDefaultURL returns the default base URL for a given provider
func GetDefaultURL(provider string) string {
	switch provider {
	case "ollama":
		return "http://localhost:11434"
	case "openai":
		return "https://api.openai.com/v1"
	default:
		return ""
	}
}

// GetDefaultModel returns the default model name for a given provider
func GetDefaultModel(provider string) string {
	switch provider {
	case "ollama":
		return "nomic-embed-text"
	case "openai":
		return "text-embedding-3-small"
	default:
		return ""
	}
}
