package core

import "context"

// EmbeddingProvider maps texts to fixed-dimension vectors.
// EmbedTexts returns exactly one vector per input text, in input order, or an error.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}
