package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/core/resilience"
)

// ResilientEmbedder retries a provider and stops calling it while it is down.
type ResilientEmbedder struct {
	next  core.EmbeddingProvider
	batch *resilience.Guard[[][]float32]
	one   *resilience.Guard[[]float32]
}

func NewResilientEmbedder(next core.EmbeddingProvider, p resilience.Policy) *ResilientEmbedder {
	return &ResilientEmbedder{
		next:  next,
		batch: resilience.NewGuard[[][]float32]("embed-batch", p),
		one:   resilience.NewGuard[[]float32]("embed-query", p),
	}
}

func (r *ResilientEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := r.batch.Do(ctx, func(ctx context.Context) ([][]float32, error) {
		return r.next.EmbedTexts(ctx, texts)
	})
	if err != nil {
		return nil, asEmbeddingError(err)
	}
	return vecs, nil
}

func (r *ResilientEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.one.Do(ctx, func(ctx context.Context) ([]float32, error) {
		return r.next.EmbedText(ctx, text)
	})
	if err != nil {
		return nil, asEmbeddingError(err)
	}
	return vec, nil
}

func asEmbeddingError(err error) error {
	if errors.Is(err, core.ErrEmbeddingService) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrEmbeddingService, err)
}

// ResilientLLM is the generation counterpart of ResilientEmbedder.
type ResilientLLM struct {
	next  core.LLMProvider
	guard *resilience.Guard[string]
}

func NewResilientLLM(next core.LLMProvider, p resilience.Policy) *ResilientLLM {
	return &ResilientLLM{next: next, guard: resilience.NewGuard[string]("generate", p)}
}

func (r *ResilientLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	out, err := r.guard.Do(ctx, func(ctx context.Context) (string, error) {
		out, err := r.next.Generate(ctx, systemPrompt, userPrompt)
		if errors.Is(err, ErrBlocked) {
			return "", resilience.Permanent(err)
		}
		return out, err
	})
	if err != nil && !errors.Is(err, core.ErrGenerationService) {
		return "", fmt.Errorf("%w: %w", core.ErrGenerationService, err)
	}
	return out, err
}

// NewEmbedder builds the configured embedding provider behind a resilience guard.
func NewEmbedder(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, error) {
	var (
		base core.EmbeddingProvider
		err  error
	)
	switch cfg.EmbedProvider {
	case "openai":
		base = NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbedModel, cfg.EmbedDim, cfg.EmbedBatchSize)
	case "gemini", "":
		base, err = NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, fmt.Errorf("gemini embedder: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbedProvider)
	}
	return NewResilientEmbedder(base, resilience.PolicyFromConfig(cfg)), nil
}

// NewLLM builds the generation model behind a resilience guard.
func NewLLM(ctx context.Context, cfg *config.Config) (core.LLMProvider, error) {
	g, err := NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, err
	}
	return NewResilientLLM(g, resilience.PolicyFromConfig(cfg)), nil
}
