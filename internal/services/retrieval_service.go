package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
)

// NoMatchMessage is returned when a chatbot has nothing close to the prompt.
const NoMatchMessage = "No matching documentation found."

// ErrEmptyPrompt is returned for a prompt that is blank after normalization.
var ErrEmptyPrompt = errors.New("prompt is empty")

const defaultSystemPrompt = "You are a helpful assistant. Answer using only the provided context. " +
	"If the context does not contain the answer, say you do not know."

// RetrievalResult holds the nearest chunks of one search, nearest first.
type RetrievalResult struct {
	Matches []models.RetrievedChunk `json:"matches"`
	NoMatch bool                    `json:"no_match"`
	Message string                  `json:"message,omitempty"`
}

// ChatAnswer is a generated answer grounded on retrieved chunks.
type ChatAnswer struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
	NoMatch   bool     `json:"no_match"`
}

type RetrievalService struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	llm      core.LLMProvider
	topK     int
}

// NewRetrievalService builds the service. llm may be nil, in which case Answer
// fails with core.ErrGenerationService.
func NewRetrievalService(db core.DbClient, emb core.EmbeddingProvider, llm core.LLMProvider, topK int) *RetrievalService {
	if topK <= 0 {
		topK = 2
	}
	return &RetrievalService{db: db, embedder: emb, llm: llm, topK: topK}
}

// NormalizePrompt collapses every whitespace run, newlines included, to one space.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// Search returns the chunks of chatbotID nearest to prompt. An empty result is
// reported through NoMatch, not as an error.
func (s *RetrievalService) Search(ctx context.Context, prompt string, chatbotID int64) (*RetrievalResult, error) {
	prompt = NormalizePrompt(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	vec, err := s.embedder.EmbedText(ctx, prompt)
	if err != nil {
		if !errors.Is(err, core.ErrEmbeddingService) {
			err = fmt.Errorf("%w: %w", core.ErrEmbeddingService, err)
		}
		return nil, err
	}

	hits, err := s.db.SimilaritySearch(ctx, chatbotID, vec, s.topK)
	if err != nil {
		if !errors.Is(err, core.ErrPersistence) {
			err = fmt.Errorf("%w: %w", core.ErrPersistence, err)
		}
		return nil, err
	}
	if len(hits) == 0 {
		log.Debugf("RetrievalService: no match for chatbot %d", chatbotID)
		return &RetrievalResult{NoMatch: true, Message: NoMatchMessage}, nil
	}
	return &RetrievalResult{Matches: hits}, nil
}

// Answer retrieves context for prompt and asks the generation model, using the
// chatbot's own system prompt when it has one.
func (s *RetrievalService) Answer(ctx context.Context, prompt string, chatbotID int64) (*ChatAnswer, error) {
	bot, err := s.db.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}

	res, err := s.Search(ctx, prompt, chatbotID)
	if err != nil {
		return nil, err
	}
	if res.NoMatch {
		return &ChatAnswer{Answer: NoMatchMessage, Citations: []string{}, NoMatch: true}, nil
	}
	if s.llm == nil {
		return nil, fmt.Errorf("%w: no generation model configured", core.ErrGenerationService)
	}

	system := strings.TrimSpace(bot.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}

	answer, err := s.llm.Generate(ctx, system, buildUserPrompt(NormalizePrompt(prompt), res.Matches))
	if err != nil {
		if !errors.Is(err, core.ErrGenerationService) {
			err = fmt.Errorf("%w: %w", core.ErrGenerationService, err)
		}
		return nil, err
	}
	return &ChatAnswer{Answer: strings.TrimSpace(answer), Citations: citations(res.Matches)}, nil
}

func buildUserPrompt(prompt string, hits []models.RetrievedChunk) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for _, h := range hits {
		sb.WriteString("[")
		sb.WriteString(h.Topic)
		sb.WriteString("]\n")
		sb.WriteString(h.Text)
		sb.WriteString("\n---\n")
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(prompt)
	return sb.String()
}

// citations lists distinct non-empty citations in hit order.
func citations(hits []models.RetrievedChunk) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		if h.Citation == "" {
			continue
		}
		if _, ok := seen[h.Citation]; ok {
			continue
		}
		seen[h.Citation] = struct{}{}
		out = append(out, h.Citation)
	}
	return out
}
