package core

import (
	"errors"
	"fmt"

	"github.com/markdave123-py/ragbot/internal/models"
)

var (
	// ErrAuthentication is returned when the requester may not act on the chatbot.
	ErrAuthentication = errors.New("authentication failed")

	// ErrQuotaExceeded is returned when a batch would exceed the chatbot's data-source quota.
	ErrQuotaExceeded = errors.New("data source quota exceeded")

	// ErrExtractionFailure is returned for unreadable or unsupported payloads.
	ErrExtractionFailure = errors.New("content extraction failed")

	// ErrCrawlService is returned when the crawler service fails or answers non-2xx.
	ErrCrawlService = errors.New("crawl service error")

	// ErrEmbeddingService is returned when the embedding service fails or misaligns.
	ErrEmbeddingService = errors.New("embedding service error")

	// ErrGenerationService is returned when the generation model fails or refuses.
	ErrGenerationService = errors.New("generation service error")

	// ErrPersistence is returned when the persistence gateway fails.
	ErrPersistence = errors.New("persistence error")

	// ErrNotFound marks a lookup with no result.
	ErrNotFound = errors.New("not found")

	// ErrChatbotNotFound is returned when the target chatbot does not exist.
	ErrChatbotNotFound = fmt.Errorf("chatbot %w", ErrNotFound)

	// ErrNothingSubmitted is returned for an ingestion request without any content.
	ErrNothingSubmitted = errors.New("no content to process")
)

// SourceError ties a failure to the source unit that produced it.
type SourceError struct {
	SourceID models.SourceID
	Name     string
	Type     models.SourceType
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s source %q: %v", e.Type, e.Name, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
