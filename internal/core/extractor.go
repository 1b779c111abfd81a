package core

import "context"

// ContentExtractor normalizes the raw bytes of a declared content type into UTF-8 text.
// The `contentType` hint picks the parsing strategy; unsupported or unreadable
// payloads fail with ErrExtractionFailure.
type ContentExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}
