package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/markdave123-py/ragbot/internal/models"
)

func TestSourceError_Unwraps(t *testing.T) {
	err := fmt.Errorf("fan out: %w", &SourceError{
		SourceID: "id-1",
		Name:     "https://example.com",
		Type:     models.SourceWebsite,
		Err:      fmt.Errorf("status 502: %w", ErrCrawlService),
	})

	assert.ErrorIs(t, err, ErrCrawlService)
	assert.Contains(t, err.Error(), `Website source "https://example.com"`)

	var se *SourceError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, models.SourceID("id-1"), se.SourceID)
}

func TestChatbotNotFound_IsNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrChatbotNotFound, ErrNotFound)
}
