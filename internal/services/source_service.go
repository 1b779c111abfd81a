package services

import (
	"context"
	"fmt"

	"github.com/markdave123-py/ragbot/internal/core"
	objectclient "github.com/markdave123-py/ragbot/internal/core/object-client"
	"github.com/markdave123-py/ragbot/internal/models"
)

// SourceService reads the DataSources of a chatbot on behalf of its owner.
type SourceService struct {
	db      core.DbClient
	storage core.ObjectClient
}

// NewSourceService builds the service. storage may be nil when uploads are not archived.
func NewSourceService(db core.DbClient, storage core.ObjectClient) *SourceService {
	return &SourceService{db: db, storage: storage}
}

// List returns the chatbot's sources, newest first.
func (s *SourceService) List(ctx context.Context, userID string, chatbotID int64) ([]models.DataSource, error) {
	if _, err := s.authorize(ctx, userID, chatbotID); err != nil {
		return nil, err
	}
	return s.db.ListDataSources(ctx, chatbotID)
}

// Usage reports how many sources the chatbot holds and its limit (0 = none).
func (s *SourceService) Usage(ctx context.Context, userID string, chatbotID int64, fallbackLimit int) (used, limit int, err error) {
	bot, err := s.authorize(ctx, userID, chatbotID)
	if err != nil {
		return 0, 0, err
	}
	used, err = s.db.CountDataSources(ctx, chatbotID)
	if err != nil {
		return 0, 0, err
	}
	limit = bot.MaxDataSources
	if limit <= 0 {
		limit = fallbackLimit
	}
	return used, limit, nil
}

// Raw returns the archived upload behind a document or CSV source.
func (s *SourceService) Raw(ctx context.Context, userID string, chatbotID int64, sourceID models.SourceID) (*models.FileUpload, error) {
	sources, err := s.List(ctx, userID, chatbotID)
	if err != nil {
		return nil, err
	}
	if s.storage == nil {
		return nil, fmt.Errorf("source %s: archive disabled: %w", sourceID, core.ErrNotFound)
	}

	for _, ds := range sources {
		if ds.ID != sourceID {
			continue
		}
		if _, ok := ds.SourceDetails["storageUrl"]; !ok {
			return nil, fmt.Errorf("source %s has no archived upload: %w", sourceID, core.ErrNotFound)
		}
		data, err := s.storage.GetFile(ctx, objectclient.Key(chatbotID, ds.ID, ds.Name))
		if err != nil {
			return nil, err
		}
		ct, _ := ds.SourceDetails["type"].(string)
		return &models.FileUpload{Name: ds.Name, ContentType: ct, Data: data}, nil
	}
	return nil, fmt.Errorf("source %s: %w", sourceID, core.ErrNotFound)
}

func (s *SourceService) authorize(ctx context.Context, userID string, chatbotID int64) (*models.Chatbot, error) {
	bot, err := s.db.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	if userID == "" || bot.UserID != userID {
		return nil, fmt.Errorf("%w: user %q does not own chatbot %d", core.ErrAuthentication, userID, chatbotID)
	}
	return bot, nil
}
