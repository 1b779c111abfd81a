package db

import (
	"context"
	"strings"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
)

// MemoryURL selects the in-process store instead of Postgres.
const MemoryURL = "memory://"

// LocalChatbotID is the chatbot seeded into the in-memory store.
const LocalChatbotID int64 = 1

// Open returns the persistence gateway named by cfg.DatabaseURL.
func Open(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if strings.HasPrefix(cfg.DatabaseURL, MemoryURL) {
		log.Warnf("Database: using in-memory store, data is lost on exit")
		store := NewMemoryStore(cfg.EmbedDim)
		bot := store.SaveChatbot(models.Chatbot{
			ID:             LocalChatbotID,
			UserID:         cfg.LocalChatbotOwner,
			Name:           "local",
			MaxDataSources: cfg.MaxDataSources,
		})
		log.Infof("Database: seeded chatbot %d owned by %q", bot.ID, bot.UserID)
		return store, nil
	}
	c, err := NewDatabaseClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
