package core

import (
	"context"

	"github.com/markdave123-py/ragbot/internal/models"
)

// DbClient is the persistence gateway. It abstracts Postgres/pgvector so higher
// layers never depend on a specific DB.
type DbClient interface {
	GetChatbot(ctx context.Context, chatbotID int64) (*models.Chatbot, error)
	CountDataSources(ctx context.Context, chatbotID int64) (int, error)
	ListDataSources(ctx context.Context, chatbotID int64) ([]models.DataSource, error)

	// BulkInsert writes all sources and rows in one transaction, or nothing.
	// maxSources > 0 re-checks the chatbot quota inside the transaction.
	BulkInsert(ctx context.Context, chatbotID int64, maxSources int, sources []models.DataSource, rows []models.EmbeddingRow) error

	// SimilaritySearch returns the k rows of chatbotID nearest to vec by cosine distance.
	SimilaritySearch(ctx context.Context, chatbotID int64, vec []float32, k int) ([]models.RetrievedChunk, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
}
