package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceType is the kind of origin a DataSource describes.
type SourceType string

const (
	SourceDocument SourceType = "Document"
	SourceWebsite  SourceType = "Website"
	SourceQandA    SourceType = "QandA"
	SourceCSV      SourceType = "CSV"
)

// QandASourceName is the provenance label shared by manually entered Q&A pairs.
const QandASourceName = "Q&A Pairs"

// SourceID identifies one ingested unit (a file, a URL, a Q&A pair) from the
// moment its fan-out task is created until its rows are persisted.
type SourceID string

// NewSourceID returns a fresh random SourceID.
func NewSourceID() SourceID {
	return SourceID(uuid.NewString())
}

// Chatbot is owned by an external collaborator; it is read here for ownership
// and quota checks only.
type Chatbot struct {
	ID             int64     `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description"`
	SystemPrompt   string    `db:"system_prompt" json:"system_prompt"`
	MaxDataSources int       `db:"max_data_sources" json:"max_data_sources"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// DataSource is the persisted provenance record of one ingested unit.
type DataSource struct {
	ID            SourceID       `db:"id" json:"id"`
	ChatbotID     int64          `db:"chatbot_id" json:"chatbot_id"`
	Type          SourceType     `db:"type" json:"type"`
	Name          string         `db:"name" json:"name"`
	SourceDetails map[string]any `db:"source_details" json:"source_details"`
	Citation      string         `db:"citation" json:"citation"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Chunk is a bounded span of source text. It only lives for one ingestion call.
//
// Position:   zero-based order of the chunk within its source.
// TokenCount: approximate token count (~4 runes per token).
type Chunk struct {
	SourceID   SourceID   `json:"source_id"`
	SourceName string     `json:"source_name"`
	Type       SourceType `json:"type"`
	Position   int        `json:"position"`
	Text       string     `json:"text"`
	TokenCount int        `json:"token_count"`
}

// EmbeddingRow is one persisted chunk with its vector.
type EmbeddingRow struct {
	ID           int64     `db:"id" json:"id"`
	ChatbotID    int64     `db:"chatbot_id" json:"chatbot_id"`
	UserID       string    `db:"user_id" json:"user_id"`
	DataSourceID SourceID  `db:"data_source_id" json:"data_source_id"`
	Topic        string    `db:"topic" json:"topic"`
	Text         string    `db:"text" json:"text"`
	Embedding    []float32 `db:"embedding" json:"-"` // pgvector column
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RetrievedChunk is one similarity-search hit, nearest first.
type RetrievedChunk struct {
	Topic    string  `json:"topic"`
	Text     string  `json:"text"`
	Citation string  `json:"citation,omitempty"`
	Distance float64 `json:"distance"`
}

// QAPair is a question/answer pair entered manually or parsed from a sheet.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FileUpload is a raw attachment of an ingestion request.
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}
