package ingestion_engine

import (
	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/models"
)

// IngestConfig tunes the ingestion pipeline.
//
// MaxChunkSize:   hard upper bound of a chunk, in runes.
// ChunkOverlap:   runes of the previous chunk's tail repeated at the head of the next.
// MinChunkSize:   refined texts shorter than this are merged into their predecessor.
// EmbedDim:       every vector must have exactly this many values.
// EmbedBatchSize: window size of the windowed embedding mode.
// MaxDataSources: fallback quota when the chatbot row carries none.
// Concurrency:    upper bound of concurrent tasks per source-type group.
type IngestConfig struct {
	ChunkStrategy  string
	MaxChunkSize   int
	ChunkOverlap   int
	MinChunkSize   int
	EmbedDim       int
	EmbedBatchSize int
	EmbedMode      string
	MaxDataSources int
	FailurePolicy  string
	Concurrency    int
	ArchiveUploads bool
	QueueSize      int
}

// IngestConfigFrom maps the service configuration onto pipeline knobs.
func IngestConfigFrom(cfg *config.Config) *IngestConfig {
	return &IngestConfig{
		ChunkStrategy:  cfg.ChunkStrategy,
		MaxChunkSize:   cfg.MaxChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		MinChunkSize:   cfg.MinChunkSize,
		EmbedDim:       cfg.EmbedDim,
		EmbedBatchSize: cfg.EmbedBatchSize,
		EmbedMode:      cfg.EmbedMode,
		MaxDataSources: cfg.MaxDataSources,
		FailurePolicy:  cfg.FailurePolicy,
		Concurrency:    cfg.IngestConcurrency,
		ArchiveUploads: cfg.ArchiveUploads,
		QueueSize:      64,
	}
}

func (c *IngestConfig) withDefaults() *IngestConfig {
	out := *c
	if out.MaxChunkSize <= 0 {
		out.MaxChunkSize = 1000
	}
	if out.ChunkOverlap < 0 || out.ChunkOverlap >= out.MaxChunkSize {
		out.ChunkOverlap = 0
	}
	if out.EmbedBatchSize <= 0 {
		out.EmbedBatchSize = 100
	}
	if out.EmbedMode == "" {
		out.EmbedMode = config.EmbedModeBatch
	}
	if out.FailurePolicy == "" {
		out.FailurePolicy = config.FailurePolicyAbort
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 8
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	return &out
}

// IngestState is the orchestrator's position in one ingestion call.
type IngestState string

const (
	StateValidating  IngestState = "Validating"
	StateFanningOut  IngestState = "FanningOut"
	StateAggregating IngestState = "Aggregating"
	StateEmbedding   IngestState = "Embedding"
	StatePersisting  IngestState = "Persisting"
	StateDone        IngestState = "Done"
	StateFailed      IngestState = "Failed"
)

// IngestRequest is one batch of knowledge sources for a chatbot.
type IngestRequest struct {
	UserID      string
	ChatbotID   int64
	WebsiteURLs []string
	QandA       []models.QAPair
	Documents   []models.FileUpload
	CSVFiles    []models.FileUpload
}

// SourceCount is the number of DataSource records the request would create.
func (r *IngestRequest) SourceCount() int {
	return len(r.Documents) + len(r.WebsiteURLs) + len(r.QandA) + len(r.CSVFiles)
}

// Empty reports a request without any content.
func (r *IngestRequest) Empty() bool {
	return r.SourceCount() == 0
}

// SourceFailure reports a source dropped under the skip failure policy.
type SourceFailure struct {
	SourceID models.SourceID   `json:"source_id"`
	Name     string            `json:"name"`
	Type     models.SourceType `json:"type"`
	Reason   string            `json:"reason"`
}

// IngestResult summarizes a finished ingestion call.
type IngestResult struct {
	State   IngestState     `json:"state"`
	Sources int             `json:"sources"`
	Chunks  int             `json:"chunks"`
	Failed  []SourceFailure `json:"failed,omitempty"`
}

// SourceRef ties chunks to the fan-out unit they came from.
type SourceRef struct {
	ID   models.SourceID
	Name string
	Type models.SourceType
}

// sourceSlot is written by exactly one fan-out task.
type sourceSlot struct {
	ref    SourceRef
	desc   models.DataSource
	chunks []models.Chunk
	raw    *models.FileUpload
	err    error
}
