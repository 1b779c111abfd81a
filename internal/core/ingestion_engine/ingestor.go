package ingestion_engine

import "context"

// Ingestor accepts knowledge batches either synchronously (Ingest) or through
// the background queue (Enqueue, drained by Start).
type Ingestor interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, req IngestRequest) error
}
