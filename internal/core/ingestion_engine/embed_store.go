package ingestion_engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
)

// embedChunks returns one vector per chunk, index aligned. In windowed mode it
// also returns the checkpoint keys to drop once the rows are committed.
func (o *Orchestrator) embedChunks(ctx context.Context, chatbotID int64, chunks []models.Chunk, refs map[models.SourceID]SourceRef) ([][]float32, []string, error) {
	if len(chunks) == 0 {
		return nil, nil, nil
	}
	if o.cfg.EmbedMode == config.EmbedModeWindowed {
		return o.embedWindowed(ctx, chatbotID, chunks, refs)
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vecs, err := o.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, nil, embeddingErr(err)
	}
	if err := o.checkVectors(vecs, len(texts)); err != nil {
		return nil, nil, err
	}
	return vecs, nil, nil
}

// embedWindowed embeds each source in windows of at most EmbedBatchSize texts.
// Chunks of one source are contiguous after aggregation.
func (o *Orchestrator) embedWindowed(ctx context.Context, chatbotID int64, chunks []models.Chunk, refs map[models.SourceID]SourceRef) ([][]float32, []string, error) {
	out := make([][]float32, 0, len(chunks))
	var keys []string

	for start := 0; start < len(chunks); {
		src := chunks[start].SourceID
		end := start
		for end < len(chunks) && end-start < o.cfg.EmbedBatchSize && chunks[end].SourceID == src {
			end++
		}

		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = chunks[start+i].Text
		}
		ref, ok := refs[src]
		if !ok {
			ref = SourceRef{ID: src, Name: chunks[start].SourceName, Type: chunks[start].Type}
		}

		vecs, key, err := o.embedWindow(ctx, chatbotID, ref, texts)
		if err != nil {
			return nil, nil, err
		}
		if key != "" {
			keys = append(keys, key)
		}
		out = append(out, vecs...)
		start = end
	}
	return out, keys, nil
}

func (o *Orchestrator) embedWindow(ctx context.Context, chatbotID int64, ref SourceRef, texts []string) ([][]float32, string, error) {
	var key string
	if o.checkpoints != nil {
		key = windowKey(chatbotID, ref, texts)
		vecs, ok, err := o.checkpoints.Get(key)
		if err != nil {
			log.Warnf("Orchestrator: checkpoint read failed, re-embedding: %v", err)
		} else if ok && o.checkVectors(vecs, len(texts)) == nil {
			log.Debugf("Orchestrator: reused %d checkpointed vectors for %q", len(vecs), ref.Name)
			return vecs, key, nil
		}
	}

	vecs, err := o.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, "", embeddingErr(err)
	}
	if err := o.checkVectors(vecs, len(texts)); err != nil {
		return nil, "", err
	}

	if o.checkpoints != nil {
		if err := o.checkpoints.Put(key, vecs); err != nil {
			log.Warnf("Orchestrator: checkpoint write failed: %v", err)
			key = ""
		}
	}
	return vecs, key, nil
}

// checkVectors enforces one vector per text, each of EmbedDim values.
func (o *Orchestrator) checkVectors(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: got %d vectors for %d texts", core.ErrEmbeddingService, len(vecs), want)
	}
	if o.cfg.EmbedDim <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != o.cfg.EmbedDim {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", core.ErrEmbeddingService, i, len(v), o.cfg.EmbedDim)
		}
	}
	return nil
}

func embeddingErr(err error) error {
	if errors.Is(err, core.ErrEmbeddingService) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrEmbeddingService, err)
}
