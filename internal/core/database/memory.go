package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/models"
)

// MemoryStore is a process-local DbClient with exact cosine search. A single
// mutex makes every BulkInsert atomic and visible to the next read.
type MemoryStore struct {
	mu       sync.RWMutex
	embedDim int
	nextBot  int64
	nextRow  int64
	chatbots map[int64]models.Chatbot
	sources  map[int64][]models.DataSource
	rows     map[int64][]models.EmbeddingRow
}

var _ core.DbClient = (*MemoryStore)(nil)

func NewMemoryStore(embedDim int) *MemoryStore {
	return &MemoryStore{
		embedDim: embedDim,
		chatbots: make(map[int64]models.Chatbot),
		sources:  make(map[int64][]models.DataSource),
		rows:     make(map[int64][]models.EmbeddingRow),
	}
}

// SaveChatbot stores b, assigning an ID when b.ID is zero.
func (m *MemoryStore) SaveChatbot(b models.Chatbot) models.Chatbot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		m.nextBot++
		b.ID = m.nextBot
	} else if b.ID > m.nextBot {
		m.nextBot = b.ID
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.chatbots[b.ID] = b
	return b
}

func (m *MemoryStore) GetChatbot(_ context.Context, chatbotID int64) (*models.Chatbot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.chatbots[chatbotID]
	if !ok {
		return nil, core.ErrChatbotNotFound
	}
	return &b, nil
}

func (m *MemoryStore) CountDataSources(_ context.Context, chatbotID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources[chatbotID]), nil
}

func (m *MemoryStore) ListDataSources(_ context.Context, chatbotID int64) ([]models.DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.sources[chatbotID]
	out := make([]models.DataSource, len(src))
	// newest first, like the SQL listing
	for i := range src {
		out[len(src)-1-i] = src[i]
	}
	return out, nil
}

func (m *MemoryStore) BulkInsert(_ context.Context, chatbotID int64, maxSources int, sources []models.DataSource, rows []models.EmbeddingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chatbots[chatbotID]; !ok {
		return core.ErrChatbotNotFound
	}
	if maxSources > 0 {
		existing := len(m.sources[chatbotID])
		if existing+len(sources) > maxSources {
			return fmt.Errorf("%w: %d existing + %d new > %d", core.ErrQuotaExceeded, existing, len(sources), maxSources)
		}
	}
	for i := range rows {
		if m.embedDim > 0 && len(rows[i].Embedding) != m.embedDim {
			return fmt.Errorf("%w: row %d has %d dimensions, want %d", core.ErrPersistence, i, len(rows[i].Embedding), m.embedDim)
		}
	}

	now := time.Now().UTC()
	for _, ds := range sources {
		ds.ChatbotID = chatbotID
		ds.CreatedAt = now
		m.sources[chatbotID] = append(m.sources[chatbotID], ds)
	}
	for _, r := range rows {
		m.nextRow++
		r.ID = m.nextRow
		r.ChatbotID = chatbotID
		r.CreatedAt = now
		r.Embedding = append([]float32(nil), r.Embedding...)
		m.rows[chatbotID] = append(m.rows[chatbotID], r)
	}
	return nil
}

func (m *MemoryStore) SimilaritySearch(_ context.Context, chatbotID int64, vec []float32, k int) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	citations := make(map[models.SourceID]string, len(m.sources[chatbotID]))
	for _, ds := range m.sources[chatbotID] {
		citations[ds.ID] = ds.Citation
	}

	rows := m.rows[chatbotID]
	hits := make([]models.RetrievedChunk, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, models.RetrievedChunk{
			Topic:    r.Topic,
			Text:     r.Text,
			Citation: citations[r.DataSourceID],
			Distance: CosineDistance(vec, r.Embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryStore) Close() error { return nil }

// CosineDistance is 1 - cos(a, b), matching pgvector's <=> operator. A zero
// vector is treated as maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
