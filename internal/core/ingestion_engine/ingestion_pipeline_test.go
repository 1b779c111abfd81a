package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	db "github.com/markdave123-py/ragbot/internal/core/database"
	"github.com/markdave123-py/ragbot/internal/core/mock"
	"github.com/markdave123-py/ragbot/internal/models"
)

const (
	testDim  = 8
	testUser = "user-1"
	paraOne  = "First paragraph talks about onboarding steps."
	paraTwo  = "Second paragraph covers billing questions."
)

// fakeCrawler serves page texts by URL; unknown URLs fail like a crawler outage.
type fakeCrawler struct {
	pages map[string]string
}

func (c *fakeCrawler) Crawl(_ context.Context, url string) (string, error) {
	if text, ok := c.pages[url]; ok {
		return text, nil
	}
	return "", fmt.Errorf("%w: %s unreachable", core.ErrCrawlService, url)
}

// fakeObjects records archive uploads and deletions.
type fakeObjects struct {
	mu      sync.Mutex
	uploads []string
	deletes []string
}

func (f *fakeObjects) UploadFile(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, key)
	return "https://bucket.example/" + key, nil
}

func (f *fakeObjects) DeleteFile(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeObjects) GetFile(context.Context, string) ([]byte, error) {
	return nil, core.ErrNotFound
}

// brokenStore fails every commit.
type brokenStore struct {
	*db.MemoryStore
}

func (brokenStore) BulkInsert(context.Context, int64, int, []models.DataSource, []models.EmbeddingRow) error {
	return errors.New("connection reset by peer")
}

type fixture struct {
	orch    *Orchestrator
	store   *db.MemoryStore
	emb     *mock.MockEmbedder
	chatbot models.Chatbot
}

func baseConfig() *IngestConfig {
	return &IngestConfig{
		MaxChunkSize: 60,
		ChunkOverlap: 0,
		MinChunkSize: 10,
		EmbedDim:     testDim,
		Concurrency:  4,
	}
}

func newFixture(t *testing.T, cfg *IngestConfig, maxSources int, opts ...Option) *fixture {
	t.Helper()
	store := db.NewMemoryStore(testDim)
	bot := store.SaveChatbot(models.Chatbot{UserID: testUser, Name: "support", MaxDataSources: maxSources})
	emb := mock.NewMockEmbedder(testDim)

	crawler := &fakeCrawler{pages: map[string]string{
		"https://ok.example": "Pricing starts at ten dollars per seat.",
	}}
	orch, err := NewOrchestrator(store, emb, newTestExtractor(t), crawler, cfg, opts...)
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, emb: emb, chatbot: bot}
}

func textDoc(name, body string) models.FileUpload {
	return models.FileUpload{Name: name, ContentType: ContentTypeText, Data: []byte(body)}
}

func (f *fixture) rows(t *testing.T) []models.RetrievedChunk {
	t.Helper()
	hits, err := f.store.SimilaritySearch(context.Background(), f.chatbot.ID, mock.Vector("any query", testDim), 1000)
	require.NoError(t, err)
	return hits
}

func (f *fixture) sourceCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountDataSources(context.Background(), f.chatbot.ID)
	require.NoError(t, err)
	return n
}

func TestIngest_DocumentAndQandA(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)
	ctx := context.Background()

	res, err := f.orch.Ingest(ctx, IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		Documents: []models.FileUpload{textDoc("guide.txt", paraOne+"\n\n"+paraTwo)},
		QandA:     []models.QAPair{{Question: "Do you offer refunds?", Answer: "Within 30 days."}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Sources)
	assert.Equal(t, 3, res.Chunks)
	assert.Empty(t, res.Failed)

	sources, err := f.store.ListDataSources(ctx, f.chatbot.ID)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	names := map[string]models.DataSource{}
	for _, ds := range sources {
		names[ds.Name] = ds
	}
	require.Contains(t, names, "guide.txt")
	require.Contains(t, names, models.QandASourceName)
	assert.Equal(t, models.SourceDocument, names["guide.txt"].Type)
	assert.Equal(t, "Do you offer refunds?", names[models.QandASourceName].Citation)

	// every row carries the vector of its own text
	for _, text := range []string{paraOne, paraTwo} {
		hits, err := f.store.SimilaritySearch(ctx, f.chatbot.ID, mock.Vector(text, testDim), 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, text, hits[0].Text)
		assert.Equal(t, "guide.txt", hits[0].Topic)
		assert.InDelta(t, 0, hits[0].Distance, 1e-5)
	}

	qa := FormatQA("Do you offer refunds?", "Within 30 days.")
	hits, err := f.store.SimilaritySearch(ctx, f.chatbot.ID, mock.Vector(qa, testDim), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, qa, hits[0].Text)
	assert.Equal(t, models.QandASourceName, hits[0].Topic)
	assert.Equal(t, "Do you offer refunds?", hits[0].Citation)
}

func TestIngest_CSVFile(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)

	csv := "question,answer\nWhere are you based?,Lisbon.\nDo you work weekends?,No.\n"
	res, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		CSVFiles:  []models.FileUpload{{Name: "faq.csv", Data: []byte(csv)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sources)
	assert.Equal(t, 2, res.Chunks)

	sources, err := f.store.ListDataSources(context.Background(), f.chatbot.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, models.SourceCSV, sources[0].Type)
	assert.Equal(t, "faq.csv", sources[0].Citation)
	assert.Equal(t, []string{"Where are you based?", "Do you work weekends?"}, sources[0].SourceDetails["questions"])

	var texts []string
	for _, hit := range f.rows(t) {
		assert.Equal(t, "faq.csv", hit.Topic)
		texts = append(texts, hit.Text)
	}
	assert.ElementsMatch(t, []string{
		"Question: Where are you based?\nAnswer: Lisbon.",
		"Question: Do you work weekends?\nAnswer: No.",
	}, texts)
}

func TestIngest_QuotaExceededBeforeAnyWork(t *testing.T) {
	f := newFixture(t, baseConfig(), 2)
	ctx := context.Background()
	require.NoError(t, f.store.BulkInsert(ctx, f.chatbot.ID, 0, []models.DataSource{
		{ID: "old-1", Type: models.SourceWebsite, Name: "https://a.example"},
		{ID: "old-2", Type: models.SourceWebsite, Name: "https://b.example"},
	}, nil))

	res, err := f.orch.Ingest(ctx, IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		Documents: []models.FileUpload{textDoc("more.txt", paraOne)},
	})
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, f.emb.CallCount())
	assert.Equal(t, 2, f.sourceCount(t))
}

func TestIngest_ConfigQuotaAppliesWithoutChatbotLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxDataSources = 1
	f := newFixture(t, cfg, 0)

	_, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:      testUser,
		ChatbotID:   f.chatbot.ID,
		WebsiteURLs: []string{"https://ok.example"},
		QandA:       []models.QAPair{{Question: "q", Answer: "a"}},
	})
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)
}

func TestIngest_EmbeddingFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)
	f.emb.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("upstream 503")
	}

	res, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		Documents: []models.FileUpload{
			textDoc("a.txt", paraOne),
			textDoc("b.txt", paraTwo),
			textDoc("c.txt", "Third document body text."),
		},
	})
	assert.ErrorIs(t, err, core.ErrEmbeddingService)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, f.sourceCount(t))
	assert.Empty(t, f.rows(t))
}

func TestIngest_DimensionMismatch(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)
	f.emb.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = mock.Vector(t, testDim/2)
		}
		return out, nil
	}

	_, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		Documents: []models.FileUpload{textDoc("a.txt", paraOne)},
	})
	assert.ErrorIs(t, err, core.ErrEmbeddingService)
	assert.Zero(t, f.sourceCount(t))
}

func TestIngest_PersistenceFailureDropsArchives(t *testing.T) {
	cfg := baseConfig()
	cfg.ArchiveUploads = true
	objects := &fakeObjects{}

	store := db.NewMemoryStore(testDim)
	bot := store.SaveChatbot(models.Chatbot{UserID: testUser, MaxDataSources: 10})
	orch, err := NewOrchestrator(brokenStore{store}, mock.NewMockEmbedder(testDim), newTestExtractor(t), &fakeCrawler{}, cfg,
		WithObjectClient(objects))
	require.NoError(t, err)

	_, err = orch.Ingest(context.Background(), IngestRequest{
		UserID:    testUser,
		ChatbotID: bot.ID,
		Documents: []models.FileUpload{textDoc("a.txt", paraOne)},
	})
	assert.ErrorIs(t, err, core.ErrPersistence)
	require.Len(t, objects.uploads, 1)
	assert.Equal(t, objects.uploads, objects.deletes)
}

func TestIngest_ArchivesUploads(t *testing.T) {
	cfg := baseConfig()
	cfg.ArchiveUploads = true
	objects := &fakeObjects{}
	f := newFixture(t, cfg, 10, WithObjectClient(objects))

	_, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:      testUser,
		ChatbotID:   f.chatbot.ID,
		Documents:   []models.FileUpload{textDoc("a.txt", paraOne)},
		WebsiteURLs: []string{"https://ok.example"},
	})
	require.NoError(t, err)
	require.Len(t, objects.uploads, 1)
	assert.Empty(t, objects.deletes)

	sources, err := f.store.ListDataSources(context.Background(), f.chatbot.ID)
	require.NoError(t, err)
	for _, ds := range sources {
		if ds.Type == models.SourceDocument {
			assert.Equal(t, fmt.Sprintf("chatbots/%d/%s/a.txt", f.chatbot.ID, ds.ID), objects.uploads[0])
			assert.Equal(t, "https://bucket.example/"+objects.uploads[0], ds.SourceDetails["storageUrl"])
		} else {
			assert.NotContains(t, ds.SourceDetails, "storageUrl")
		}
	}
}

func TestIngest_FailurePolicy(t *testing.T) {
	docs := []models.FileUpload{
		textDoc("good.txt", paraOne),
		{Name: "bad.bin", Data: []byte{0x00, 0x01}},
	}

	t.Run("abort", func(t *testing.T) {
		f := newFixture(t, baseConfig(), 10)
		res, err := f.orch.Ingest(context.Background(), IngestRequest{UserID: testUser, ChatbotID: f.chatbot.ID, Documents: docs})
		assert.ErrorIs(t, err, core.ErrExtractionFailure)
		assert.Equal(t, StateFailed, res.State)
		assert.Zero(t, f.sourceCount(t))
	})

	t.Run("skip", func(t *testing.T) {
		cfg := baseConfig()
		cfg.FailurePolicy = config.FailurePolicySkip
		f := newFixture(t, cfg, 10)

		res, err := f.orch.Ingest(context.Background(), IngestRequest{UserID: testUser, ChatbotID: f.chatbot.ID, Documents: docs})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Sources)
		require.Len(t, res.Failed, 1)
		assert.Equal(t, "bad.bin", res.Failed[0].Name)
		assert.Equal(t, "content could not be extracted", res.Failed[0].Reason)
		assert.Equal(t, 1, f.sourceCount(t))
	})
}

func TestIngest_WebsiteFailureIsolatedUnderSkip(t *testing.T) {
	cfg := baseConfig()
	cfg.FailurePolicy = config.FailurePolicySkip
	f := newFixture(t, cfg, 10)

	res, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:      testUser,
		ChatbotID:   f.chatbot.ID,
		WebsiteURLs: []string{"https://ok.example", "https://down.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sources)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "https://down.example", res.Failed[0].Name)
	assert.Equal(t, models.SourceWebsite, res.Failed[0].Type)
	assert.Equal(t, "website could not be crawled", res.Failed[0].Reason)

	hits := f.rows(t)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://ok.example", hits[0].Topic)
}

func TestIngest_AllSourcesFailUnderSkip(t *testing.T) {
	cfg := baseConfig()
	cfg.FailurePolicy = config.FailurePolicySkip
	f := newFixture(t, cfg, 10)

	_, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:      testUser,
		ChatbotID:   f.chatbot.ID,
		WebsiteURLs: []string{"https://down.example"},
	})
	assert.ErrorIs(t, err, core.ErrCrawlService)
	assert.Zero(t, f.emb.CallCount())
}

func TestIngest_BlankQandAPair(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)
	_, err := f.orch.Ingest(context.Background(), IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		QandA:     []models.QAPair{{Question: "Valid?", Answer: "Yes."}, {Question: " ", Answer: "orphan"}},
	})
	assert.ErrorIs(t, err, core.ErrExtractionFailure)
	assert.Zero(t, f.sourceCount(t))
}

func TestIngest_ValidationErrors(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)
	ctx := context.Background()
	doc := []models.FileUpload{textDoc("a.txt", paraOne)}

	_, err := f.orch.Ingest(ctx, IngestRequest{UserID: testUser, ChatbotID: f.chatbot.ID})
	assert.ErrorIs(t, err, core.ErrNothingSubmitted)

	_, err = f.orch.Ingest(ctx, IngestRequest{UserID: "intruder", ChatbotID: f.chatbot.ID, Documents: doc})
	assert.ErrorIs(t, err, core.ErrAuthentication)

	_, err = f.orch.Ingest(ctx, IngestRequest{UserID: "", ChatbotID: f.chatbot.ID, Documents: doc})
	assert.ErrorIs(t, err, core.ErrAuthentication)

	_, err = f.orch.Ingest(ctx, IngestRequest{UserID: testUser, ChatbotID: 999, Documents: doc})
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Zero(t, f.emb.CallCount())
}

func TestIngest_WindowedModeResumesFromCheckpoints(t *testing.T) {
	cps, err := OpenCheckpointStore(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cps.Close() })

	cfg := baseConfig()
	cfg.EmbedMode = config.EmbedModeWindowed
	cfg.EmbedBatchSize = 1
	f := newFixture(t, cfg, 10, WithCheckpoints(cps))

	calls := 0
	f.emb.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("rate limited")
		}
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = mock.Vector(t, testDim)
		}
		return out, nil
	}
	req := IngestRequest{
		UserID:    testUser,
		ChatbotID: f.chatbot.ID,
		Documents: []models.FileUpload{textDoc("guide.txt", paraOne+"\n\n"+paraTwo)},
	}

	_, err = f.orch.Ingest(context.Background(), req)
	require.ErrorIs(t, err, core.ErrEmbeddingService)
	assert.Equal(t, 1, cps.Len())
	assert.Zero(t, f.sourceCount(t))

	// the retry only pays for the window that failed
	before := f.emb.Embedded()
	res, err := f.orch.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 1, f.emb.Embedded()-before)
	assert.Zero(t, cps.Len())
}

func TestOrchestrator_BackgroundQueue(t *testing.T) {
	f := newFixture(t, baseConfig(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.orch.Start(ctx, 2)

	require.NoError(t, f.orch.Enqueue(ctx, IngestRequest{
		UserID:      testUser,
		ChatbotID:   f.chatbot.ID,
		WebsiteURLs: []string{"https://ok.example"},
	}))
	require.Eventually(t, func() bool {
		n, err := f.store.CountDataSources(ctx, f.chatbot.ID)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueue_ContextDone(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 1
	f := newFixture(t, cfg, 10)
	req := IngestRequest{UserID: testUser, ChatbotID: f.chatbot.ID, WebsiteURLs: []string{"https://ok.example"}}

	require.NoError(t, f.orch.Enqueue(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.orch.Enqueue(ctx, req), context.DeadlineExceeded)
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(nil, mock.NewMockEmbedder(testDim), newTestExtractor(t), &fakeCrawler{}, nil)
	assert.Error(t, err)

	_, err = NewOrchestrator(db.NewMemoryStore(testDim), mock.NewMockEmbedder(testDim), newTestExtractor(t), &fakeCrawler{},
		&IngestConfig{ChunkStrategy: "bogus"})
	assert.Error(t, err)
}
