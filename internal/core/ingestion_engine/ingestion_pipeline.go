package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	objectclient "github.com/markdave123-py/ragbot/internal/core/object-client"
	"github.com/markdave123-py/ragbot/internal/core/resilience"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
)

// Orchestrator runs one ingestion call end to end:
//
// db:          persistence gateway (quota, descriptors, embeddings).
// obj:         optional object storage for archiving raw uploads.
// embedder:    embedding provider shared with retrieval.
// extractor:   document text extraction.
// crawler:     external crawler client for website sources.
// chunker:     chunk strategy.
// refiner:     chunk refiner chain.
// checkpoints: window checkpoints of the windowed embedding mode (may be nil).
// jobs:        in-memory queue for background ingestion.
type Orchestrator struct {
	db          core.DbClient
	obj         core.ObjectClient
	embedder    core.EmbeddingProvider
	extractor   core.ContentExtractor
	crawler     Crawler
	chunker     ChunkStrategy
	refiner     ChunkRefiner
	checkpoints *CheckpointStore
	persist     *resilience.Guard[struct{}]
	cfg         *IngestConfig
	jobs        chan IngestRequest
}

var _ Ingestor = (*Orchestrator)(nil)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithObjectClient(obj core.ObjectClient) Option {
	return func(o *Orchestrator) { o.obj = obj }
}

func WithChunker(c ChunkStrategy) Option {
	return func(o *Orchestrator) { o.chunker = c }
}

func WithRefiner(r ChunkRefiner) Option {
	return func(o *Orchestrator) { o.refiner = r }
}

func WithCheckpoints(s *CheckpointStore) Option {
	return func(o *Orchestrator) { o.checkpoints = s }
}

// WithPersistPolicy sets retry and breaker bounds of the persistence call.
func WithPersistPolicy(p resilience.Policy) Option {
	return func(o *Orchestrator) { o.persist = resilience.NewGuard[struct{}]("persistence", p) }
}

// NewOrchestrator constructs the orchestrator with a bounded job queue.
func NewOrchestrator(db core.DbClient, emb core.EmbeddingProvider, extractor core.ContentExtractor, crawler Crawler, cfg *IngestConfig, opts ...Option) (*Orchestrator, error) {
	if db == nil || emb == nil || extractor == nil || crawler == nil {
		return nil, fmt.Errorf("orchestrator: db, embedder, extractor and crawler are required")
	}
	if cfg == nil {
		cfg = &IngestConfig{}
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		db:        db,
		embedder:  emb,
		extractor: extractor,
		crawler:   crawler,
		cfg:       cfg,
		jobs:      make(chan IngestRequest, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.chunker == nil {
		c, err := NewChunkStrategy(cfg.ChunkStrategy, cfg.MaxChunkSize, cfg.ChunkOverlap)
		if err != nil {
			return nil, err
		}
		o.chunker = c
	}
	if o.refiner == nil {
		o.refiner = NewTextRefiner(cfg.MinChunkSize, cfg.MaxChunkSize)
	}
	if o.persist == nil {
		o.persist = resilience.NewGuard[struct{}]("persistence", resilience.Policy{MaxAttempts: 1})
	}
	return o, nil
}

// Ingest validates, fans out, aggregates, embeds and persists one request.
// Nothing is persisted unless every step succeeds.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	started := time.Now()
	res := &IngestResult{State: StateValidating}
	fail := func(err error) (*IngestResult, error) {
		log.Warnf("Orchestrator: chatbot %d ingestion failed in %s: %v", req.ChatbotID, res.State, err)
		res.State = StateFailed
		return res, err
	}

	maxSources, err := o.validate(ctx, &req)
	if err != nil {
		return fail(err)
	}

	res.State = StateFanningOut
	slots, err := o.fanOut(ctx, &req)
	if err != nil {
		return fail(err)
	}

	res.State = StateAggregating
	agg, err := o.aggregate(slots)
	if err != nil {
		return fail(err)
	}
	res.Failed = agg.failed

	res.State = StateEmbedding
	vecs, keys, err := o.embedChunks(ctx, req.ChatbotID, agg.chunks, agg.refs)
	if err != nil {
		return fail(err)
	}
	rows := o.buildRows(&req, agg, vecs)

	res.State = StatePersisting
	archived := o.archive(ctx, req.ChatbotID, agg)
	if err := o.persistBatch(ctx, req.ChatbotID, maxSources, agg.sources, rows); err != nil {
		o.dropArchived(archived)
		return fail(err)
	}
	if o.checkpoints != nil {
		if err := o.checkpoints.Delete(keys...); err != nil {
			log.Warnf("Orchestrator: clearing checkpoints: %v", err)
		}
	}

	res.State = StateDone
	res.Sources = len(agg.sources)
	res.Chunks = len(rows)
	log.Infof("Orchestrator: chatbot %d ingested %d sources, %d chunks in %s (%d skipped)",
		req.ChatbotID, res.Sources, res.Chunks, time.Since(started).Round(time.Millisecond), len(res.Failed))
	return res, nil
}

// validate has no side effects. It returns the quota to enforce at commit.
func (o *Orchestrator) validate(ctx context.Context, req *IngestRequest) (int, error) {
	if req.Empty() {
		return 0, core.ErrNothingSubmitted
	}

	bot, err := o.db.GetChatbot(ctx, req.ChatbotID)
	if err != nil {
		return 0, err
	}
	if req.UserID == "" || bot.UserID != req.UserID {
		return 0, fmt.Errorf("%w: user %q does not own chatbot %d", core.ErrAuthentication, req.UserID, req.ChatbotID)
	}

	maxSources := bot.MaxDataSources
	if maxSources <= 0 {
		maxSources = o.cfg.MaxDataSources
	}
	if maxSources <= 0 {
		return 0, nil
	}

	existing, err := o.db.CountDataSources(ctx, req.ChatbotID)
	if err != nil {
		return 0, err
	}
	if existing+req.SourceCount() > maxSources {
		return 0, fmt.Errorf("%w: %d existing + %d new > %d", core.ErrQuotaExceeded, existing, req.SourceCount(), maxSources)
	}
	return maxSources, nil
}

type fanOutSlots struct {
	documents []sourceSlot
	websites  []sourceSlot
	qanda     []sourceSlot
	csv       []sourceSlot
}

// fanOut runs one task group per source type. Every task writes only its own
// slot; each group's Wait is the join barrier before its slots are read.
func (o *Orchestrator) fanOut(ctx context.Context, req *IngestRequest) (*fanOutSlots, error) {
	s := &fanOutSlots{
		documents: make([]sourceSlot, len(req.Documents)),
		websites:  make([]sourceSlot, len(req.WebsiteURLs)),
		csv:       make([]sourceSlot, len(req.CSVFiles)),
	}

	s.qanda = o.processQandA(req.QandA)
	if o.abortOn(s.qanda) {
		return nil, firstErr(s.qanda)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.runGroup(gctx, s.documents, func(ctx context.Context, i int) sourceSlot {
			return o.processDocument(ctx, req.Documents[i])
		})
	})
	g.Go(func() error {
		return o.runGroup(gctx, s.websites, func(ctx context.Context, i int) sourceSlot {
			return o.processWebsite(ctx, req.WebsiteURLs[i])
		})
	})
	g.Go(func() error {
		return o.runGroup(gctx, s.csv, func(ctx context.Context, i int) sourceSlot {
			return o.processCSV(req.CSVFiles[i])
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) runGroup(ctx context.Context, slots []sourceSlot, work func(ctx context.Context, i int) sourceSlot) error {
	if len(slots) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i := range slots {
		g.Go(func() error {
			slots[i] = work(gctx, i)
			if slots[i].err != nil && o.cfg.FailurePolicy == config.FailurePolicyAbort {
				return slots[i].err
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) abortOn(slots []sourceSlot) bool {
	return o.cfg.FailurePolicy == config.FailurePolicyAbort && firstErr(slots) != nil
}

func firstErr(slots []sourceSlot) error {
	for i := range slots {
		if slots[i].err != nil {
			return slots[i].err
		}
	}
	return nil
}

func newSlot(name string, typ models.SourceType, details map[string]any, citation string) sourceSlot {
	ref := SourceRef{ID: models.NewSourceID(), Name: name, Type: typ}
	return sourceSlot{
		ref: ref,
		desc: models.DataSource{
			ID:            ref.ID,
			Type:          typ,
			Name:          name,
			SourceDetails: details,
			Citation:      citation,
		},
	}
}

func (s *sourceSlot) fail(err error) sourceSlot {
	s.err = &core.SourceError{SourceID: s.ref.ID, Name: s.ref.Name, Type: s.ref.Type, Err: err}
	return *s
}

// processDocument: extract -> chunk -> refine.
func (o *Orchestrator) processDocument(ctx context.Context, f models.FileUpload) sourceSlot {
	ct := ResolveContentType(f.Name, f.ContentType)
	slot := newSlot(f.Name, models.SourceDocument, map[string]any{"type": ct, "size": len(f.Data)}, f.Name)
	slot.raw = &f

	text, err := o.extractor.Extract(ctx, f.Data, ct)
	if err != nil {
		return slot.fail(err)
	}
	chunks, err := o.chunkAndRefine(ctx, text, slot.ref)
	if err != nil {
		return slot.fail(err)
	}
	slot.chunks = chunks
	return slot
}

// processWebsite: crawl (one call per URL) -> chunk -> refine.
func (o *Orchestrator) processWebsite(ctx context.Context, url string) sourceSlot {
	slot := newSlot(url, models.SourceWebsite, map[string]any{"url": url}, url)

	text, err := o.crawler.Crawl(ctx, url)
	if err != nil {
		return slot.fail(err)
	}
	chunks, err := o.chunkAndRefine(ctx, text, slot.ref)
	if err != nil {
		return slot.fail(err)
	}
	slot.chunks = chunks
	return slot
}

// processCSV emits one verbatim chunk per pair and one descriptor per file.
func (o *Orchestrator) processCSV(f models.FileUpload) sourceSlot {
	slot := newSlot(f.Name, models.SourceCSV, nil, f.Name)
	slot.raw = &f

	pairs, err := ParseQAFile(f)
	if err != nil {
		return slot.fail(err)
	}
	questions := make([]string, len(pairs))
	texts := make([]string, len(pairs))
	for i, p := range pairs {
		questions[i] = p.Question
		texts[i] = FormatQA(p.Question, p.Answer)
	}
	slot.desc.SourceDetails = map[string]any{
		"type":      ResolveContentType(f.Name, f.ContentType),
		"questions": questions,
	}
	slot.chunks = toChunks(texts, slot.ref, 0)
	return slot
}

// processQandA maps every manual pair to one descriptor and one verbatim chunk.
func (o *Orchestrator) processQandA(pairs []models.QAPair) []sourceSlot {
	if len(pairs) == 0 {
		return nil
	}
	questions := make([]string, len(pairs))
	for i, p := range pairs {
		questions[i] = p.Question
	}

	slots := make([]sourceSlot, len(pairs))
	for i, p := range pairs {
		slot := newSlot(models.QandASourceName, models.SourceQandA, map[string]any{"questions": questions}, p.Question)
		if isBlank(p.Question) || isBlank(p.Answer) {
			slots[i] = slot.fail(fmt.Errorf("%w: question and answer are required", core.ErrExtractionFailure))
			continue
		}
		slot.chunks = toChunks([]string{FormatQA(p.Question, p.Answer)}, slot.ref, 0)
		slots[i] = slot
	}
	return slots
}

func (o *Orchestrator) chunkAndRefine(ctx context.Context, text string, ref SourceRef) ([]models.Chunk, error) {
	chunks := o.chunker.Split(text, ref)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced", core.ErrExtractionFailure)
	}
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	refined, err := o.refiner.Refine(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(refined) == 0 {
		return nil, fmt.Errorf("%w: refinement removed all text", core.ErrExtractionFailure)
	}
	return toChunks(refined, ref, 0), nil
}

type aggregated struct {
	sources []models.DataSource
	raws    []*models.FileUpload
	chunks  []models.Chunk
	refs    map[models.SourceID]SourceRef
	failed  []SourceFailure
}

// aggregate flattens the slots in a fixed order: documents, websites, Q&A, CSV.
func (o *Orchestrator) aggregate(s *fanOutSlots) (*aggregated, error) {
	agg := &aggregated{refs: make(map[models.SourceID]SourceRef)}
	var firstFailure error

	for _, group := range [][]sourceSlot{s.documents, s.websites, s.qanda, s.csv} {
		for i := range group {
			slot := &group[i]
			if slot.err != nil {
				if firstFailure == nil {
					firstFailure = slot.err
				}
				agg.failed = append(agg.failed, SourceFailure{
					SourceID: slot.ref.ID,
					Name:     slot.ref.Name,
					Type:     slot.ref.Type,
					Reason:   failureReason(slot.err),
				})
				continue
			}
			agg.sources = append(agg.sources, slot.desc)
			agg.raws = append(agg.raws, slot.raw)
			agg.refs[slot.ref.ID] = slot.ref
			agg.chunks = append(agg.chunks, slot.chunks...)
		}
	}

	if firstFailure != nil && o.cfg.FailurePolicy == config.FailurePolicyAbort {
		return nil, firstFailure
	}
	if len(agg.sources) == 0 {
		if firstFailure != nil {
			return nil, firstFailure
		}
		return nil, core.ErrNothingSubmitted
	}
	for _, f := range agg.failed {
		log.Warnf("Orchestrator: skipped %s source %q: %s", f.Type, f.Name, f.Reason)
	}
	return agg, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrExtractionFailure):
		return "content could not be extracted"
	case errors.Is(err, core.ErrCrawlService):
		return "website could not be crawled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timed out"
	default:
		return "processing failed"
	}
}

// buildRows pairs chunk i with vector i. Topic is the name of the descriptor
// with the chunk's SourceID, or the chunk's own source name when none matches.
func (o *Orchestrator) buildRows(req *IngestRequest, agg *aggregated, vecs [][]float32) []models.EmbeddingRow {
	names := make(map[models.SourceID]string, len(agg.sources))
	for _, ds := range agg.sources {
		names[ds.ID] = ds.Name
	}

	rows := make([]models.EmbeddingRow, len(agg.chunks))
	for i, ch := range agg.chunks {
		topic, ok := names[ch.SourceID]
		if !ok {
			topic = ch.SourceName
		}
		rows[i] = models.EmbeddingRow{
			ChatbotID:    req.ChatbotID,
			UserID:       req.UserID,
			DataSourceID: ch.SourceID,
			Topic:        topic,
			Text:         ch.Text,
			Embedding:    vecs[i],
		}
	}
	return rows
}

func (o *Orchestrator) persistBatch(ctx context.Context, chatbotID int64, maxSources int, sources []models.DataSource, rows []models.EmbeddingRow) error {
	_, err := o.persist.Do(ctx, func(ctx context.Context) (struct{}, error) {
		err := o.db.BulkInsert(ctx, chatbotID, maxSources, sources, rows)
		if errors.Is(err, core.ErrQuotaExceeded) || errors.Is(err, core.ErrNotFound) {
			return struct{}{}, resilience.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil && !errors.Is(err, core.ErrPersistence) && !errors.Is(err, core.ErrQuotaExceeded) && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}
	return err
}

// archive uploads raw files when enabled and records their URL on the
// descriptor. Failures are logged; archiving never fails an ingestion.
func (o *Orchestrator) archive(ctx context.Context, chatbotID int64, agg *aggregated) []string {
	if !o.cfg.ArchiveUploads || o.obj == nil {
		return nil
	}
	var keys []string
	for i, raw := range agg.raws {
		if raw == nil {
			continue
		}
		ds := &agg.sources[i]
		key := objectclient.Key(chatbotID, ds.ID, raw.Name)
		url, err := o.obj.UploadFile(ctx, key, raw.Data, ResolveContentType(raw.Name, raw.ContentType))
		if err != nil {
			log.Warnf("Orchestrator: archiving %q failed: %v", raw.Name, err)
			continue
		}
		if ds.SourceDetails == nil {
			ds.SourceDetails = map[string]any{}
		}
		ds.SourceDetails["storageUrl"] = url
		keys = append(keys, key)
	}
	return keys
}

func (o *Orchestrator) dropArchived(keys []string) {
	if len(keys) == 0 || o.obj == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := o.obj.DeleteFile(ctx, k); err != nil {
			log.Warnf("Orchestrator: removing archived %s: %v", k, err)
		}
	}
}

// Start runs background workers reading from the jobs channel.
func (o *Orchestrator) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					log.Debugf("Orchestrator: worker %d shutting down", w)
					return
				case req := <-o.jobs:
					log.Infof("Orchestrator: worker %d processing chatbot %d", w, req.ChatbotID)
					jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
					if _, err := o.Ingest(jobCtx, req); err != nil {
						log.Errorf("Orchestrator: background ingestion for chatbot %d: %v", req.ChatbotID, err)
					}
					cancel()
				}
			}
		}(w)
	}
}

// Enqueue schedules a request for background ingestion. It blocks while the
// queue is full, until ctx is done.
func (o *Orchestrator) Enqueue(ctx context.Context, req IngestRequest) error {
	select {
	case o.jobs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
