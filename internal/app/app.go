package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markdave123-py/ragbot/internal/api/handlers"
	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	db "github.com/markdave123-py/ragbot/internal/core/database"
	"github.com/markdave123-py/ragbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/ragbot/internal/core/llm"
	objectclient "github.com/markdave123-py/ragbot/internal/core/object-client"
	"github.com/markdave123-py/ragbot/internal/core/resilience"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/services"
)

type App struct {
	Config       *config.Config
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Ingestor     ingestion_engine.Ingestor
	Retrieval    *services.RetrievalService
	Sources      *services.SourceService
	Server       *Server

	extractor   *ingestion_engine.DocumentExtractor
	checkpoints *ingestion_engine.CheckpointStore
}

// NewApp wires every collaborator. The background ingestion workers are not
// started here; call StartWorkers for that.
func NewApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dbClient, err := db.Open(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBClient = dbClient
	log.Infof("App: database ready")

	var ingestOpts []ingestion_engine.Option
	if cfg.ArchiveUploads {
		s3, err := objectclient.NewS3Client(appCtx, cfg)
		if err != nil {
			return nil, err
		}
		a.ObjectClient = s3
		ingestOpts = append(ingestOpts, ingestion_engine.WithObjectClient(s3))
		log.Infof("App: object storage ready, archiving uploads to %s", cfg.BucketName)
	}

	embedder, err := llm.NewEmbedder(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}

	// generation is only needed for chat answers and LLM refinement
	var generator core.LLMProvider
	if cfg.AIAPIKey != "" {
		if generator, err = llm.NewLLM(appCtx, cfg); err != nil {
			return nil, fmt.Errorf("couldn't initialize the generation model: %w", err)
		}
	} else {
		log.Warnf("App: GEMINI_API_KEY not set, chat answers are disabled")
	}

	if a.extractor, err = ingestion_engine.NewDocumentExtractor(cfg.ExtractWorkers); err != nil {
		return nil, err
	}
	crawler := ingestion_engine.NewHTTPCrawler(cfg.CrawlAPIURL, resilience.PolicyFromConfig(cfg))

	refiners := ingestion_engine.RefinerChain{ingestion_engine.NewTextRefiner(cfg.MinChunkSize, cfg.MaxChunkSize)}
	if cfg.RefineWithLLM {
		if generator == nil {
			return nil, errors.New("REFINE_WITH_LLM requires GEMINI_API_KEY")
		}
		refiners = append(refiners, ingestion_engine.NewLLMRefiner(generator, cfg.MaxChunkSize))
	}
	ingestOpts = append(ingestOpts,
		ingestion_engine.WithRefiner(refiners),
		ingestion_engine.WithPersistPolicy(resilience.PolicyFromConfig(cfg)),
	)

	if cfg.EmbedMode == config.EmbedModeWindowed {
		if a.checkpoints, err = ingestion_engine.OpenCheckpointStore(cfg.CheckpointPath); err != nil {
			return nil, err
		}
		ingestOpts = append(ingestOpts, ingestion_engine.WithCheckpoints(a.checkpoints))
		log.Infof("App: windowed embedding, checkpoints at %s", cfg.CheckpointPath)
	}

	orch, err := ingestion_engine.NewOrchestrator(a.DBClient, embedder, a.extractor, crawler,
		ingestion_engine.IngestConfigFrom(cfg), ingestOpts...)
	if err != nil {
		return nil, err
	}
	a.Ingestor = orch

	a.Retrieval = services.NewRetrievalService(a.DBClient, embedder, generator, cfg.RetrievalTopK)
	a.Sources = services.NewSourceService(a.DBClient, a.ObjectClient)

	a.Server = NewServer(cfg, Routes{
		Ingest:  handlers.NewIngestHandler(a.Ingestor, 0),
		Chat:    handlers.NewChatHandler(a.Retrieval),
		Sources: handlers.NewSourceHandler(a.Sources, cfg.MaxDataSources),
	})
	return a, nil
}

// StartWorkers runs the background ingestion queue until ctx is done.
func (a *App) StartWorkers(ctx context.Context) {
	a.Ingestor.Start(ctx, a.Config.IngestConcurrency)
}

func (a *App) Close() {
	if a.extractor != nil {
		a.extractor.Release()
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			log.Warnf("App: closing checkpoints: %v", err)
		}
	}
	if a.DBClient != nil {
		if err := a.DBClient.Close(); err != nil {
			log.Warnf("App: closing database: %v", err)
		}
	}
}
