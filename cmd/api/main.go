package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/markdave123-py/ragbot/internal/app"
	"github.com/markdave123-py/ragbot/internal/config"
	db "github.com/markdave123-py/ragbot/internal/core/database"
	"github.com/markdave123-py/ragbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
)

func main() {
	cliApp := &cli.App{
		Name:  "ragbot",
		Usage: "Chatbot knowledge ingestion and retrieval",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides LOG_LEVEL",
			},
		},
		Before: setupLogger,
		After: func(*cli.Context) error {
			_ = log.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the background ingestion workers",
				Action: serveCommand,
			},
			{
				Name:   "ingest",
				Usage:  "Ingest local files, websites and Q&A pairs into a chatbot",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "chatbot", Aliases: []string{"c"}, Usage: "Chatbot ID", Required: true},
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Owner user ID", Required: true},
					&cli.StringSliceFlag{Name: "doc", Usage: "Path of a document to ingest (repeatable)"},
					&cli.StringSliceFlag{Name: "url", Usage: "Website URL to crawl (repeatable)"},
					&cli.StringSliceFlag{Name: "csv", Usage: "Path of a CSV or XLSX Q&A file (repeatable)"},
					&cli.StringSliceFlag{Name: "qa", Usage: "Q&A pair written as \"question::answer\" (repeatable)"},
				},
			},
			{
				Name:   "search",
				Usage:  "Run a similarity search against a chatbot's knowledge",
				Action: searchCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "chatbot", Aliases: []string{"c"}, Usage: "Chatbot ID", Required: true},
					&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "Prompt to search for", Required: true},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Apply the database schema and exit",
				Action: migrateCommand,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatalf("ragbot: %v", err)
	}
}

func setupLogger(c *cli.Context) error {
	level := c.String("log-level")
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level != "" {
		log.SetLevel(level)
	}
	return nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signalContext(c)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer application.Close()

	application.StartWorkers(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Server.Shutdown(shutdownCtx)
}

func ingestCommand(c *cli.Context) error {
	ctx, stop := signalContext(c)
	defer stop()

	req := ingestion_engine.IngestRequest{
		UserID:      c.String("user"),
		ChatbotID:   c.Int64("chatbot"),
		WebsiteURLs: c.StringSlice("url"),
	}
	var err error
	if req.Documents, err = readUploads(c.StringSlice("doc")); err != nil {
		return err
	}
	if req.CSVFiles, err = readUploads(c.StringSlice("csv")); err != nil {
		return err
	}
	for _, raw := range c.StringSlice("qa") {
		q, a, ok := strings.Cut(raw, "::")
		if !ok {
			return fmt.Errorf("--qa %q: expected \"question::answer\"", raw)
		}
		req.QandA = append(req.QandA, models.QAPair{Question: strings.TrimSpace(q), Answer: strings.TrimSpace(a)})
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	res, err := application.Ingestor.Ingest(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func searchCommand(c *cli.Context) error {
	ctx, stop := signalContext(c)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	res, err := application.Retrieval.Search(ctx, c.String("prompt"), c.Int64("chatbot"))
	if err != nil {
		return err
	}
	if res.NoMatch {
		fmt.Println(res.Message)
		return nil
	}
	return printJSON(res.Matches)
}

func migrateCommand(c *cli.Context) error {
	ctx, stop := signalContext(c)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if strings.HasPrefix(cfg.DatabaseURL, db.MemoryURL) {
		return errors.New("migrate needs a Postgres DATABASE_URL")
	}
	client, err := db.NewDatabaseClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Infof("Migrate: schema is up to date (embedding dimension %d)", cfg.EmbedDim)
	return nil
}

func readUploads(paths []string) ([]models.FileUpload, error) {
	files := make([]models.FileUpload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		name := filepath.Base(p)
		files = append(files, models.FileUpload{
			Name:        name,
			ContentType: ingestion_engine.ContentTypeFor(name),
			Data:        data,
		})
	}
	return files, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
