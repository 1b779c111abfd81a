package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/models"
)

type DatabaseClient struct {
	db       *sql.DB
	embedDim int
}

var _ core.DbClient = (*DatabaseClient)(nil)

// NewDatabaseClient opens the Postgres pool, pings it and applies the schema.
func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(pingCtx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return newDatabaseClientFromDB(db, cfg.EmbedDim), nil
}

func newDatabaseClientFromDB(db *sql.DB, embedDim int) *DatabaseClient {
	return &DatabaseClient{db: db, embedDim: embedDim}
}

// buildDSN appends SSL params to DATABASE_URL when a root certificate is configured.
func buildDSN(cfg *config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if cfg.SslCertPath == "" {
		return cfg.DatabaseURL, nil
	}
	if _, err := os.Stat(cfg.SslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", cfg.SslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Chatbots (read-only here)

func (c *DatabaseClient) GetChatbot(ctx context.Context, chatbotID int64) (*models.Chatbot, error) {
	const q = `
		SELECT id, user_id, name, description, system_prompt, max_data_sources, created_at
		FROM chatbots WHERE id = $1
	`
	var b models.Chatbot
	err := c.db.QueryRowContext(ctx, q, chatbotID).Scan(
		&b.ID, &b.UserID, &b.Name, &b.Description, &b.SystemPrompt, &b.MaxDataSources, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrChatbotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get chatbot: %w", core.ErrPersistence, err)
	}
	return &b, nil
}

// Data sources

func (c *DatabaseClient) CountDataSources(ctx context.Context, chatbotID int64) (int, error) {
	const q = `SELECT COUNT(*) FROM data_sources WHERE chatbot_id = $1`
	var n int
	if err := c.db.QueryRowContext(ctx, q, chatbotID).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count data sources: %w", core.ErrPersistence, err)
	}
	return n, nil
}

func (c *DatabaseClient) ListDataSources(ctx context.Context, chatbotID int64) ([]models.DataSource, error) {
	const q = `
		SELECT id, chatbot_id, type, name, source_details, citation, created_at
		FROM data_sources
		WHERE chatbot_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("%w: list data sources: %w", core.ErrPersistence, err)
	}
	defer rows.Close()

	var out []models.DataSource
	for rows.Next() {
		var (
			ds      models.DataSource
			id      string
			typ     string
			details []byte
		)
		if err := rows.Scan(&id, &ds.ChatbotID, &typ, &ds.Name, &details, &ds.Citation, &ds.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan data source: %w", core.ErrPersistence, err)
		}
		ds.ID = models.SourceID(id)
		ds.Type = models.SourceType(typ)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ds.SourceDetails); err != nil {
				return nil, fmt.Errorf("%w: decode source_details of %s: %w", core.ErrPersistence, id, err)
			}
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list data sources: %w", core.ErrPersistence, err)
	}
	return out, nil
}

// BulkInsert inserts data sources and embedding rows in a single transaction.
// When maxSources > 0 the chatbot row is locked and the quota re-checked first,
// so concurrent batches for the same chatbot cannot overshoot it together.
func (c *DatabaseClient) BulkInsert(ctx context.Context, chatbotID int64, maxSources int, sources []models.DataSource, rows []models.EmbeddingRow) error {
	if len(sources) == 0 && len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if c.embedDim > 0 && len(rows[i].Embedding) != c.embedDim {
			return fmt.Errorf("%w: row %d has %d dimensions, want %d", core.ErrPersistence, i, len(rows[i].Embedding), c.embedDim)
		}
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", core.ErrPersistence, err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	if maxSources > 0 {
		if err := checkQuotaTx(ctx, tx, chatbotID, maxSources, len(sources)); err != nil {
			return err
		}
	}

	const qSource = `
		INSERT INTO data_sources (id, chatbot_id, type, name, source_details, citation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	srcStmt, err := tx.PrepareContext(ctx, qSource)
	if err != nil {
		return fmt.Errorf("%w: prepare data source insert: %w", core.ErrPersistence, err)
	}
	defer srcStmt.Close()

	for i := range sources {
		ds := &sources[i]
		details, err := json.Marshal(detailsOrEmpty(ds.SourceDetails))
		if err != nil {
			return fmt.Errorf("%w: encode source_details of %q: %w", core.ErrPersistence, ds.Name, err)
		}
		if _, err := srcStmt.ExecContext(ctx,
			string(ds.ID), chatbotID, string(ds.Type), ds.Name, details, ds.Citation,
		); err != nil {
			return fmt.Errorf("%w: insert data source %q: %w", core.ErrPersistence, ds.Name, err)
		}
	}

	const qEmbedding = `
		INSERT INTO embeddings (chatbot_id, user_id, data_source_id, topic, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	embStmt, err := tx.PrepareContext(ctx, qEmbedding)
	if err != nil {
		return fmt.Errorf("%w: prepare embedding insert: %w", core.ErrPersistence, err)
	}
	defer embStmt.Close()

	for i := range rows {
		row := &rows[i]
		var dsID any
		if row.DataSourceID != "" {
			dsID = string(row.DataSourceID)
		}
		if _, err := embStmt.ExecContext(ctx,
			chatbotID, row.UserID, dsID, row.Topic, row.Text, pgvector.NewVector(row.Embedding),
		); err != nil {
			return fmt.Errorf("%w: insert embedding %d: %w", core.ErrPersistence, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", core.ErrPersistence, err)
	}
	return nil
}

func checkQuotaTx(ctx context.Context, tx *sql.Tx, chatbotID int64, maxSources, adding int) error {
	var locked int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM chatbots WHERE id = $1 FOR UPDATE`, chatbotID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrChatbotNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: lock chatbot: %w", core.ErrPersistence, err)
	}

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_sources WHERE chatbot_id = $1`, chatbotID).Scan(&existing); err != nil {
		return fmt.Errorf("%w: count data sources: %w", core.ErrPersistence, err)
	}
	if existing+adding > maxSources {
		return fmt.Errorf("%w: %d existing + %d new > %d", core.ErrQuotaExceeded, existing, adding, maxSources)
	}
	return nil
}

func detailsOrEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

// SimilaritySearch finds the top-k chunks of one chatbot nearest to the query
// embedding by cosine distance. Rows of other chatbots are never considered.
//
// The HNSW index is shared by every chatbot, so the chatbot filter runs after
// the index scan. Iterative scanning (pgvector >= 0.8) keeps the scan going
// until k rows of this chatbot are found, in exact distance order.
func (c *DatabaseClient) SimilaritySearch(ctx context.Context, chatbotID int64, queryVec []float32, k int) (_ []models.RetrievedChunk, err error) {
	if k <= 0 {
		return nil, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin search: %w", core.ErrPersistence, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `SET LOCAL hnsw.iterative_scan = strict_order`); err != nil {
		return nil, fmt.Errorf("%w: enable iterative scan: %w", core.ErrPersistence, err)
	}

	const q = `
		SELECT e.topic, e.text, COALESCE(ds.citation, ''), e.embedding <=> $2 AS distance
		FROM embeddings e
		LEFT JOIN data_sources ds ON ds.id = e.data_source_id
		WHERE e.chatbot_id = $1
		ORDER BY e.embedding <=> $2
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := tx.QueryContext(ctx, q, chatbotID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: similarity search: %w", core.ErrPersistence, err)
	}
	defer rows.Close()

	var out []models.RetrievedChunk
	for rows.Next() {
		var ch models.RetrievedChunk
		if err = rows.Scan(&ch.Topic, &ch.Text, &ch.Citation, &ch.Distance); err != nil {
			return nil, fmt.Errorf("%w: scan search row: %w", core.ErrPersistence, err)
		}
		out = append(out, ch)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: similarity search: %w", core.ErrPersistence, err)
	}
	rows.Close()
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit search: %w", core.ErrPersistence, err)
	}
	return out, nil
}
