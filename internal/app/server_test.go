package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragbot/internal/api/handlers"
	"github.com/markdave123-py/ragbot/internal/config"
	db "github.com/markdave123-py/ragbot/internal/core/database"
	"github.com/markdave123-py/ragbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/ragbot/internal/core/mock"
	"github.com/markdave123-py/ragbot/internal/models"
	"github.com/markdave123-py/ragbot/internal/services"
)

const (
	testSecret = "router-secret"
	testDim    = 8
)

type stubCrawler struct{}

func (stubCrawler) Crawl(_ context.Context, url string) (string, error) {
	return "Content of " + url + ". It has two sentences.", nil
}

func newTestRouter(t *testing.T) (http.Handler, *db.MemoryStore, int64) {
	t.Helper()
	cfg := &config.Config{JWTSecret: testSecret, MaxDataSources: 3}
	store := db.NewMemoryStore(testDim)
	bot := store.SaveChatbot(models.Chatbot{UserID: "owner"})

	extractor, err := ingestion_engine.NewDocumentExtractor(1)
	require.NoError(t, err)
	t.Cleanup(extractor.Release)

	emb := mock.NewMockEmbedder(testDim)
	orch, err := ingestion_engine.NewOrchestrator(store, emb, extractor, stubCrawler{},
		&ingestion_engine.IngestConfig{MaxChunkSize: 200, MinChunkSize: 1, EmbedDim: testDim, MaxDataSources: 3})
	require.NoError(t, err)

	r := NewRouter(cfg, Routes{
		Ingest:  handlers.NewIngestHandler(orch, 0),
		Chat:    handlers.NewChatHandler(services.NewRetrievalService(store, emb, &mock.MockLLM{}, 2)),
		Sources: handlers.NewSourceHandler(services.NewSourceService(store, nil), cfg.MaxDataSources),
	})
	return r, store, bot.ID
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestRouter_Healthz(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRouter_IngestThenSearch(t *testing.T) {
	r, store, botID := newTestRouter(t)
	path := fmt.Sprintf("/api/chatbots/%d/sources", botID)
	body := `{"websiteURL":["https://acme.example"],"qandaData":[{"question":"Hours?","answer":"Nine to five."}]}`

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "owner"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	n, err := store.CountDataSources(context.Background(), botID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// search is public
	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/chatbots/%d/search", botID),
		strings.NewReader(`{"prompt":"Question: Hours?\nAnswer: Nine to five."}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"matches"`)
	assert.Contains(t, rec.Body.String(), "Nine to five.")
}

func TestRouter_OtherUserIsForbidden(t *testing.T) {
	r, _, botID := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/chatbots/%d/sources", botID), nil)
	req.Header.Set("Authorization", bearer(t, "intruder"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
