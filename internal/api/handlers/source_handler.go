package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	appMiddleware "github.com/markdave123-py/ragbot/internal/api/middlewares"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
	"github.com/markdave123-py/ragbot/internal/services"
)

type SourceHandler struct {
	sources      *services.SourceService
	defaultLimit int
}

func NewSourceHandler(sources *services.SourceService, defaultLimit int) *SourceHandler {
	return &SourceHandler{sources: sources, defaultLimit: defaultLimit}
}

// List handles GET /api/chatbots/{chatbotID}/sources.
func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, chatbotID, ok := h.identify(w, r)
	if !ok {
		return
	}
	sources, err := h.sources.List(r.Context(), userID, chatbotID)
	if err != nil {
		writeError(w, "list sources", err)
		return
	}
	if sources == nil {
		sources = []models.DataSource{}
	}
	writeJSON(w, http.StatusOK, sources)
}

// Usage handles GET /api/chatbots/{chatbotID}/sources/usage.
func (h *SourceHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID, chatbotID, ok := h.identify(w, r)
	if !ok {
		return
	}
	used, limit, err := h.sources.Usage(r.Context(), userID, chatbotID, h.defaultLimit)
	if err != nil {
		writeError(w, "source usage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"used": used, "limit": limit})
}

// Raw handles GET /api/chatbots/{chatbotID}/sources/{sourceID}/raw.
func (h *SourceHandler) Raw(w http.ResponseWriter, r *http.Request) {
	userID, chatbotID, ok := h.identify(w, r)
	if !ok {
		return
	}
	f, err := h.sources.Raw(r.Context(), userID, chatbotID, models.SourceID(chi.URLParam(r, "sourceID")))
	if err != nil {
		writeError(w, "raw source", err)
		return
	}

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	if _, err := w.Write(f.Data); err != nil {
		log.Warnf("SourceHandler: writing %s: %v", f.Name, err)
	}
}

func (h *SourceHandler) identify(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", 0, false
	}
	chatbotID, err := chatbotIDParam(r)
	if err != nil {
		writeError(w, "sources", err)
		return "", 0, false
	}
	return userID, chatbotID, true
}
