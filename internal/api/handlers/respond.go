package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/services"
)

// requestError is a client mistake whose message is safe to return as is.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Handler: encoding response: %v", err)
	}
}

// writeError logs err in full and answers with a generic message.
func writeError(w http.ResponseWriter, op string, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("Handler: %s: %v", op, err)
	} else {
		log.Warnf("Handler: %s: %v", op, err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func classify(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.msg
	case errors.Is(err, core.ErrNothingSubmitted):
		return http.StatusBadRequest, "No content to process"
	case errors.Is(err, services.ErrEmptyPrompt):
		return http.StatusBadRequest, "Prompt is required"
	case errors.Is(err, core.ErrExtractionFailure):
		return http.StatusBadRequest, "Could not extract content from the submitted sources"
	case errors.Is(err, core.ErrAuthentication):
		return http.StatusForbidden, "You do not have access to this chatbot"
	case errors.Is(err, core.ErrChatbotNotFound):
		return http.StatusNotFound, "Chatbot not found"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, core.ErrQuotaExceeded):
		return http.StatusConflict, "Data source limit reached"
	case errors.Is(err, core.ErrCrawlService),
		errors.Is(err, core.ErrEmbeddingService),
		errors.Is(err, core.ErrGenerationService):
		return http.StatusBadGateway, "Upstream service unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func parseChatbotID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid chatbot id")
	}
	return id, nil
}

func chatbotIDParam(r *http.Request) (int64, error) {
	return parseChatbotID(chi.URLParam(r, "chatbotID"))
}
