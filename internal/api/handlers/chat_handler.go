package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/markdave123-py/ragbot/internal/services"
)

type ChatHandler struct {
	retrieval *services.RetrievalService
}

func NewChatHandler(retrieval *services.RetrievalService) *ChatHandler {
	return &ChatHandler{retrieval: retrieval}
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func decodePrompt(r *http.Request) (string, error) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", badRequest("invalid request")
	}
	return req.Prompt, nil
}

// Search handles POST /api/chatbots/{chatbotID}/search.
func (h *ChatHandler) Search(w http.ResponseWriter, r *http.Request) {
	chatbotID, err := chatbotIDParam(r)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	prompt, err := decodePrompt(r)
	if err != nil {
		writeError(w, "search", err)
		return
	}

	res, err := h.retrieval.Search(r.Context(), prompt, chatbotID)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if res.NoMatch {
		writeJSON(w, http.StatusOK, map[string]string{"error": res.Message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": res.Matches})
}

// Chat handles POST /api/chatbots/{chatbotID}/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	chatbotID, err := chatbotIDParam(r)
	if err != nil {
		writeError(w, "chat", err)
		return
	}
	prompt, err := decodePrompt(r)
	if err != nil {
		writeError(w, "chat", err)
		return
	}

	ans, err := h.retrieval.Answer(r.Context(), prompt, chatbotID)
	if err != nil {
		writeError(w, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}
