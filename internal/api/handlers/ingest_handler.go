package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	appMiddleware "github.com/markdave123-py/ragbot/internal/api/middlewares"
	"github.com/markdave123-py/ragbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/ragbot/internal/log"
	"github.com/markdave123-py/ragbot/internal/models"
)

const (
	maxMultipartMemory = 32 << 20
	defaultMaxFileSize = 50 << 20
)

type IngestHandler struct {
	ingestor    ingestion_engine.Ingestor
	maxFileSize int64
}

func NewIngestHandler(ing ingestion_engine.Ingestor, maxFileSize int64) *IngestHandler {
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSize
	}
	return &IngestHandler{ingestor: ing, maxFileSize: maxFileSize}
}

type ingestResponse struct {
	Status  string                          `json:"status"`
	Sources int                             `json:"sources"`
	Chunks  int                             `json:"chunks"`
	Failed  []ingestion_engine.SourceFailure `json:"failed,omitempty"`
}

// Ingest handles POST /api/chatbots/{chatbotID}/sources. With ?async=true the
// batch is queued and 202 is returned right away.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	chatbotID, err := chatbotIDParam(r)
	if err != nil {
		writeError(w, "ingest", err)
		return
	}
	h.handle(w, r, chatbotID)
}

// Process is the form-based route: chatbotID (and optionally userId) travel as
// multipart fields instead of the path.
func (h *IngestHandler) Process(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, "process", badRequest("expected a multipart form"))
		return
	}
	chatbotID, err := parseChatbotID(r.FormValue("chatbotID"))
	if err != nil {
		writeError(w, "process", err)
		return
	}
	if formUser := r.FormValue("userId"); formUser != "" {
		if user, _ := appMiddleware.UserIDFromContext(r.Context()); user != formUser {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "You do not have access to this chatbot"})
			return
		}
	}
	h.handle(w, r, chatbotID)
}

func (h *IngestHandler) handle(w http.ResponseWriter, r *http.Request, chatbotID int64) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	req, err := h.parseRequest(r)
	if err != nil {
		writeError(w, "ingest", err)
		return
	}
	req.UserID = userID
	req.ChatbotID = chatbotID

	if r.URL.Query().Get("async") == "true" {
		if err := h.ingestor.Enqueue(r.Context(), req); err != nil {
			writeError(w, "ingest enqueue", err)
			return
		}
		log.Infof("IngestHandler: queued %d sources for chatbot %d", req.SourceCount(), chatbotID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Status:  "success",
		Sources: res.Sources,
		Chunks:  res.Chunks,
		Failed:  res.Failed,
	})
}

// ingestBody is the JSON form of a request without files.
type ingestBody struct {
	WebsiteURL []string        `json:"websiteURL"`
	QandAData  []models.QAPair `json:"qandaData"`
}

func (h *IngestHandler) parseRequest(r *http.Request) (ingestion_engine.IngestRequest, error) {
	var req ingestion_engine.IngestRequest

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mt == "application/json":
		var body ingestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return req, badRequest("invalid JSON body")
		}
		req.WebsiteURLs = cleanURLs(body.WebsiteURL)
		req.QandA = body.QandAData
		return req, nil
	case strings.HasPrefix(mt, "multipart/"):
	default:
		return req, badRequest("expected multipart/form-data or application/json")
	}

	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return req, badRequest("invalid multipart form")
		}
	}
	form := r.MultipartForm

	for _, v := range form.Value["websiteURL"] {
		urls, err := parseURLField(v)
		if err != nil {
			return req, err
		}
		req.WebsiteURLs = append(req.WebsiteURLs, urls...)
	}
	for _, v := range form.Value["qandaData"] {
		if strings.TrimSpace(v) == "" {
			continue
		}
		var pairs []models.QAPair
		if err := json.Unmarshal([]byte(v), &pairs); err != nil {
			return req, badRequest("qandaData must be a JSON array of {question, answer}")
		}
		req.QandA = append(req.QandA, pairs...)
	}

	var err error
	if req.Documents, err = h.readFiles(form.File["documents"]); err != nil {
		return req, err
	}
	if req.CSVFiles, err = h.readFiles(form.File["csvFiles"]); err != nil {
		return req, err
	}
	return req, nil
}

// parseURLField accepts a JSON array of URLs or a single bare URL.
func parseURLField(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if !strings.HasPrefix(v, "[") {
		return []string{v}, nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(v), &urls); err != nil {
		return nil, badRequest("websiteURL must be a JSON array of URLs")
	}
	return cleanURLs(urls), nil
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func (h *IngestHandler) readFiles(headers []*multipart.FileHeader) ([]models.FileUpload, error) {
	files := make([]models.FileUpload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > h.maxFileSize {
			return nil, badRequest(fmt.Sprintf("%s exceeds the upload limit", filepath.Base(fh.Filename)))
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, h.maxFileSize+1))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}
		if int64(len(data)) > h.maxFileSize {
			return nil, badRequest(fmt.Sprintf("%s exceeds the upload limit", filepath.Base(fh.Filename)))
		}
		files = append(files, models.FileUpload{
			Name:        filepath.Base(fh.Filename),
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}
