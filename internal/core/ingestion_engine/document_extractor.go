package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/log"
)

const (
	ContentTypePDF      = "application/pdf"
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypeCSV      = "text/csv"
	ContentTypeJSON     = "application/json"
	ContentTypeXML      = "application/xml"
	ContentTypeHTML     = "text/html"
	ContentTypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypeODT      = "application/vnd.oasis.opendocument.text"
	ContentTypeRTF      = "application/rtf"
	ContentTypeDOC      = "application/msword"
	ContentTypeUnknown  = "application/octet-stream"
)

var extContentTypes = map[string]string{
	".pdf":      ContentTypePDF,
	".txt":      ContentTypeText,
	".text":     ContentTypeText,
	".md":       ContentTypeMarkdown,
	".markdown": ContentTypeMarkdown,
	".csv":      ContentTypeCSV,
	".json":     ContentTypeJSON,
	".xml":      ContentTypeXML,
	".html":     ContentTypeHTML,
	".htm":      ContentTypeHTML,
	".docx":     ContentTypeDOCX,
	".xlsx":     ContentTypeXLSX,
	".odt":      ContentTypeODT,
	".rtf":      ContentTypeRTF,
	".doc":      ContentTypeDOC,
}

// ContentTypeFor guesses a content type from a file name.
func ContentTypeFor(filename string) string {
	if ct, ok := extContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return ContentTypeUnknown
}

// ResolveContentType prefers the declared type unless it is missing or generic.
func ResolveContentType(filename, declared string) string {
	ct := normalizeContentType(declared)
	if ct == "" || ct == ContentTypeUnknown {
		return ContentTypeFor(filename)
	}
	return ct
}

func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(ct)
}

// DocumentExtractor implements core.ContentExtractor. PDF parsing runs on a
// bounded ants pool shared by all requests.
type DocumentExtractor struct {
	pool           *ants.Pool
	useReadability bool
}

var _ core.ContentExtractor = (*DocumentExtractor)(nil)

func NewDocumentExtractor(workers int) (*DocumentExtractor, error) {
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create extraction pool: %w", err)
	}
	return &DocumentExtractor{pool: pool, useReadability: true}, nil
}

// Release stops the worker pool. The extractor must not be used afterwards.
func (e *DocumentExtractor) Release() {
	if e.pool != nil {
		e.pool.Release()
	}
}

func (e *DocumentExtractor) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", core.ErrExtractionFailure)
	}

	ct := normalizeContentType(contentType)
	var (
		text string
		err  error
	)
	switch ct {
	case ContentTypePDF:
		text, err = e.extractPDF(ctx, data)
	case ContentTypeText, ContentTypeMarkdown, ContentTypeCSV, ContentTypeJSON, ContentTypeXML, "text/xml":
		text = decodeText(data)
	case ContentTypeHTML, ContentTypeDOCX, ContentTypeODT, ContentTypeRTF, "text/rtf", ContentTypeDOC:
		text, err = e.convert(ctx, data, ct)
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", core.ErrExtractionFailure, contentType)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: no text in %s payload", core.ErrExtractionFailure, ct)
	}
	return text, nil
}

type extractResult struct {
	text string
	err  error
}

// extractPDF reads page text in order with ledongthuc/pdf, falling back to
// docconv when the pure-Go reader yields nothing.
func (e *DocumentExtractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	done := make(chan extractResult, 1)
	if err := e.pool.Submit(func() {
		text, err := readPDFText(data)
		done <- extractResult{text: text, err: err}
	}); err != nil {
		return "", fmt.Errorf("%w: submit pdf job: %w", core.ErrExtractionFailure, err)
	}

	var res extractResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if res.err == nil && strings.TrimSpace(res.text) != "" {
		return res.text, nil
	}
	if res.err != nil {
		log.Debugf("DocumentExtractor: pdf reader failed, trying docconv: %v", res.err)
	}
	return e.convert(ctx, data, ContentTypePDF)
}

func readPDFText(data []byte) (text string, err error) {
	// ledongthuc/pdf panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := page.GetPlainText(nil)
		if err != nil || t == "" {
			continue
		}
		b.WriteString(t)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (e *DocumentExtractor) convert(ctx context.Context, data []byte, ct string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	res, err := docconv.Convert(bytes.NewReader(data), ct, e.useReadability)
	if err != nil {
		return "", fmt.Errorf("%w: docconv %s: %w", core.ErrExtractionFailure, ct, err)
	}
	return res.Body, nil
}

// decodeText strips a UTF-8 BOM and replaces invalid byte sequences.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}
