package ingestion_engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragbot/internal/core"
)

func newTestExtractor(t *testing.T) *DocumentExtractor {
	t.Helper()
	e, err := NewDocumentExtractor(2)
	require.NoError(t, err)
	t.Cleanup(e.Release)
	return e
}

// newTestPDF renders a one-page PDF containing "Hello World".
func newTestPDF(t *testing.T) []byte {
	t.Helper()
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.AddPage()
	pdf.Cell(40, 10, "Hello World")

	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func TestDocumentExtractor_PDF(t *testing.T) {
	e := newTestExtractor(t)
	text, err := e.Extract(context.Background(), newTestPDF(t), ContentTypePDF)
	require.NoError(t, err)
	assert.Contains(t, text, "Hello World")
}

func TestDocumentExtractor_PlainText(t *testing.T) {
	e := newTestExtractor(t)
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("  first line\nsecond line \n")...)

	text, err := e.Extract(context.Background(), data, "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line", text)
}

func TestDocumentExtractor_InvalidUTF8(t *testing.T) {
	e := newTestExtractor(t)
	text, err := e.Extract(context.Background(), []byte("ok \xff done"), ContentTypeMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "ok � done", text)
}

func TestDocumentExtractor_Errors(t *testing.T) {
	e := newTestExtractor(t)
	ctx := context.Background()

	_, err := e.Extract(ctx, nil, ContentTypeText)
	assert.ErrorIs(t, err, core.ErrExtractionFailure)

	_, err = e.Extract(ctx, []byte{0x89, 'P', 'N', 'G'}, "image/png")
	assert.ErrorIs(t, err, core.ErrExtractionFailure)

	_, err = e.Extract(ctx, []byte(" \n\t "), ContentTypeText)
	assert.ErrorIs(t, err, core.ErrExtractionFailure)
}

func TestReadPDFText_Garbage(t *testing.T) {
	_, err := readPDFText([]byte("not a pdf at all"))
	assert.Error(t, err)
}

func TestContentTypes(t *testing.T) {
	assert.Equal(t, ContentTypePDF, ContentTypeFor("Guide.PDF"))
	assert.Equal(t, ContentTypeMarkdown, ContentTypeFor("notes.md"))
	assert.Equal(t, ContentTypeXLSX, ContentTypeFor("faq.xlsx"))
	assert.Equal(t, ContentTypeUnknown, ContentTypeFor("archive.tar.gz"))

	assert.Equal(t, ContentTypeText, ResolveContentType("notes.md", "Text/Plain; charset=utf-8"))
	assert.Equal(t, ContentTypeMarkdown, ResolveContentType("notes.md", ""))
	assert.Equal(t, ContentTypePDF, ResolveContentType("guide.pdf", ContentTypeUnknown))
}
