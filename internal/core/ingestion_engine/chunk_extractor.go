package ingestion_engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/markdave123-py/ragbot/internal/models"
)

// Chunk strategy names.
const (
	StrategySemantic = "semantic"
	StrategyMarkdown = "markdown"
)

// ChunkStrategy splits source text into bounded chunks. Implementations must be
// deterministic and return at least one chunk for non-blank input.
type ChunkStrategy interface {
	Split(text string, src SourceRef) []models.Chunk
}

// NewChunkStrategy returns the strategy registered under name.
func NewChunkStrategy(name string, maxSize, overlap int) (ChunkStrategy, error) {
	sem := NewSemanticChunker(maxSize, overlap)
	switch strings.ToLower(name) {
	case "", StrategySemantic:
		return sem, nil
	case StrategyMarkdown:
		return &MarkdownChunker{inner: sem, md: goldmark.New()}, nil
	default:
		return nil, fmt.Errorf("unknown chunk strategy %q", name)
	}
}

// SemanticChunker packs paragraphs, then sentences, then words greedily so that
// no chunk exceeds maxSize runes. The overlap tail counts toward the limit.
type SemanticChunker struct {
	maxSize int
	overlap int
}

func NewSemanticChunker(maxSize, overlap int) *SemanticChunker {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = 0
	}
	return &SemanticChunker{maxSize: maxSize, overlap: overlap}
}

// piece is an indivisible unit plus the separator that joins it to its predecessor.
type piece struct {
	sep  string
	text string
}

func (c *SemanticChunker) Split(txt string, src SourceRef) []models.Chunk {
	texts := c.splitTexts(txt)
	return toChunks(texts, src, 0)
}

func (c *SemanticChunker) splitTexts(txt string) []string {
	txt = strings.ReplaceAll(txt, "\r\n", "\n")
	if strings.TrimSpace(txt) == "" {
		return nil
	}

	unitMax := c.maxSize - c.overlap - 2
	if unitMax < 1 {
		unitMax = 1
	}
	pieces := c.pieces(txt, unitMax)

	var (
		out []string
		cur strings.Builder
		n   int
	)
	flush := func() string {
		s := cur.String()
		out = append(out, s)
		cur.Reset()
		n = 0
		return s
	}

	for _, p := range pieces {
		pl := utf8.RuneCountInString(p.text)
		if n == 0 {
			cur.WriteString(p.text)
			n = pl
			continue
		}
		sl := utf8.RuneCountInString(p.sep)
		if n+sl+pl <= c.maxSize {
			cur.WriteString(p.sep)
			cur.WriteString(p.text)
			n += sl + pl
			continue
		}

		prev := flush()
		tail := overlapTail(prev, c.overlap)
		tl := utf8.RuneCountInString(tail)
		if tail != "" && tl+1+pl <= c.maxSize {
			cur.WriteString(tail)
			cur.WriteString(" ")
			n = tl + 1
		}
		cur.WriteString(p.text)
		n += pl
	}
	if n > 0 {
		flush()
	}
	return out
}

// pieces breaks text into units of at most unitMax runes, preferring
// paragraph, then sentence, then word boundaries.
func (c *SemanticChunker) pieces(txt string, unitMax int) []piece {
	var out []piece
	for _, para := range splitParagraphs(txt) {
		sep := "\n\n"
		if utf8.RuneCountInString(para) <= unitMax {
			out = append(out, piece{sep: sep, text: para})
			continue
		}
		for _, sent := range splitSentences(para) {
			if utf8.RuneCountInString(sent) <= unitMax {
				out = append(out, piece{sep: sep, text: sent})
				sep = " "
				continue
			}
			for _, w := range strings.Fields(sent) {
				for _, part := range hardSplit(w, unitMax) {
					out = append(out, piece{sep: sep, text: part})
					sep = " "
				}
			}
		}
	}
	return out
}

func splitParagraphs(txt string) []string {
	var (
		out  []string
		cur  []string
		flsh = func() {
			if len(cur) > 0 {
				out = append(out, strings.TrimSpace(strings.Join(cur, "\n")))
				cur = cur[:0]
			}
		}
	)
	for _, line := range strings.Split(txt, "\n") {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if strings.TrimSpace(line) == "" {
			flsh()
			continue
		}
		cur = append(cur, line)
	}
	flsh()
	return out
}

// splitSentences cuts after '.', '!' or '?' followed by whitespace.
func splitSentences(para string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(para)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func hardSplit(w string, size int) []string {
	runes := []rune(w)
	if len(runes) <= size {
		return []string{w}
	}
	out := make([]string, 0, len(runes)/size+1)
	for len(runes) > size {
		out = append(out, string(runes[:size]))
		runes = runes[size:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// overlapTail returns at most n trailing runes of s, starting at a word boundary.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	tail := runes[len(runes)-n:]
	if !unicode.IsSpace(runes[len(runes)-n-1]) {
		i := 0
		for i < len(tail) && !unicode.IsSpace(tail[i]) {
			i++
		}
		tail = tail[i:]
	}
	return strings.TrimSpace(string(tail))
}

func toChunks(texts []string, src SourceRef, startPos int) []models.Chunk {
	out := make([]models.Chunk, 0, len(texts))
	for i, t := range texts {
		out = append(out, models.Chunk{
			SourceID:   src.ID,
			SourceName: src.Name,
			Type:       src.Type,
			Position:   startPos + i,
			Text:       t,
			TokenCount: approxTokens(t),
		})
	}
	return out
}

// MarkdownChunker cuts at headings first and packs each section with the
// semantic policy, so a heading always opens its section's first chunk.
type MarkdownChunker struct {
	inner *SemanticChunker
	md    goldmark.Markdown
}

func (c *MarkdownChunker) Split(txt string, src SourceRef) []models.Chunk {
	var texts []string
	for _, section := range c.sections(txt) {
		texts = append(texts, c.inner.splitTexts(section)...)
	}
	return toChunks(texts, src, 0)
}

func (c *MarkdownChunker) sections(txt string) []string {
	source := []byte(txt)
	doc := c.md.Parser().Parse(text.NewReader(source))

	var starts []int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		lineStart := strings.LastIndexByte(txt[:seg.Start], '\n') + 1
		starts = append(starts, lineStart)
	}
	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}

	out := make([]string, 0, len(starts))
	for i, s := range starts {
		end := len(txt)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if sec := strings.TrimSpace(txt[s:end]); sec != "" {
			out = append(out, sec)
		}
	}
	return out
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
