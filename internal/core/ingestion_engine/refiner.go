package ingestion_engine

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/log"
)

// ChunkRefiner cleans chunk texts. It may merge or drop texts but never returns
// an empty slice when any input text is non-blank.
type ChunkRefiner interface {
	Refine(ctx context.Context, texts []string) ([]string, error)
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\v]+`)
	newlineRun = regexp.MustCompile(`\n\s*\n(\s*\n)+`)
	punctRun   = regexp.MustCompile(`([-=_*.~#])[-=_*.~#]{3,}`)
)

// TextRefiner is the deterministic default refiner.
type TextRefiner struct {
	minSize int
	maxSize int
}

func NewTextRefiner(minSize, maxSize int) *TextRefiner {
	return &TextRefiner{minSize: minSize, maxSize: maxSize}
}

func (r *TextRefiner) Refine(_ context.Context, texts []string) ([]string, error) {
	out := make([]string, 0, len(texts))
	seen := make(map[string]struct{}, len(texts))

	for _, t := range texts {
		t = cleanText(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(strings.Join(strings.Fields(t), " "))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if n := len(out); n > 0 && utf8.RuneCountInString(t) < r.minSize {
			merged := out[n-1] + "\n" + t
			if r.maxSize <= 0 || utf8.RuneCountInString(merged) <= r.maxSize {
				out[n-1] = merged
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func cleanText(t string) string {
	t = strings.ReplaceAll(t, "\r\n", "\n")
	t = spaceRun.ReplaceAllString(t, " ")
	t = newlineRun.ReplaceAllString(t, "\n\n")
	t = punctRun.ReplaceAllString(t, "$1$1$1")
	lines := strings.Split(t, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

const refinePrompt = `You clean up text extracted from documents and web pages for a search index.
Fix broken words and spacing, remove navigation menus, cookie banners and boilerplate, and keep every fact.
Do not summarize, do not add information. Reply with the cleaned text only.`

// LLMRefiner asks the generation model to clean each text. Any failure keeps
// the input text, so refinement never fails a source.
type LLMRefiner struct {
	llm         core.LLMProvider
	maxSize     int
	concurrency int
}

func NewLLMRefiner(llm core.LLMProvider, maxSize int) *LLMRefiner {
	return &LLMRefiner{llm: llm, maxSize: maxSize, concurrency: 4}
}

func (r *LLMRefiner) Refine(ctx context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, t := range texts {
		g.Go(func() error {
			out[i] = t
			ans, err := r.llm.Generate(gctx, refinePrompt, t)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Debugf("LLMRefiner: keeping input text: %v", err)
				return nil
			}
			ans = strings.TrimSpace(ans)
			if ans == "" || (r.maxSize > 0 && utf8.RuneCountInString(ans) > r.maxSize) {
				return nil
			}
			out[i] = ans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RefinerChain applies refiners in order.
type RefinerChain []ChunkRefiner

func (c RefinerChain) Refine(ctx context.Context, texts []string) ([]string, error) {
	var err error
	for _, r := range c {
		if texts, err = r.Refine(ctx, texts); err != nil {
			return nil, err
		}
	}
	return texts, nil
}
