package ingestion_engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/core/resilience"
)

// Crawler fetches the text content of one web page through the external crawler.
type Crawler interface {
	Crawl(ctx context.Context, pageURL string) (string, error)
}

const maxCrawlResponse = 16 << 20

// HTTPCrawler calls POST {base}/crawl with {"urls":[url]} and expects a JSON
// array of page texts in request order.
type HTTPCrawler struct {
	baseURL string
	client  *http.Client
	guard   *resilience.Guard[string]
}

func NewHTTPCrawler(baseURL string, p resilience.Policy) *HTTPCrawler {
	return &HTTPCrawler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		guard:   resilience.NewGuard[string]("crawler", p),
	}
}

func (c *HTTPCrawler) Crawl(ctx context.Context, pageURL string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("%w: CRAWL_API_URL not configured", core.ErrCrawlService)
	}
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", core.ErrCrawlService, pageURL)
	}

	content, err := c.guard.Do(ctx, func(ctx context.Context) (string, error) {
		return c.crawlOnce(ctx, u.String())
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", core.ErrCrawlService, u.String(), err)
	}

	text := strings.TrimSpace(pageText(content))
	if text == "" {
		return "", fmt.Errorf("%w: %s: no content", core.ErrCrawlService, u.String())
	}
	return text, nil
}

func (c *HTTPCrawler) crawlOnce(ctx context.Context, pageURL string) (string, error) {
	body, err := json.Marshal(map[string][]string{"urls": {pageURL}})
	if err != nil {
		return "", resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/crawl", bytes.NewReader(body))
	if err != nil {
		return "", resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCrawlResponse))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("crawler answered %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", resilience.Permanent(fmt.Errorf("crawler answered %d", resp.StatusCode))
	}

	var pages []string
	if err := json.Unmarshal(raw, &pages); err != nil {
		return "", resilience.Permanent(fmt.Errorf("decode crawler response: %w", err))
	}
	if len(pages) == 0 {
		return "", nil
	}
	return pages[0], nil
}

// pageText strips markup when the crawler hands back HTML instead of text.
func pageText(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "<") {
		return content
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(trimmed))
	if err != nil {
		return content
	}
	doc.Find("script, style, noscript, nav, footer, header, form").Remove()

	sel := doc.Find("main, article")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	var parts []string
	sel.Find("h1,h2,h3,h4,h5,h6,p,li,td,pre,blockquote").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(sel.Text())
	}
	return strings.Join(parts, "\n\n")
}
