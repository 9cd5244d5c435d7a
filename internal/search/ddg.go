package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// ddgProvider scrapes the HTML-only DuckDuckGo frontend. No key needed,
// so it is always the last link of the chain.
type ddgProvider struct {
	endpoint string
	client   *http.Client
}

func newDDGProvider(client *http.Client) *ddgProvider {
	return &ddgProvider{endpoint: ddgEndpoint, client: client}
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, q Query, limit int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	if q.Lang != "" {
		params.Set("kl", q.Lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return extractDDGResults(doc, limit), nil
}

func extractDDGResults(doc *goquery.Document, limit int) []Result {
	var results []Result
	doc.Find("div.result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return true
		}
		results = append(results, Result{
			Title:   title,
			URL:     unwrapDDGRedirect(href),
			Snippet: strings.TrimSpace(s.Find("a.result__snippet").First().Text()),
		})
		return len(results) < limit
	})
	return results
}

// unwrapDDGRedirect pulls the target out of DuckDuckGo's /l/?uddg=…
// redirect wrapper.
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}
