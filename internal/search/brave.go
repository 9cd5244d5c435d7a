package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/adsdev/ads/internal/common/stringutil"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

type braveProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func newBraveProvider(apiKey string, client *http.Client) *braveProvider {
	return &braveProvider{endpoint: braveEndpoint, apiKey: apiKey, client: client}
}

func (p *braveProvider) Name() string { return "brave" }

func (p *braveProvider) Search(ctx context.Context, q Query, limit int) ([]Result, error) {
	if limit > 20 {
		limit = 20 // API cap
	}
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("count", fmt.Sprintf("%d", limit))
	if q.Lang != "" {
		params.Set("search_lang", q.Lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, stringutil.TruncateRunes(string(body), 200))
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}
