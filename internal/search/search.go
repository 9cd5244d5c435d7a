// Package search runs web searches for the search tool. Providers are
// tried in order; the first one that answers wins.
package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 10

	// Plain Go user agents get served a captcha page.
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Query is one search request.
type Query struct {
	Text           string
	MaxResults     int
	IncludeDomains []string
	ExcludeDomains []string
	Lang           string
}

// Result is one hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Provider is a single search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query, limit int) ([]Result, error)
}

// Client fans a query across the configured providers.
type Client struct {
	log       *logger.Logger
	providers []Provider
}

// NewClient builds the provider chain from config. Brave is used when
// selected and keyed; DuckDuckGo is always the fallback.
func NewClient(cfg config.SearchConfig, log *logger.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout()}

	var providers []Provider
	if strings.EqualFold(cfg.Provider, "brave") && cfg.BraveAPIKey != "" {
		providers = append(providers, newBraveProvider(cfg.BraveAPIKey, httpClient))
	}
	providers = append(providers, newDDGProvider(httpClient))

	return &Client{
		log:       log.WithFields(zap.String("component", "search")),
		providers: providers,
	}
}

// Search runs the query through the provider chain and applies the
// domain filters.
func (c *Client) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, errs.Validation("search query is empty")
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	if limit > maxMaxResults {
		limit = maxMaxResults
	}
	// Ask for extra rows when filters will discard some.
	fetch := limit
	if len(q.IncludeDomains) > 0 || len(q.ExcludeDomains) > 0 {
		fetch = maxMaxResults + 10
	}

	var lastErr error
	for _, p := range c.providers {
		results, err := p.Search(ctx, q, fetch)
		if err != nil {
			c.log.Warn("search provider failed",
				zap.String("provider", p.Name()),
				zap.Error(err))
			lastErr = err
			continue
		}
		results = filterDomains(results, q.IncludeDomains, q.ExcludeDomains)
		if len(results) > limit {
			results = results[:limit]
		}
		return results, nil
	}
	if lastErr != nil {
		return nil, errs.Wrap(errs.KindToolExecutionFailed, "all search providers failed", lastErr)
	}
	return nil, errs.New(errs.KindToolDisabled, "no search providers configured")
}

// ProviderName reports the primary provider, for result footers.
func (c *Client) ProviderName() string {
	if len(c.providers) == 0 {
		return ""
	}
	return c.providers[0].Name()
}

func filterDomains(results []Result, include, exclude []string) []Result {
	if len(include) == 0 && len(exclude) == 0 {
		return results
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		host := hostOf(r.URL)
		if host == "" {
			continue
		}
		if len(include) > 0 && !matchesAny(host, include) {
			continue
		}
		if matchesAny(host, exclude) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// matchesAny matches a host against bare domains, including subdomains.
func matchesAny(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
