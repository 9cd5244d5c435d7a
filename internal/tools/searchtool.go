package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/search"
)

type searchPayload struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"maxResults"`
	IncludeDomains []string `json:"includeDomains"`
	ExcludeDomains []string `json:"excludeDomains"`
	Lang           string   `json:"lang"`
}

func (r *Runner) runSearch(ctx context.Context, payload string) blockResult {
	if r.search == nil {
		return blockResult{err: errs.New(errs.KindToolDisabled, "web search is not configured")}
	}
	q, err := parseSearchPayload(payload)
	if err != nil {
		return blockResult{err: err}
	}

	results, err := r.search.Search(ctx, q)
	if err != nil {
		return blockResult{err: err}
	}
	if len(results) == 0 {
		return blockResult{output: "no results for " + q.Text, targets: []string{q.Text}}
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, res.Title, res.URL)
		if res.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", res.Snippet)
		}
	}
	fmt.Fprintf(&b, "(%d results via %s)", len(results), r.search.ProviderName())
	return blockResult{output: b.String(), targets: []string{q.Text}}
}

func parseSearchPayload(payload string) (search.Query, error) {
	trimmed := strings.TrimSpace(payload)
	if looksLikeJSON(trimmed) {
		switch trimmed[0] {
		case '{':
			var p searchPayload
			if err := decodeJSON(trimmed, &p); err != nil {
				return search.Query{}, err
			}
			return search.Query{
				Text:           strings.TrimSpace(p.Query),
				MaxResults:     p.MaxResults,
				IncludeDomains: p.IncludeDomains,
				ExcludeDomains: p.ExcludeDomains,
				Lang:           p.Lang,
			}, nil
		case '"':
			var text string
			if err := decodeJSON(trimmed, &text); err == nil {
				return search.Query{Text: strings.TrimSpace(text)}, nil
			}
		}
	}
	return search.Query{Text: trimmed}, nil
}

func (r *Runner) runVSearch(ctx context.Context, payload string) blockResult {
	if r.vector == nil {
		return blockResult{err: errs.New(errs.KindToolDisabled, "vector search is not configured")}
	}
	query := strings.TrimSpace(payload)
	if looksLikeJSON(query) {
		switch query[0] {
		case '{':
			var p struct {
				Query string `json:"query"`
			}
			if err := decodeJSON(query, &p); err != nil {
				return blockResult{err: err}
			}
			query = strings.TrimSpace(p.Query)
		case '"':
			var text string
			if err := decodeJSON(query, &text); err == nil {
				query = strings.TrimSpace(text)
			}
		}
	}
	if query == "" {
		return blockResult{err: errs.Validation("vsearch needs a query")}
	}
	if r.vector.Count() == 0 {
		return blockResult{output: "workspace index is empty", targets: []string{query}}
	}

	matches, err := r.vector.Search(ctx, query)
	if err != nil {
		return blockResult{err: err}
	}
	if len(matches) == 0 {
		return blockResult{output: "no matches for " + query, targets: []string{query}}
	}

	sections := make([]string, 0, len(matches))
	for i, m := range matches {
		sections = append(sections, fmt.Sprintf("%d. %s:%d (score %.2f)\n```\n%s\n```",
			i+1, m.Path, m.StartLine, m.Similarity, strings.TrimRight(m.Content, "\n")))
	}
	return blockResult{output: strings.Join(sections, "\n\n"), targets: []string{query}}
}
