package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hollis-ng/research-chat/internal/cache"
)

const (
	opSearchWeb  = "search_web"
	opFetchPages = "fetch_pages"
)

// Researcher runs the search-then-fetch pipeline for a user query and
// renders the findings as a system-message preamble. Both external
// operations are side-effect-free reads, so they are memoized: repeated
// queries within the TTL never hit the network again.
type Researcher struct {
	search func(ctx context.Context, q SearchQuery) (*SearchResults, error)
	fetch  func(ctx context.Context, r FetchRequest) (*FetchResults, error)
}

func NewResearcher(store cache.Store, search *SearchClient, fetch *FetchClient, ttl time.Duration) *Researcher {
	return &Researcher{
		search: cache.Memoized(store, opSearchWeb, ttl,
			func(q SearchQuery) (string, error) { return cache.JSONArgs(opSearchWeb, q) },
			search.Search,
		),
		fetch: cache.Memoized(store, opFetchPages, ttl,
			func(r FetchRequest) (string, error) { return cache.JSONArgs(opFetchPages, r) },
			fetch.Fetch,
		),
	}
}

const (
	researchResults = 3
	excerptLimit    = 2000
)

func (r *Researcher) Research(ctx context.Context, query string) (string, error) {
	results, err := r.search(ctx, SearchQuery{Query: query, MaxResults: researchResults})
	if err != nil {
		return "", err
	}
	if len(results.Results) == 0 {
		return "", nil
	}

	urls := make([]string, 0, len(results.Results))
	for _, res := range results.Results {
		urls = append(urls, res.URL)
	}
	pages, err := r.fetch(ctx, FetchRequest{URLs: urls})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Web findings for the latest user question. Cite sources by URL.\n")
	for i, res := range results.Results {
		fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", i+1, res.Title, res.URL, res.Snippet)
		if i < len(pages.Pages) && pages.Pages[i].Error == "" {
			excerpt := pages.Pages[i].Content
			if len(excerpt) > excerptLimit {
				excerpt = excerpt[:excerptLimit]
			}
			b.WriteString(excerpt)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
