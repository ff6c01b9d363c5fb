package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SearchQuery and SearchResults are the input/output of the web-search
// operation. Both shapes are JSON-stable so results can live in the cache.
type SearchQuery struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchResults struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// SearchClient calls a Tavily-style search API: POST {query} -> results.
type SearchClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewSearchClient(baseURL, apiKey string) *SearchClient {
	return &SearchClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type searchAPIReq struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchAPIResp struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (c *SearchClient) Search(ctx context.Context, q SearchQuery) (*SearchResults, error) {
	if q.MaxResults <= 0 || q.MaxResults > 20 {
		q.MaxResults = 5
	}

	b, err := json.Marshal(searchAPIReq{Query: q.Query, MaxResults: q.MaxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search: status %d", resp.StatusCode)
	}

	var decoded searchAPIResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	out := &SearchResults{Query: q.Query}
	for _, r := range decoded.Results {
		out.Results = append(out.Results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return out, nil
}
