package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxPageBytes = 256 * 1024

// FetchRequest asks for the readable content of a batch of pages. The URL
// order is part of the cache key, so callers should sort it if they want
// order-insensitive hits.
type FetchRequest struct {
	URLs []string `json:"urls"`
}

type Page struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

type FetchResults struct {
	Pages []Page `json:"pages"`
}

type FetchClient struct {
	Client *http.Client
}

func NewFetchClient() *FetchClient {
	return &FetchClient{Client: &http.Client{Timeout: 20 * time.Second}}
}

// Fetch downloads each page sequentially. A page that fails is reported in
// its Error field rather than failing the batch; the batch itself only
// errors when the context is cancelled.
func (c *FetchClient) Fetch(ctx context.Context, req FetchRequest) (*FetchResults, error) {
	out := &FetchResults{Pages: make([]Page, 0, len(req.URLs))}
	for _, u := range req.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := c.fetchOne(ctx, u)
		p := Page{URL: u, Content: content}
		if err != nil {
			p.Error = err.Error()
		}
		out.Pages = append(out.Pages, p)
	}
	return out, nil
}

func (c *FetchClient) fetchOne(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "research-chat/1.0")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
