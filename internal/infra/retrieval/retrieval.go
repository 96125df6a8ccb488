// Package retrieval queries the documentation search service.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
)

// Config holds search service settings. An empty BaseURL disables retrieval.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	TopK    int           `yaml:"top_k"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client calls POST {base}/search.
type Client struct {
	baseURL string
	topK    int
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		topK:    topK,
		http:    &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type searchResponse struct {
	Passages []domain.Passage `json:"passages"`
}

// Search returns up to TopK passages for query. No passages is a valid answer.
func (c *Client) Search(ctx context.Context, query string) ([]domain.Passage, error) {
	if c.baseURL == "" || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	payload, err := json.Marshal(searchRequest{Query: query, K: c.topK})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out := parsed.Passages[:0]
	for _, p := range parsed.Passages {
		if strings.TrimSpace(p.Text) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
