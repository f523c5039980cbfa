// Package embed provides the embedding function the cache engine consumes:
// an OpenAI-compatible HTTP client plus an LRU memoization wrapper.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls an OpenAI-compatible /v1/embeddings endpoint. It implements
// semcache.Embedder.
type Client struct {
	apiBase        string
	apiKey         string
	embeddingModel string
	hc             *http.Client
}

// NewClient creates an embeddings client. embeddingModel is the model sent
// to the provider; the request's own model name only selects cache scope,
// not the embedding space.
func NewClient(apiBase, apiKey, embeddingModel string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiBase:        apiBase,
		apiKey:         apiKey,
		embeddingModel: embeddingModel,
		hc:             &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed requests an embedding for text. The model argument is ignored in
// favour of the client's configured embedding model.
func (c *Client) Embed(ctx context.Context, text, _ string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: provider returned status %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embed: provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: provider returned no embedding")
	}

	return parsed.Data[0].Embedding, nil
}
