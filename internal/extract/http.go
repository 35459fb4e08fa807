package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExtractor calls an Ollama-compatible embedding endpoint.
type HTTPExtractor struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewHTTPExtractor creates an extractor backed by an embedding API.
func NewHTTPExtractor(url, model string, dims int) *HTTPExtractor {
	return &HTTPExtractor{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *HTTPExtractor) Model() string   { return o.model }
func (o *HTTPExtractor) Dimensions() int { return o.dims }

// Extract sends text to the embed endpoint and returns the vector.
func (o *HTTPExtractor) Extract(ctx context.Context, text string) ([]float64, error) {
	reqBody := map[string]any{
		"model": o.model,
		"input": text,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embed api returned no embeddings")
	}

	vec := result.Embeddings[0]
	if len(vec) != o.dims {
		return nil, fmt.Errorf("embed api returned %d dimensions, want %d", len(vec), o.dims)
	}
	return vec, nil
}
