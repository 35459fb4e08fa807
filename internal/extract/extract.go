// Package extract produces the derived features (embedding vectors) that
// back the durable tier's search index.
package extract

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// Spec names a feature-extraction backing. Index maintenance validates a
// Spec before a swap so incompatible backings fail at plan time.
type Spec struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	URL        string `json:"url,omitempty"` // empty selects the hashing extractor
}

// Extractor generates feature vectors for item payloads.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// New builds an extractor for a spec.
func New(spec Spec) (Extractor, error) {
	if spec.Model == "" {
		return nil, fmt.Errorf("extractor spec: model required")
	}
	if spec.Dimensions <= 0 {
		return nil, fmt.Errorf("extractor spec: dimensions must be positive, got %d", spec.Dimensions)
	}
	if spec.URL != "" {
		return NewHTTPExtractor(spec.URL, spec.Model, spec.Dimensions), nil
	}
	return NewHashingExtractor(spec.Model, spec.Dimensions), nil
}

// HashingExtractor is a deterministic, dependency-free extractor: token
// hashes vote into fixed buckets and the result is L2-normalized. Good
// enough for integrity checks, reindexing, and tests; deployments wanting
// semantic quality point Spec.URL at a real embedding service.
type HashingExtractor struct {
	model string
	dims  int
}

// NewHashingExtractor creates a hashing extractor.
func NewHashingExtractor(model string, dims int) *HashingExtractor {
	return &HashingExtractor{model: model, dims: dims}
}

func (h *HashingExtractor) Model() string   { return h.model }
func (h *HashingExtractor) Dimensions() int { return h.dims }

func (h *HashingExtractor) Extract(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, h.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()

		bucket := int(sum % uint64(h.dims))
		sign := 1.0
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
