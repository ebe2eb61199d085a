// Package embedding produces dense vectors for text. The REST client talks to
// an OpenAI-compatible embeddings endpoint; no complete Go SDK for this exists
// in the corpus this module was grown from, so the transport is a thin
// net/http + encoding/json client (see DESIGN.md).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/costnav/queryengine/internal/engineerr"
)

// Vector is a dense embedding. Cosine-similarity callers assume all vectors
// handed around the engine share one dimension, fixed by the Embedder in use.
type Vector []float32

// Embedder turns text into a Vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dimension() int
}

// Client is a REST-backed Embedder with an LRU cache keyed by (model, text).
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	cache      *lru.Cache[string, Vector]
}

// NewClient builds a Client. cacheSize <= 0 disables caching.
func NewClient(baseURL, apiKey, model string, dimension, cacheSize int) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		dimension:  dimension,
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, Vector](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding: new cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the cached vector for text if present, otherwise calls the
// upstream embeddings endpoint with capped exponential backoff.
func (c *Client) Embed(ctx context.Context, text string) (Vector, error) {
	key := c.model + "\x00" + text
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
	}

	var out Vector
	op := func() error {
		v, err := c.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, engineerr.New(engineerr.UpstreamUnavailable, "embedding.Embed", err)
	}

	if c.cache != nil {
		c.cache.Add(key, out)
	}
	return out, nil
}

func (c *Client) embedOnce(ctx context.Context, text string) (Vector, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding upstream status %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("embedding upstream status %d: %s", resp.StatusCode, data))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return Vector(parsed.Data[0].Embedding), nil
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector is empty.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
