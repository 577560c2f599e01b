// Package embed talks to the LLM gateway's OpenAI-compatible embedding API.
// The batch endpoint is the primary transport; the single-text endpoint is
// roughly 30x slower and only used as a fallback when a batch call has
// exhausted its retries.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// ErrUnavailable marks a final embedding failure after retries and fallback.
// Live ingest degrades to null-embedding templates on this error; the safety
// net completes them later.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Config holds the embedding client knobs.
type Config struct {
	BaseURL     string
	Model       string
	Dim         int
	Timeout     time.Duration // total per-request timeout
	BatchSize   int           // texts per batch request
	Concurrency int64         // global in-flight request cap
	BatchDelay  time.Duration // pause between batches (thermal headroom)
	MaxRetries  uint64        // retries per request before fallback
}

// Client issues embedding requests under a process-wide concurrency cap.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// New creates a Client. Zero-valued knobs get the deployment defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		logger:     slog.Default(),
	}
}

// Model returns the configured embedding model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// Dim returns the configured embedding dimension.
func (c *Client) Dim() int { return c.cfg.Dim }

// EmbedBatch embeds texts and returns vectors 1:1 with the input. It splits
// the input into batch-size chunks, holding a global semaphore slot per
// request so parallel callers cannot overrun the backend. A nil error means
// every vector is present and has the configured dimension.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		if start > 0 && c.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.BatchDelay):
			}
		}
		chunk, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

// EmbedText embeds a single text via the slow per-item endpoint.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	vec, err := c.embedSingle(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return vec, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var vectors [][]float32
	op := func() error {
		var err error
		vectors, err = c.postBatch(ctx, texts)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	err := backoff.Retry(op, bo)
	if err == nil {
		return vectors, nil
	}
	c.logger.Warn("batch embedding failed, falling back to sequential", "texts", len(texts), "error", err)

	// Fallback: one request per text on the slow endpoint.
	vectors = make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.embedSingle(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

type batchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type batchResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) postBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(batchRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating embeddings request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embeddings: unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var result batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(result.Data), len(texts))
	}

	// The gateway does not promise input order.
	sort.Slice(result.Data, func(i, j int) bool {
		return result.Data[i].Index < result.Data[j].Index
	})

	vectors := make([][]float32, len(texts))
	for i, item := range result.Data {
		if c.cfg.Dim > 0 && len(item.Embedding) != c.cfg.Dim {
			return nil, backoff.Permanent(fmt.Errorf(
				"embeddings: vector %d has dimension %d, configured %d", i, len(item.Embedding), c.cfg.Dim))
		}
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

type singleRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type singleResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) embedSingle(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(singleRequest{Model: c.cfg.Model, Prompt: text})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d", resp.StatusCode)
	}

	var result singleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if c.cfg.Dim > 0 && len(result.Embedding) != c.cfg.Dim {
		return nil, fmt.Errorf("embedding: vector has dimension %d, configured %d", len(result.Embedding), c.cfg.Dim)
	}
	return result.Embedding, nil
}
