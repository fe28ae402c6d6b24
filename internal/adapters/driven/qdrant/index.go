// Package qdrant implements the vector index over Qdrant's REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*Index)(nil)

// Index stores chunk vectors in one Qdrant collection with cosine distance.
type Index struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
}

// Config holds Qdrant connection configuration
type Config struct {
	// BaseURL is the Qdrant REST endpoint (e.g., http://localhost:6333)
	BaseURL string

	// APIKey is sent as the api-key header when set
	APIKey string

	// Collection is the single collection this deployment writes to
	Collection string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(baseURL, collection string) Config {
	return Config{
		BaseURL:    baseURL,
		Collection: collection,
		Timeout:    30 * time.Second,
	}
}

// NewIndex creates a new Qdrant-backed VectorIndex
func NewIndex(cfg Config) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Index{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type pointPayload struct {
	SourceID   string `json:"source_id"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

type point struct {
	ID      string       `json:"id"`
	Vector  []float32    `json:"vector"`
	Payload pointPayload `json:"payload"`
}

type collectionInfo struct {
	Result struct {
		PointsCount int64 `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

type searchResponse struct {
	Result []struct {
		ID      any          `json:"id"`
		Score   float64      `json:"score"`
		Payload pointPayload `json:"payload"`
	} `json:"result"`
}

// apiError carries a non-2xx Qdrant response
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("qdrant returned %d: %s", e.status, e.body)
}

// Unwrap maps the status onto domain errors so callers can classify it.
func (e *apiError) Unwrap() error {
	switch {
	case e.status == http.StatusUnauthorized, e.status == http.StatusForbidden:
		return domain.ErrUnauthorized
	case e.status == http.StatusNotFound:
		return domain.ErrCollectionNotFound
	case e.status == http.StatusBadRequest && strings.Contains(strings.ToLower(e.body), "dimension"):
		return domain.ErrDimensionMismatch
	case e.status == http.StatusTooManyRequests, e.status == http.StatusRequestTimeout, e.status >= 500:
		return domain.ErrServiceUnavailable
	case e.status >= 400:
		// Any other rejected request fails the same way on every retry.
		return domain.ErrInvalidInput
	default:
		return nil
	}
}

// EnsureCollection creates the collection unless it already exists. A
// conflict from a concurrent create counts as success.
func (s *Index) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrInvalidInput, dimension)
	}

	existing, err := s.Dimension(ctx)
	if err != nil {
		return err
	}
	if existing > 0 {
		if existing != dimension {
			return fmt.Errorf("%w: collection %s has size %d, embeddings have %d",
				domain.ErrDimensionMismatch, s.collection, existing, dimension)
		}
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	err = s.do(ctx, http.MethodPut, s.collectionPath(""), body, nil)
	if err == nil || isAlreadyExists(err) {
		return nil
	}
	return fmt.Errorf("qdrant create collection failed: %w", err)
}

// Upsert writes all vectors in one request and waits for them to be applied.
func (s *Index) Upsert(ctx context.Context, vectors []domain.IndexedVector) error {
	if len(vectors) == 0 {
		return nil
	}

	points := make([]point, len(vectors))
	for i, v := range vectors {
		points[i] = point{
			ID:     v.Metadata.PointID(),
			Vector: v.Vector,
			Payload: pointPayload{
				SourceID:   v.Metadata.SourceID,
				PageNumber: v.Metadata.PageNumber,
				ChunkIndex: v.Metadata.ChunkIndex,
				Text:       v.Text,
			},
		}
	}

	if err := s.do(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// Search returns the k nearest chunks. Qdrant already orders by score.
func (s *Index) Search(ctx context.Context, vector []float32, k int) ([]domain.QueryResult, error) {
	if k <= 0 {
		k = 4
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp searchResponse
	if err := s.do(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]domain.QueryResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, domain.QueryResult{
			Text: r.Payload.Text,
			Metadata: domain.ChunkMetadata{
				SourceID:   r.Payload.SourceID,
				PageNumber: r.Payload.PageNumber,
				ChunkIndex: r.Payload.ChunkIndex,
			},
			Score: r.Score,
		})
	}
	return results, nil
}

// Dimension returns the collection's vector size, or 0 if it does not exist.
func (s *Index) Dimension(ctx context.Context) (int, error) {
	var info collectionInfo
	if err := s.do(ctx, http.MethodGet, s.collectionPath(""), nil, &info); err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("qdrant get collection failed: %w", err)
	}
	return info.Result.Config.Params.Vectors.Size, nil
}

// Collection returns the configured collection name
func (s *Index) Collection() string {
	return s.collection
}

// HealthCheck verifies Qdrant is reachable
func (s *Index) HealthCheck(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (s *Index) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.collection) + suffix
}

func (s *Index) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.status == http.StatusConflict ||
		(apiErr.status == http.StatusBadRequest && strings.Contains(apiErr.body, "already exists"))
}
