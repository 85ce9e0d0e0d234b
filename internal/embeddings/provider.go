// Package embeddings turns text into vectors through an HTTP embedding
// server, with a content-addressed TTL cache in front of it.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrProvider indicates an embedding provider failure.
var ErrProvider = errors.New("embedding provider error")

// ProviderError carries the provider failure detail. RateLimited
// distinguishes throttling from other failures so upstream fallback
// logic can react; this package applies no retries of its own.
type ProviderError struct {
	Status      int
	RateLimited bool
	Message     string
}

func (e *ProviderError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("embedding provider rate limited (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("embedding provider error (status %d): %s", e.Status, e.Message)
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// IsRateLimited reports whether err is a rate-limiting provider error.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.RateLimited
}

// Provider generates one embedding per call.
type Provider interface {
	Embed(ctx context.Context, text, modelCategory, modelName, teamID string) ([]float32, error)
}

// HTTPConfig configures the HTTP embedding provider.
type HTTPConfig struct {
	// BaseURL is the base URL for the embedding API.
	BaseURL string

	// APIKey is optional; sent as a bearer token when set.
	APIKey string

	// Timeout bounds a single request. Default: 30s.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrProvider)
	}
	return nil
}

// HTTPProvider calls a TEI-compatible embed endpoint.
type HTTPProvider struct {
	config  HTTPConfig
	client  *http.Client
	metrics *Metrics
}

// NewHTTPProvider creates an HTTP embedding provider.
func NewHTTPProvider(config HTTPConfig, metrics *Metrics) (*HTTPProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		config:  config,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}, nil
}

// embedRequest is the request body for the embed endpoint.
type embedRequest struct {
	Inputs   interface{} `json:"inputs"`
	Model    string      `json:"model,omitempty"`
	Truncate bool        `json:"truncate"`
}

// Embed generates a single embedding.
func (p *HTTPProvider) Embed(ctx context.Context, text, modelCategory, modelName, teamID string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, modelName, "embed", time.Since(start), genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrProvider)
		return nil, genErr
	}

	body, err := json.Marshal(embedRequest{
		Inputs:   text,
		Model:    modelName,
		Truncate: true,
	})
	if err != nil {
		genErr = fmt.Errorf("marshaling request: %w", err)
		return nil, genErr
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		genErr = fmt.Errorf("creating request: %w", err)
		return nil, genErr
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	if teamID != "" {
		httpReq.Header.Set("X-Team-Id", teamID)
	}
	if modelCategory != "" {
		httpReq.Header.Set("X-Model-Category", modelCategory)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		genErr = &ProviderError{Message: err.Error()}
		return nil, genErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		genErr = &ProviderError{
			Status:      resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
			Message:     string(respBody),
		}
		return nil, genErr
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		genErr = fmt.Errorf("decoding response: %w", err)
		return nil, genErr
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		genErr = fmt.Errorf("%w: empty embedding returned", ErrProvider)
		return nil, genErr
	}

	return vectors[0], nil
}
