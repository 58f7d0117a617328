package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ModelFailureCause classifies why a model invocation failed
type ModelFailureCause string

const (
	CauseTimeout           ModelFailureCause = "timeout"
	CauseMalformedResponse ModelFailureCause = "malformed_response"
	CauseProviderError     ModelFailureCause = "provider_error"
)

// ModelInvocationError wraps any failure of the model provider. The decision
// engine catches it and routes to the fallback strategy; it never propagates
// to callers.
type ModelInvocationError struct {
	Cause ModelFailureCause
	Err   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed (%s): %v", e.Cause, e.Err)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}

// ModelClient is the contract with the LLM/embedding provider
type ModelClient interface {
	// Generate sends a prompt and returns the raw completion text
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Embed returns the embedding vector for the given text
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIModelClient talks to any OpenAI-compatible endpoint. Every call is
// timeout-bounded and throttled client-side so a burst of decisions cannot
// trip the provider's own rate limits.
type OpenAIModelClient struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// OpenAIModelConfig configures the provider client
type OpenAIModelConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	EmbeddingModel    string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NewOpenAIModelClient creates a provider client
func NewOpenAIModelClient(cfg OpenAIModelConfig) *OpenAIModelClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	return &OpenAIModelClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		embedModel: cfg.EmbeddingModel,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond*2)),
	}
}

// Generate sends a chat completion request and returns the completion text
func (c *OpenAIModelClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &ModelInvocationError{Cause: CauseTimeout, Err: err}
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": 0.2, // low temperature: decisions should be consistent
		"stream":      false,
	})
	if err != nil {
		return "", &ModelInvocationError{Cause: CauseProviderError, Err: err}
	}

	body, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ModelInvocationError{Cause: CauseMalformedResponse, Err: err}
	}
	if len(result.Choices) == 0 {
		return "", &ModelInvocationError{Cause: CauseMalformedResponse, Err: errors.New("no choices in response")}
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Embed returns the embedding vector for the given text
func (c *OpenAIModelClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &ModelInvocationError{Cause: CauseTimeout, Err: err}
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"model": c.embedModel,
		"input": text,
	})
	if err != nil {
		return nil, &ModelInvocationError{Cause: CauseProviderError, Err: err}
	}

	body, err := c.post(ctx, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ModelInvocationError{Cause: CauseMalformedResponse, Err: err}
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, &ModelInvocationError{Cause: CauseMalformedResponse, Err: errors.New("no embedding in response")}
	}

	return result.Data[0].Embedding, nil
}

func (c *OpenAIModelClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, &ModelInvocationError{Cause: CauseProviderError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cause := CauseProviderError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			cause = CauseTimeout
		}
		return nil, &ModelInvocationError{Cause: cause, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ModelInvocationError{Cause: CauseProviderError, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ModelInvocationError{
			Cause: CauseProviderError,
			Err:   fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}
	}

	return respBody, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// stripCodeFences removes markdown code fences some models wrap around JSON
// responses despite being told not to
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
