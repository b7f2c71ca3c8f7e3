// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropic implements the negotiator's provider interface for
// Anthropic's Claude models over the Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"axonflow/negotiation/negotiator/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default temperature for completions
	DefaultTemperature = 0.7
)

// Model constants for supported Claude models
const (
	ModelClaude4Opus   = "claude-opus-4-20250514"
	ModelClaude4Sonnet = "claude-sonnet-4-20250514"

	ModelClaude35Sonnet    = "claude-3-5-sonnet-20241022"
	ModelClaude35SonnetOld = "claude-3-5-sonnet-20240620"
	ModelClaude35Haiku     = "claude-3-5-haiku-20241022"

	ModelClaude3Opus  = "claude-3-opus-20240229"
	ModelClaude3Haiku = "claude-3-haiku-20240307"

	// DefaultModel is used when no model is configured
	DefaultModel = ModelClaude35Sonnet
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic Claude.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
	healthy    bool
	mu         sync.RWMutex
}

// Config contains configuration for the Anthropic provider
type Config struct {
	APIKey     string        // Required: Anthropic API key
	BaseURL    string        // Optional: API base URL (default: https://api.anthropic.com)
	APIVersion string        // Optional: API version (default: 2023-06-01)
	Model      string        // Optional: Default model (default: claude-3-5-sonnet-20241022)
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
}

// NewProvider creates a new Anthropic provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
		healthy:    true,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "anthropic"
}

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeAnthropic
}

// GetCapabilities returns the provider's capabilities
func (p *Provider) GetCapabilities() []string {
	return []string{
		"reasoning",
		"analysis",
		"structured_output",
		"long_context",
	}
}

// IsHealthy returns whether the provider is healthy
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && p.apiKey != ""
}

// setHealthy updates the provider health status
func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	// Temperature: 0.0 is valid (deterministic), negative means unset
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	apiReq := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
		Temperature: &temperature,
	}

	// The Messages API has no schema-constrained mode, so a requested
	// output schema rides along as a system prompt instruction.
	system := req.SystemPrompt
	if req.OutputSchema != "" {
		system = appendSchemaInstruction(system, req.OutputSchema)
	}
	if system != "" {
		apiReq.System = system
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		code := llm.ErrCodeNetwork
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			code = llm.ErrCodeTimeout
		}
		return nil, &llm.ProviderError{
			Provider:  p.Name(),
			Code:      code,
			Message:   "request failed",
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, p.toProviderError(p.parseAPIError(resp.StatusCode, body))
	}

	p.setHealthy(true)

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError(p.Name(), llm.ErrCodeInvalidResponse,
			fmt.Sprintf("failed to decode response: %v", err))
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &llm.CompletionResponse{
		Content:  contentBuilder.String(),
		Provider: p.Name(),
		Model:    apiResp.Model,
		Usage: llm.UsageStats{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// appendSchemaInstruction tells the model to answer with a bare JSON
// object matching the given schema.
func appendSchemaInstruction(system, schema string) string {
	instruction := "Respond with a single JSON object matching this schema, with no text outside the JSON:\n" + schema
	if system == "" {
		return instruction
	}
	return system + "\n\n" + instruction
}

// setHeaders sets the required headers for Anthropic API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

// parseAPIError parses an API error response
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("anthropic API error (status %d): %s", statusCode, string(body))
	}

	return &APIError{
		StatusCode: statusCode,
		Type:       errResp.Error.Type,
		Message:    errResp.Error.Message,
	}
}

// toProviderError classifies an API failure for the failover client.
func (p *Provider) toProviderError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &llm.ProviderError{
			Provider:  p.Name(),
			Code:      llm.ErrCodeServerError,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}

	code := llm.ErrCodeInvalidResponse
	switch {
	case apiErr.IsRateLimitError():
		code = llm.ErrCodeRateLimit
	case apiErr.IsAuthError():
		code = llm.ErrCodeAuth
	case apiErr.IsOverloadedError(), apiErr.StatusCode >= 500:
		code = llm.ErrCodeServerError
	}

	provErr := llm.NewProviderError(p.Name(), code, apiErr.Message)
	provErr.StatusCode = apiErr.StatusCode
	provErr.Cause = apiErr
	return provErr
}

// APIError represents an Anthropic API error
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error (status %d, type %s): %s", e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
}

// IsAuthError returns true if this is an authentication error
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Type == "authentication_error"
}

// IsOverloadedError returns true if the API is overloaded
func (e *APIError) IsOverloadedError() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.Type == "overloaded_error"
}

// Internal API types

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GetSupportedModels returns a list of supported Claude models
func GetSupportedModels() []string {
	return []string{
		ModelClaude4Opus,
		ModelClaude4Sonnet,
		ModelClaude35Sonnet,
		ModelClaude35SonnetOld,
		ModelClaude35Haiku,
		ModelClaude3Opus,
		ModelClaude3Haiku,
	}
}

// IsValidModel checks if the given model is a valid Claude model
func IsValidModel(model string) bool {
	for _, m := range GetSupportedModels() {
		if m == model {
			return true
		}
	}
	// Also allow custom/future models starting with "claude-"
	return strings.HasPrefix(model, "claude-")
}
