// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm provides the unified provider interface and the failover
// calling substrate the negotiation engine issues every model call through.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeAnthropic represents Anthropic's Claude models via the direct API.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeMock represents the deterministic local development provider.
	ProviderTypeMock ProviderType = "mock"
)

// CompletionRequest encapsulates all parameters for an LLM completion request.
// This is the unified request type used across all providers.
type CompletionRequest struct {
	// Prompt is the user message.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets context/behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	// Negative means unset; providers apply their default.
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// OutputSchema, when non-empty, is a JSON Schema the response content is
	// expected to conform to. Providers that support constrained generation
	// enforce it; others include it as an instruction and the caller's parser
	// remains responsible for malformed output.
	OutputSchema string `json:"output_schema,omitempty"`
}

// CompletionResponse contains the result of an LLM completion.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string `json:"content"`

	// Provider is the name of the provider that served the request.
	Provider string `json:"provider"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	// InputTokens is the number of tokens in the prompt.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int `json:"total_tokens"`
}

// Attempt records one provider attempt made by the failover client.
// The ordered attempt log is kept for observability; correctness never
// depends on it.
type Attempt struct {
	// Provider is the provider name the attempt went to.
	Provider string `json:"provider"`

	// Model is the model the attempt requested.
	Model string `json:"model"`

	// Latency is how long the attempt took, success or not.
	Latency time.Duration `json:"latency"`

	// Success indicates whether the attempt produced a response.
	Success bool `json:"success"`

	// Error holds the attempt's error text when Success is false.
	Error string `json:"error,omitempty"`
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limited"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "auth_failed"

	// ErrCodeTimeout indicates request timeout or cancellation.
	ErrCodeTimeout = "timeout"

	// ErrCodeNetwork indicates a transport-level failure.
	ErrCodeNetwork = "network_error"

	// ErrCodeInvalidResponse indicates the provider returned an unusable body.
	ErrCodeInvalidResponse = "invalid_response"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeExhausted indicates every provider and retry failed.
	ErrCodeExhausted = "provider_exhausted"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeNetwork:
		return true
	default:
		return false
	}
}
