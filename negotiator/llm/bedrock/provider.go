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

// Package bedrock implements the negotiator's provider interface for AWS
// Bedrock using AWS SDK v2. Requests are signed with AWS Signature V4 via
// the standard credential chain, so no API keys are handled directly.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"axonflow/negotiation/negotiator/llm"
)

const (
	// DefaultRegion is used when no AWS region is configured
	DefaultRegion = "us-east-1"

	// DefaultModel is used when no model is configured
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// anthropicVersion is the Bedrock-specific Anthropic API version
	anthropicVersion = "bedrock-2023-05-31"
)

// InvokeAPI is the subset of the Bedrock runtime client used by the
// provider (enables testing).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	client  InvokeAPI
	region  string
	model   string
	healthy bool
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Region string    // Optional: AWS region (default: us-east-1)
	Model  string    // Optional: Bedrock model ID (default: Claude 3.5 Sonnet)
	Client InvokeAPI // Optional: preconstructed client, used by tests
}

// NewProvider creates a new Bedrock provider. When no client is supplied
// the AWS configuration is loaded from the standard credential chain.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if DetectModelFamily(cfg.Model) == "" {
		return nil, fmt.Errorf("unsupported bedrock model: %s", cfg.Model)
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", cfg.Region, err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
		log.Printf("[Bedrock] initialized AWS SDK provider (region: %s, model: %s)", cfg.Region, cfg.Model)
	}

	return &Provider{
		client:  client,
		region:  cfg.Region,
		model:   cfg.Model,
		healthy: true,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "bedrock"
}

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeBedrock
}

// IsHealthy returns whether the provider is healthy
func (p *Provider) IsHealthy() bool {
	return p.healthy && p.region != ""
}

// GetCapabilities returns the provider's capabilities
func (p *Provider) GetCapabilities() []string {
	return []string{"reasoning", "analysis", "structured_output", "hipaa_compliant"}
}

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	requestBody, err := p.buildRequestBody(req, model)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.healthy = false
		code := llm.ErrCodeServerError
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			code = llm.ErrCodeTimeout
		}
		return nil, &llm.ProviderError{
			Provider:  p.Name(),
			Code:      code,
			Message:   "InvokeModel failed",
			Retryable: true,
			Cause:     err,
		}
	}

	p.healthy = true

	content, usage, err := p.parseResponseBody(output.Body, model)
	if err != nil {
		return nil, llm.NewProviderError(p.Name(), llm.ErrCodeInvalidResponse,
			fmt.Sprintf("failed to parse response: %v", err))
	}

	return &llm.CompletionResponse{
		Content:  content,
		Provider: p.Name(),
		Model:    model,
		Usage:    usage,
		Latency:  time.Since(start),
	}, nil
}

// buildRequestBody builds the request body based on model family
func (p *Provider) buildRequestBody(req llm.CompletionRequest, model string) (map[string]interface{}, error) {
	family := DetectModelFamily(model)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	temperature := req.Temperature
	if temperature < 0 {
		temperature = 0.7
	}

	// Only the Anthropic family has a first-class system field. Other
	// families get the system text folded into the prompt.
	system := req.SystemPrompt
	if req.OutputSchema != "" {
		instruction := "Respond with a single JSON object matching this schema, with no text outside the JSON:\n" + req.OutputSchema
		if system == "" {
			system = instruction
		} else {
			system = system + "\n\n" + instruction
		}
	}

	switch family {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        maxTokens,
			"temperature":       temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if system != "" {
			body["system"] = system
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": foldSystem(system, req.Prompt),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      foldSystem(system, req.Prompt),
			"max_gen_len": maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      foldSystem(system, req.Prompt),
			"max_tokens":  maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

func foldSystem(system, prompt string) string {
	if system == "" {
		return prompt
	}
	return system + "\n\n" + prompt
}

// parseResponseBody parses the response body based on model family
func (p *Provider) parseResponseBody(body []byte, model string) (string, llm.UsageStats, error) {
	family := DetectModelFamily(model)

	switch family {
	case "anthropic":
		return parseAnthropicResponse(body)
	case "amazon":
		return parseAmazonTitanResponse(body)
	case "meta":
		return parseMetaLlamaResponse(body)
	case "mistral":
		return parseMistralResponse(body)
	default:
		return "", llm.UsageStats{}, fmt.Errorf("unsupported model family: %s", family)
	}
}

// parseAnthropicResponse parses Anthropic Claude response
func parseAnthropicResponse(body []byte) (string, llm.UsageStats, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return "", llm.UsageStats{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}

	return content, llm.UsageStats{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// parseAmazonTitanResponse parses Amazon Titan response
func parseAmazonTitanResponse(body []byte) (string, llm.UsageStats, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
		InputTextTokenCount int `json:"inputTextTokenCount"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return "", llm.UsageStats{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	outputTokens := 0
	if len(resp.Results) > 0 {
		content = resp.Results[0].OutputText
		outputTokens = resp.Results[0].TokenCount
	}

	return content, llm.UsageStats{
		InputTokens:  resp.InputTextTokenCount,
		OutputTokens: outputTokens,
		TotalTokens:  resp.InputTextTokenCount + outputTokens,
	}, nil
}

// parseMetaLlamaResponse parses Meta Llama response
func parseMetaLlamaResponse(body []byte) (string, llm.UsageStats, error) {
	var resp struct {
		Generation       string `json:"generation"`
		PromptTokenCount int    `json:"prompt_token_count"`
		GenTokenCount    int    `json:"generation_token_count"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return "", llm.UsageStats{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return resp.Generation, llm.UsageStats{
		InputTokens:  resp.PromptTokenCount,
		OutputTokens: resp.GenTokenCount,
		TotalTokens:  resp.PromptTokenCount + resp.GenTokenCount,
	}, nil
}

// parseMistralResponse parses Mistral response
func parseMistralResponse(body []byte) (string, llm.UsageStats, error) {
	var resp struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return "", llm.UsageStats{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	if len(resp.Outputs) > 0 {
		content = resp.Outputs[0].Text
	}

	// Mistral doesn't provide token counts
	return content, llm.UsageStats{}, nil
}

// inferenceProfilePrefixes are the known AWS Bedrock inference profile prefixes.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

// supportedFamilies are the model families that Bedrock supports.
var supportedFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// DetectModelFamily detects the model family from a Bedrock model ID.
// It returns the empty string for unsupported or malformed IDs.
func DetectModelFamily(modelID string) string {
	// Model IDs follow pattern: provider.model-name-version
	// Examples:
	//   anthropic.claude-3-5-sonnet-20240620-v1:0
	//   amazon.titan-text-express-v1
	//   meta.llama3-70b-instruct-v1:0
	//   mistral.mistral-large-2402-v1:0
	//
	// Inference profile IDs have a regional prefix:
	//   eu.anthropic.claude-sonnet-4-5-20250929-v1:0
	//   us.anthropic.claude-sonnet-4-5-20250929-v1:0

	if len(modelID) == 0 {
		return ""
	}

	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	firstSegment := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if firstSegment == prefix {
			// Inference profile ID, the second segment is the family
			if len(segments) > 1 {
				return validateFamily(segments[1])
			}
			return ""
		}
	}

	return validateFamily(firstSegment)
}

// validateFamily returns the family if supported, empty string otherwise
func validateFamily(family string) string {
	for _, supported := range supportedFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}
