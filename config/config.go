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

// Package config loads the negotiator's layered configuration: built-in
// defaults, then an optional YAML file (NEGOTIATOR_CONFIG), then
// environment variables, then optional AWS Secrets Manager resolution
// for provider API keys. Later layers override earlier ones.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"axonflow/negotiation/negotiator/llm/anthropic"
	"axonflow/negotiation/negotiator/llm/bedrock"
)

// Provider names accepted in the provider order.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderMock      = "mock"
)

// Config is the resolved negotiator configuration.
type Config struct {
	Port        string
	Environment string
	DatabaseURL string
	RedisURL    string

	// RateLimitPerMinute caps requests per client per minute at the HTTP
	// surface. Zero disables rate limiting.
	RateLimitPerMinute int

	Providers  ProvidersConfig
	Engine     EngineConfig
	Guardrails GuardrailConfig
}

// ProvidersConfig controls the failover chain and per-provider settings.
type ProvidersConfig struct {
	// Order lists providers by priority; each gets the full retry
	// budget before the next is consulted.
	Order                 []string
	MaxRetriesPerProvider int
	RetryDelay            time.Duration

	AnthropicAPIKey string
	AnthropicModel  string
	BedrockRegion   string
	BedrockModel    string

	// SecretsARN, when set, names an AWS Secrets Manager secret whose
	// JSON payload supplies API keys (key "anthropic_api_key").
	SecretsARN string
}

// EngineConfig controls the decision loop.
type EngineConfig struct {
	// MaxIterations bounds synthesis iterations per turn. When the
	// bound is hit the engine forces an escalation.
	MaxIterations int
}

// GuardrailConfig carries the data tables the guardrails consume.
type GuardrailConfig struct {
	// ConfidenceFloor is the extraction confidence below which the
	// pre-synthesis guardrail escalates.
	ConfidenceFloor float64

	// EscalationKeywords escalate when found in extraction notes
	// (case-insensitive substring match).
	EscalationKeywords []string

	// CurrencyAliases normalize nonstandard currency spellings to ISO
	// codes before validation.
	CurrencyAliases map[string]string
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	secrets SecretsSource
}

// WithSecretsSource overrides the AWS Secrets Manager client, used by
// tests and local development.
func WithSecretsSource(s SecretsSource) Option {
	return func(o *loadOptions) {
		o.secrets = s
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:               "8084",
		Environment:        "development",
		RateLimitPerMinute: 60,
		Providers: ProvidersConfig{
			Order:                 []string{ProviderAnthropic, ProviderBedrock},
			MaxRetriesPerProvider: 2,
			RetryDelay:            500 * time.Millisecond,
			AnthropicModel:        anthropic.DefaultModel,
			BedrockRegion:         bedrock.DefaultRegion,
			BedrockModel:          bedrock.DefaultModel,
		},
		Engine: EngineConfig{
			MaxIterations: 10,
		},
		Guardrails: GuardrailConfig{
			ConfidenceFloor: 0.3,
			EscalationKeywords: []string{
				"discontinued",
				"no longer",
				"out of stock",
				"end of life",
				"cannot supply",
			},
			CurrencyAliases: map[string]string{
				"RMB":  "CNY",
				"YUAN": "CNY",
				"$":    "USD",
				"US$":  "USD",
				"€":    "EUR",
				"£":    "GBP",
			},
		},
	}
}

// Load resolves the configuration from all layers and validates it.
func Load(ctx context.Context, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()

	if path := os.Getenv("NEGOTIATOR_CONFIG"); path != "" {
		file, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(file)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Providers.SecretsARN != "" {
		if err := cfg.resolveSecrets(ctx, options.secrets); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFile overlays non-zero file values onto the config.
func (c *Config) applyFile(file *ConfigFile) {
	if file.Service.Port != "" {
		c.Port = file.Service.Port
	}
	if file.Service.Environment != "" {
		c.Environment = file.Service.Environment
	}
	if file.Service.DatabaseURL != "" {
		c.DatabaseURL = file.Service.DatabaseURL
	}
	if file.Service.RedisURL != "" {
		c.RedisURL = file.Service.RedisURL
	}
	if file.Service.RateLimitPerMinute > 0 {
		c.RateLimitPerMinute = file.Service.RateLimitPerMinute
	}

	if len(file.Providers.Order) > 0 {
		c.Providers.Order = file.Providers.Order
	}
	if file.Providers.MaxRetriesPerProvider > 0 {
		c.Providers.MaxRetriesPerProvider = file.Providers.MaxRetriesPerProvider
	}
	if file.Providers.RetryDelayMs > 0 {
		c.Providers.RetryDelay = time.Duration(file.Providers.RetryDelayMs) * time.Millisecond
	}
	if file.Providers.Anthropic.APIKey != "" {
		c.Providers.AnthropicAPIKey = file.Providers.Anthropic.APIKey
	}
	if file.Providers.Anthropic.Model != "" {
		c.Providers.AnthropicModel = file.Providers.Anthropic.Model
	}
	if file.Providers.Bedrock.Region != "" {
		c.Providers.BedrockRegion = file.Providers.Bedrock.Region
	}
	if file.Providers.Bedrock.Model != "" {
		c.Providers.BedrockModel = file.Providers.Bedrock.Model
	}

	if file.Engine.MaxIterations > 0 {
		c.Engine.MaxIterations = file.Engine.MaxIterations
	}

	if file.Guardrail.ConfidenceFloor > 0 {
		c.Guardrails.ConfidenceFloor = file.Guardrail.ConfidenceFloor
	}
	if len(file.Guardrail.EscalationKeywords) > 0 {
		c.Guardrails.EscalationKeywords = file.Guardrail.EscalationKeywords
	}
	if len(file.Guardrail.CurrencyAliases) > 0 {
		c.Guardrails.CurrencyAliases = file.Guardrail.CurrencyAliases
	}
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE %q: %w", v, err)
		}
		c.RateLimitPerMinute = n
	}

	if order := os.Getenv("PROVIDER_ORDER"); order != "" {
		parts := strings.Split(order, ",")
		names := make([]string, 0, len(parts))
		for _, p := range parts {
			if name := strings.TrimSpace(p); name != "" {
				names = append(names, name)
			}
		}
		c.Providers.Order = names
	}

	if v := os.Getenv("MAX_RETRIES_PER_PROVIDER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_RETRIES_PER_PROVIDER %q: %w", v, err)
		}
		c.Providers.MaxRetriesPerProvider = n
	}

	if v := os.Getenv("RETRY_DELAY_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RETRY_DELAY_MS %q: %w", v, err)
		}
		c.Providers.RetryDelay = time.Duration(n) * time.Millisecond
	}

	c.Providers.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.Providers.AnthropicAPIKey)
	c.Providers.AnthropicModel = getEnv("ANTHROPIC_MODEL", c.Providers.AnthropicModel)
	c.Providers.BedrockRegion = getEnv("BEDROCK_REGION", c.Providers.BedrockRegion)
	c.Providers.BedrockModel = getEnv("BEDROCK_MODEL", c.Providers.BedrockModel)
	c.Providers.SecretsARN = getEnv("SECRETS_MANAGER_ARN", c.Providers.SecretsARN)

	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_ITERATIONS %q: %w", v, err)
		}
		c.Engine.MaxIterations = n
	}

	return nil
}

// resolveSecrets fetches provider API keys from Secrets Manager. Keys
// present in the secret override environment values.
func (c *Config) resolveSecrets(ctx context.Context, source SecretsSource) error {
	if source == nil {
		sm, err := NewAWSSecretsManager(ctx, AWSSecretsManagerOptions{
			Region: c.Providers.BedrockRegion,
		})
		if err != nil {
			return err
		}
		source = sm
	}

	creds, err := source.GetSecret(ctx, c.Providers.SecretsARN)
	if err != nil {
		return fmt.Errorf("failed to resolve provider secrets: %w", err)
	}

	if key, ok := creds["anthropic_api_key"]; ok && key != "" {
		c.Providers.AnthropicAPIKey = key
	} else if key, ok := creds["value"]; ok && key != "" {
		// Single-string secrets hold just the Anthropic key
		c.Providers.AnthropicAPIKey = key
	}

	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("invalid configuration: provider order is empty")
	}

	for _, name := range c.Providers.Order {
		switch name {
		case ProviderAnthropic, ProviderBedrock, ProviderMock:
		default:
			return fmt.Errorf("invalid configuration: unknown provider %q", name)
		}
	}

	if c.Providers.MaxRetriesPerProvider < 1 {
		return fmt.Errorf("invalid configuration: max retries per provider must be at least 1")
	}
	if c.Providers.RetryDelay < 0 {
		return fmt.Errorf("invalid configuration: retry delay must not be negative")
	}

	if hasProvider(c.Providers.Order, ProviderAnthropic) && !anthropic.IsValidModel(c.Providers.AnthropicModel) {
		return fmt.Errorf("invalid configuration: unsupported anthropic model %q", c.Providers.AnthropicModel)
	}
	if hasProvider(c.Providers.Order, ProviderBedrock) && bedrock.DetectModelFamily(c.Providers.BedrockModel) == "" {
		return fmt.Errorf("invalid configuration: unsupported bedrock model %q", c.Providers.BedrockModel)
	}

	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("invalid configuration: max iterations must be at least 1")
	}

	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("invalid configuration: rate limit must not be negative")
	}

	if c.Guardrails.ConfidenceFloor < 0 || c.Guardrails.ConfidenceFloor > 1 {
		return fmt.Errorf("invalid configuration: confidence floor must be within [0, 1]")
	}

	return nil
}

func hasProvider(order []string, name string) bool {
	for _, n := range order {
		if n == name {
			return true
		}
	}
	return false
}

// getEnv returns the environment value for key, or the fallback when the
// variable is unset or empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
