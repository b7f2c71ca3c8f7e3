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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFile represents the root structure of a negotiator configuration file.
// Environment variables can be referenced with ${VAR} or ${VAR:-default}.
type ConfigFile struct {
	Version   string        `yaml:"version"`
	Service   ServiceFile   `yaml:"service,omitempty"`
	Providers ProvidersFile `yaml:"providers,omitempty"`
	Engine    EngineFile    `yaml:"engine,omitempty"`
	Guardrail GuardrailFile `yaml:"guardrails,omitempty"`
}

// ServiceFile holds HTTP service settings from the config file
type ServiceFile struct {
	Port               string `yaml:"port,omitempty"`
	Environment        string `yaml:"environment,omitempty"`
	DatabaseURL        string `yaml:"database_url,omitempty"`
	RedisURL           string `yaml:"redis_url,omitempty"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute,omitempty"`
}

// ProvidersFile holds provider settings from the config file
type ProvidersFile struct {
	Order                 []string      `yaml:"order,omitempty"`
	MaxRetriesPerProvider int           `yaml:"max_retries_per_provider,omitempty"`
	RetryDelayMs          int           `yaml:"retry_delay_ms,omitempty"`
	Anthropic             AnthropicFile `yaml:"anthropic,omitempty"`
	Bedrock               BedrockFile   `yaml:"bedrock,omitempty"`
}

// AnthropicFile holds Anthropic provider settings
type AnthropicFile struct {
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// BedrockFile holds Bedrock provider settings
type BedrockFile struct {
	Region string `yaml:"region,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// EngineFile holds decision engine settings
type EngineFile struct {
	MaxIterations int `yaml:"max_iterations,omitempty"`
}

// GuardrailFile holds the data tables the guardrails consume
type GuardrailFile struct {
	ConfidenceFloor    float64           `yaml:"confidence_floor,omitempty"`
	EscalationKeywords []string          `yaml:"escalation_keywords,omitempty"`
	CurrencyAliases    map[string]string `yaml:"currency_aliases,omitempty"`
}

// loadConfigFile reads and parses a YAML config file, expanding environment
// variable references before parsing.
func loadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var file ConfigFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &file, nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string
// Supports both ${VAR_NAME} and $VAR_NAME syntax
// Returns empty string for undefined variables
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		// Handle default values: ${VAR_NAME:-default}
		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		if defaultVal != "" {
			return defaultVal
		}

		return ""
	})
}

// GenerateExampleConfigFile generates an example configuration file
func GenerateExampleConfigFile() string {
	return `# Negotiator Runtime Configuration
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default} syntax

version: "1.0"

service:
  port: ${PORT:-8084}
  environment: ${ENVIRONMENT:-development}
  database_url: ${DATABASE_URL}
  redis_url: ${REDIS_URL}
  rate_limit_per_minute: 60

providers:
  # Providers are tried in this order; each gets the full retry budget
  # before the next one is consulted.
  order: [anthropic, bedrock]
  max_retries_per_provider: 2
  retry_delay_ms: 500
  anthropic:
    api_key: ${ANTHROPIC_API_KEY}
    model: ${ANTHROPIC_MODEL:-claude-3-5-sonnet-20241022}
  bedrock:
    region: ${BEDROCK_REGION:-us-east-1}
    model: ${BEDROCK_MODEL:-anthropic.claude-3-5-sonnet-20240620-v1:0}

engine:
  max_iterations: 10

guardrails:
  confidence_floor: 0.3
  escalation_keywords:
    - discontinued
    - no longer
    - out of stock
    - end of life
    - cannot supply
  currency_aliases:
    RMB: CNY
    "$": USD
`
}
